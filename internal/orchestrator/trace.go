package orchestrator

import (
	"fmt"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// AgentTask records one collaborator invocation. It is written for the
// trace and never read back by the run.
type AgentTask struct {
	From            string `json:"from"`
	To              string `json:"to"`
	TaskDescription string `json:"task_description"`
	PayloadSummary  string `json:"payload_summary"`
}

// DraftChange counts the characters a redraft inserted and deleted.
type DraftChange struct {
	Inserted int
	Deleted  int
	Edits    int
}

func (c DraftChange) String() string {
	return fmt.Sprintf("+%d/-%d chars in %d edits", c.Inserted, c.Deleted, c.Edits)
}

// diffDrafts compares two drafts character by character.
func diffDrafts(before, after string) DraftChange {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var c DraftChange
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			c.Inserted += utf8.RuneCountInString(d.Text)
			c.Edits++
		case diffmatchpatch.DiffDelete:
			c.Deleted += utf8.RuneCountInString(d.Text)
			c.Edits++
		}
	}
	return c
}
