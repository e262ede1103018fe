package state

import (
	"errors"
	"testing"
)

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want Decision
	}{
		{"fresh", Snapshot{}, Decision{Stage: StageIngestion}},
		{"ingested", Snapshot{Ingested: true}, Decision{Stage: StageRetrieval}},
		{"embedded", Snapshot{Ingested: true, Embedded: true}, Decision{Stage: StageDrafting}},
		{"drafted", Snapshot{Ingested: true, Embedded: true, Drafted: true}, Decision{Stage: StageCritique}},
		{"validated", Snapshot{Ingested: true, Embedded: true, Drafted: true, Validated: true}, Decision{Stage: StageAssembly}},
		{"completed", Snapshot{Ingested: true, Embedded: true, Drafted: true, Validated: true, Completed: true}, Decision{Done: true}},
		{"embedded without ingestion", Snapshot{Embedded: true}, Decision{Stage: StageIngestion}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.snap); got != tt.want {
				t.Fatalf("Decide = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	draft := "draft"
	snap := Snapshot{Ingested: true, Embedded: true, Drafted: true, Draft: &draft, Chunks: []string{"a"}}
	first := Decide(snap)
	for range 5 {
		if got := Decide(snap); got != first {
			t.Fatalf("Decide changed between calls: %+v then %+v", first, got)
		}
	}
	if *snap.Draft != "draft" || len(snap.Chunks) != 1 {
		t.Fatal("Decide mutated its input")
	}
}

func TestManagerFullRun(t *testing.T) {
	m := NewManager()
	steps := []func() error{
		func() error { return m.SetIngestion("raw", "file-1") },
		func() error { return m.SetEmbeddings([]string{"c1", "c2"}, [][]float32{{1}, {2}}) },
		func() error { return m.SetDraft("draft one") },
		func() error { return m.SetValidation(nil) },
		func() error { return m.SetFinalDocument("final") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	snap := m.Snapshot()
	if !Decide(snap).Done {
		t.Fatalf("expected run done, got %+v", Decide(snap))
	}
	if *snap.FileID != "file-1" || *snap.FinalDocument != "final" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestManagerFlagsMonotonic(t *testing.T) {
	m := NewManager()
	must(t, m.SetIngestion("raw", ""))
	must(t, m.SetEmbeddings([]string{"c"}, [][]float32{{1}}))
	must(t, m.SetDraft("d1"))

	must(t, m.SetValidation([]string{"missing citation"}))
	snap := m.Snapshot()
	if snap.Validated || len(snap.ValidationIssues) != 1 {
		t.Fatalf("expected invalid draft with one issue, got %+v", snap)
	}

	m.ResetValidation()
	snap = m.Snapshot()
	if !snap.Ingested || !snap.Embedded || !snap.Drafted {
		t.Fatalf("reset cleared a monotonic flag: %+v", snap)
	}
	if snap.Validated || snap.ValidationIssues != nil {
		t.Fatalf("expected validation cleared, got %+v", snap)
	}

	// Rejected mutations leave flags alone.
	if err := m.SetDraft(""); err == nil {
		t.Fatal("expected empty draft rejected")
	}
	if err := m.SetEmbeddings([]string{"x"}, nil); err == nil {
		t.Fatal("expected chunks without embeddings rejected")
	}
	snap = m.Snapshot()
	if !snap.Drafted || !snap.Embedded || *snap.Draft != "d1" {
		t.Fatalf("failed mutation changed state: %+v", snap)
	}
}

func TestManagerAcceptsEmptyEmbeddings(t *testing.T) {
	m := NewManager()
	must(t, m.SetEmbeddings(nil, nil))
	snap := m.Snapshot()
	if !snap.Embedded || len(snap.Chunks) != 0 || len(snap.Embeddings) != 0 {
		t.Fatalf("expected embedded with no chunks, got %+v", snap)
	}
	if err := m.SetEmbeddings(nil, [][]float32{{1}}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestManagerRejectsInvalidValues(t *testing.T) {
	m := NewManager()
	if err := m.SetIngestion("  ", "f"); !errors.Is(err, ErrEmptyValue) {
		t.Fatalf("expected ErrEmptyValue, got %v", err)
	}
	if err := m.SetEmbeddings([]string{"a", "b"}, [][]float32{{1}}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
	if err := m.SetEmbeddings([]string{"a"}, [][]float32{{}}); !errors.Is(err, ErrEmptyValue) {
		t.Fatalf("expected ErrEmptyValue for empty vector, got %v", err)
	}
	if err := m.SetValidation(nil); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder before draft, got %v", err)
	}
	must(t, m.SetDraft("d"))
	if err := m.SetFinalDocument("final"); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder before validation, got %v", err)
	}
	if m.Snapshot().Embedded {
		t.Fatal("rejected embeddings must not set the flag")
	}
}

func TestSetValidationIgnoresBlankIssues(t *testing.T) {
	m := NewManager()
	must(t, m.SetDraft("d"))
	must(t, m.SetValidation([]string{"", "  "}))
	if !m.Snapshot().Validated {
		t.Fatal("expected blank issues to count as valid")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewManager()
	chunks := []string{"a"}
	vecs := [][]float32{{1, 2}}
	must(t, m.SetEmbeddings(chunks, vecs))
	chunks[0] = "changed"
	vecs[0][0] = 99

	snap := m.Snapshot()
	if snap.Chunks[0] != "a" || snap.Embeddings[0][0] != 1 {
		t.Fatalf("manager aliased caller slices: %+v", snap)
	}
	snap.Chunks[0] = "mutated"
	snap.Embeddings[0][1] = 42
	again := m.Snapshot()
	if again.Chunks[0] != "a" || again.Embeddings[0][1] != 2 {
		t.Fatal("snapshot mutation leaked into manager")
	}
}

func TestStageNames(t *testing.T) {
	for _, s := range append(RequiredStages, StageCitation) {
		got, err := ParseStage(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseStage(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStage("publishing"); err == nil {
		t.Fatal("expected unknown stage error")
	}
	if StageCritique.Collaborator() != "Critic" {
		t.Fatalf("unexpected collaborator %q", StageCritique.Collaborator())
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
