// Package state owns the progress of a single drafting run and decides
// which stage runs next.
package state

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrEmptyValue     = errors.New("state: required value is empty")
	ErrLengthMismatch = errors.New("state: chunks and embeddings differ in length")
	ErrOutOfOrder     = errors.New("state: stage prerequisites not met")
)

// DocumentState is the progress record of one run. Only Manager mutates it.
type DocumentState struct {
	ingested  bool
	embedded  bool
	drafted   bool
	validated bool
	completed bool

	rawText          *string
	fileID           *string
	chunks           []string
	embeddings       [][]float32
	draft            *string
	validationIssues []string
	finalDocument    *string
}

// Snapshot is a read-only copy of a DocumentState.
type Snapshot struct {
	Ingested  bool `json:"ingested"`
	Embedded  bool `json:"embedded"`
	Drafted   bool `json:"drafted"`
	Validated bool `json:"validated"`
	Completed bool `json:"completed"`

	RawText          *string     `json:"raw_text,omitempty"`
	FileID           *string     `json:"file_id,omitempty"`
	Chunks           []string    `json:"chunks,omitempty"`
	Embeddings       [][]float32 `json:"-"`
	Draft            *string     `json:"draft,omitempty"`
	ValidationIssues []string    `json:"validation_issues,omitempty"`
	FinalDocument    *string     `json:"final_document,omitempty"`
}

// Manager guards a DocumentState. Flags that have become true stay true,
// except Validated which follows the latest critique.
type Manager struct {
	mu sync.RWMutex
	st DocumentState
}

func NewManager() *Manager {
	return &Manager{}
}

// SetIngestion records the extracted text. fileID may be empty when the
// text did not come from a stored file.
func (m *Manager) SetIngestion(rawText, fileID string) error {
	if strings.TrimSpace(rawText) == "" {
		return fmt.Errorf("raw text: %w", ErrEmptyValue)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.rawText = ptr(rawText)
	if fileID != "" {
		m.st.fileID = ptr(fileID)
	}
	m.st.ingested = true
	return nil
}

// SetEmbeddings stores chunks and their vectors together. An empty pair is
// a valid result: retrieval found nothing and drafting works from raw text.
func (m *Manager) SetEmbeddings(chunks []string, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("%w: %d chunks, %d embeddings", ErrLengthMismatch, len(chunks), len(embeddings))
	}
	for i, v := range embeddings {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d: %w", i, ErrEmptyValue)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.chunks = slices.Clone(chunks)
	m.st.embeddings = cloneVectors(embeddings)
	m.st.embedded = true
	return nil
}

func (m *Manager) SetDraft(draft string) error {
	if strings.TrimSpace(draft) == "" {
		return fmt.Errorf("draft: %w", ErrEmptyValue)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.draft = ptr(draft)
	m.st.drafted = true
	return nil
}

// SetValidation records a critique. No issues means the draft is valid.
// Blank issues are ignored.
func (m *Manager) SetValidation(issues []string) error {
	var kept []string
	for _, is := range issues {
		if strings.TrimSpace(is) != "" {
			kept = append(kept, is)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.st.drafted {
		return fmt.Errorf("validation before draft: %w", ErrOutOfOrder)
	}
	m.st.validationIssues = kept
	m.st.validated = len(kept) == 0
	return nil
}

// ResetValidation clears the critique ahead of a redraft. Drafted stays set.
func (m *Manager) ResetValidation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.validated = false
	m.st.validationIssues = nil
}

func (m *Manager) SetFinalDocument(doc string) error {
	if strings.TrimSpace(doc) == "" {
		return fmt.Errorf("final document: %w", ErrEmptyValue)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.st.validated {
		return fmt.Errorf("assembly before validation: %w", ErrOutOfOrder)
	}
	m.st.finalDocument = ptr(doc)
	m.st.completed = true
	return nil
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.st
	return Snapshot{
		Ingested:         st.ingested,
		Embedded:         st.embedded,
		Drafted:          st.drafted,
		Validated:        st.validated,
		Completed:        st.completed,
		RawText:          clonePtr(st.rawText),
		FileID:           clonePtr(st.fileID),
		Chunks:           slices.Clone(st.chunks),
		Embeddings:       cloneVectors(st.embeddings),
		Draft:            clonePtr(st.draft),
		ValidationIssues: slices.Clone(st.validationIssues),
		FinalDocument:    clonePtr(st.finalDocument),
	}
}

func ptr(s string) *string { return &s }

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	return ptr(*p)
}

func cloneVectors(vs [][]float32) [][]float32 {
	if vs == nil {
		return nil
	}
	out := make([][]float32, len(vs))
	for i, v := range vs {
		out[i] = slices.Clone(v)
	}
	return out
}
