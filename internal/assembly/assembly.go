// Package assembly fronts the Assembler agent with a cache keyed by the
// hash of a project's ordered sections.
package assembly

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgallion1/docdraft/internal/agent"
	"github.com/dgallion1/docdraft/internal/store"
)

var (
	ErrNoSections      = errors.New("assembly: no sections")
	ErrMissingDocument = errors.New("assembly: assembler returned no final_document")
)

// SectionStore persists project sections.
type SectionStore interface {
	UpsertSection(ctx context.Context, sec store.Section) error
	Sections(ctx context.Context, projectKey string) ([]store.Section, error)
}

// Service assembles final documents, calling the Assembler only when the
// sections have changed since the cached result.
type Service struct {
	assembler agent.Agent
	cache     Cache
	sections  SectionStore
	log       *slog.Logger
}

func NewService(assembler agent.Agent, cache Cache, sections SectionStore, log *slog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Service{assembler: assembler, cache: cache, sections: sections, log: log}
}

// HashSections is SHA-256 over the length-prefixed section contents, in order.
func HashSections(sections []string) string {
	h := sha256.New()
	var n [8]byte
	for _, s := range sections {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Assemble returns the final document for sections. cached reports whether
// the Assembler was skipped. Cache failures are logged and treated as a miss.
func (s *Service) Assemble(ctx context.Context, projectKey string, sections []string) (doc string, cached bool, err error) {
	if len(sections) == 0 {
		return "", false, ErrNoSections
	}
	hash := HashSections(sections)
	log := s.log.With("project_key", projectKey)

	entry, ok, err := s.cache.Get(ctx, projectKey)
	if err != nil {
		log.Warn("assembly cache read failed", "error", err)
	} else if ok && entry.Hash == hash {
		log.Debug("assembly cache hit")
		return entry.Document, true, nil
	}

	resp, err := s.assembler.Call(ctx, agent.Payload{
		"project_key": projectKey,
		"sections":    sections,
	})
	if err != nil {
		return "", false, fmt.Errorf("assembler: %w", err)
	}
	doc, ok = resp.Text("final_document")
	if !ok || doc == "" {
		return "", false, ErrMissingDocument
	}

	if err := s.cache.Set(ctx, projectKey, Entry{Hash: hash, Document: doc}); err != nil {
		log.Warn("assembly cache write failed", "error", err)
	}
	log.Info("assembled", "sections", len(sections), "chars", len(doc))
	return doc, false, nil
}

// SaveSection writes a section and invalidates the project's cached document.
func (s *Service) SaveSection(ctx context.Context, sec store.Section) error {
	if s.sections == nil {
		return fmt.Errorf("assembly: no section store")
	}
	if err := s.sections.UpsertSection(ctx, sec); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, sec.ProjectKey); err != nil {
		return fmt.Errorf("invalidate assembly cache: %w", err)
	}
	return nil
}

// AssembleProject assembles a project from its stored sections.
func (s *Service) AssembleProject(ctx context.Context, projectKey string) (string, bool, error) {
	if s.sections == nil {
		return "", false, fmt.Errorf("assembly: no section store")
	}
	secs, err := s.sections.Sections(ctx, projectKey)
	if err != nil {
		return "", false, err
	}
	contents := make([]string, len(secs))
	for i, sec := range secs {
		contents[i] = sec.Content
	}
	return s.Assemble(ctx, projectKey, contents)
}

// Agent exposes the service as the Assembly stage. It reads "project_key"
// and "draft" and answers with "final_document" and "cached".
func (s *Service) Agent() agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Payload) (agent.Payload, error) {
		key, _ := req.Text("project_key")
		draft, _ := req.Text("draft")
		if key == "" {
			return nil, fmt.Errorf("assembly: project_key is required")
		}
		doc, cached, err := s.Assemble(ctx, key, []string{draft})
		if err != nil {
			return nil, err
		}
		return agent.Payload{"final_document": doc, "cached": cached}, nil
	})
}
