// Package retrieval answers owner-scoped nearest-neighbour queries over
// ingested chunks.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/dgallion1/docdraft/internal/store"
)

var (
	ErrOwnerRequired = errors.New("retrieval: owner id is required")
	ErrInvalidOwner  = errors.New("retrieval: owner id must be a positive integer")
	ErrEmptyQuery    = errors.New("retrieval: empty query")
)

const (
	DefaultTopK = 8
	MaxTopK     = 50
)

// Embedder embeds a single query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the slice of the store the librarian needs.
type Index interface {
	Nearest(ctx context.Context, vec []float32, limit int, ownerID int64, fileFilter *[]string) ([]store.Neighbor, error)
	CaseFolderPath(ctx context.Context, ownerID int64, caseID string) (string, error)
	DocumentIDsUnderPath(ctx context.Context, ownerID int64, path string) ([]string, error)
}

// Request describes one retrieval.
//
// AllowedFileIDs nil searches every document the owner has. A non-nil
// pointer restricts the search to the listed documents, so a pointer to an
// empty slice returns nothing. CaseID adds the documents filed under the
// case's folder to the allow-list.
type Request struct {
	Query          string
	OwnerID        string
	AllowedFileIDs *[]string
	CaseID         string
	TopK           int
}

// Hit is a scored chunk. Hits are ordered by ascending Distance.
type Hit struct {
	ChunkID    string    `json:"chunk_id"`
	Content    string    `json:"content"`
	FileID     string    `json:"file_id"`
	PageStart  *int      `json:"page_start,omitempty"`
	PageEnd    *int      `json:"page_end,omitempty"`
	Heading    string    `json:"heading,omitempty"`
	Distance   float64   `json:"distance"`
	Similarity float64   `json:"similarity"`
	Vector     []float32 `json:"-"`
}

// Result carries hits or the reason there are none.
type Result struct {
	Hits  []Hit
	Error error
}

// Librarian runs scoped vector search.
type Librarian struct {
	embedder Embedder
	index    Index
	log      *slog.Logger
}

func NewLibrarian(embedder Embedder, index Index, log *slog.Logger) *Librarian {
	return &Librarian{embedder: embedder, index: index, log: log}
}

// Retrieve never returns an unscoped search: a request without a valid
// owner fails before anything is embedded.
func (l *Librarian) Retrieve(ctx context.Context, req Request) Result {
	hits, err := l.retrieve(ctx, req)
	if err != nil {
		return Result{Error: err}
	}
	return Result{Hits: hits}
}

func (l *Librarian) retrieve(ctx context.Context, req Request) ([]Hit, error) {
	ownerID, err := ParseOwnerID(req.OwnerID)
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	allowed, err := l.allowList(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if allowed != nil && len(*allowed) == 0 {
		l.log.Debug("empty allow-list", "owner_id", ownerID, "case_id", req.CaseID)
		return []Hit{}, nil
	}

	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	topK := ClampTopK(req.TopK)
	neighbors, err := l.index.Nearest(ctx, vec, topK, ownerID, allowed)
	if err != nil {
		return nil, fmt.Errorf("nearest: %w", err)
	}

	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		hits = append(hits, Hit{
			ChunkID:    n.ChunkID,
			Content:    n.Content,
			FileID:     n.DocumentID,
			PageStart:  n.PageStart,
			PageEnd:    n.PageEnd,
			Heading:    n.Heading,
			Distance:   n.Distance,
			Similarity: 1 / (1 + n.Distance),
			Vector:     n.Vector,
		})
	}
	l.log.Debug("retrieved", "owner_id", ownerID, "top_k", topK, "hits", len(hits))
	return hits, nil
}

// allowList merges explicit file ids with the documents of a case. A nil
// return means no restriction.
func (l *Librarian) allowList(ctx context.Context, ownerID int64, req Request) (*[]string, error) {
	if req.CaseID == "" {
		return req.AllowedFileIDs, nil
	}

	var caseDocs []string
	path, err := l.index.CaseFolderPath(ctx, ownerID, req.CaseID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.log.Debug("case has no folder", "case_id", req.CaseID)
	case err != nil:
		return nil, fmt.Errorf("case folder: %w", err)
	default:
		caseDocs, err = l.index.DocumentIDsUnderPath(ctx, ownerID, path)
		if err != nil {
			return nil, fmt.Errorf("case documents: %w", err)
		}
	}

	ids := make([]string, 0, len(caseDocs))
	ids = append(ids, caseDocs...)
	if req.AllowedFileIDs != nil {
		ids = append(ids, *req.AllowedFileIDs...)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return &ids, nil
}

// ParseOwnerID validates a caller-supplied owner id.
func ParseOwnerID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrOwnerRequired
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOwner, s)
	}
	return id, nil
}

// ClampTopK bounds k to [1, MaxTopK]; zero or less selects DefaultTopK.
func ClampTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	return min(k, MaxTopK)
}
