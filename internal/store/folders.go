package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Folder groups an owner's documents under a slash-separated path.
type Folder struct {
	ID        string    `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Case is a matter that points at the folder holding its documents.
type Case struct {
	ID        string    `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	FolderID  string    `json:"folder_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizePath trims surrounding slashes and collapses empty segments, so
// "/a//b/" and "a/b" name the same folder.
func NormalizePath(p string) string {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	return strings.Join(parts, "/")
}

// EnsureFolder returns the owner's folder at path, creating it if needed.
func (s *Store) EnsureFolder(ctx context.Context, ownerID int64, path string) (*Folder, error) {
	path = NormalizePath(path)
	if path == "" {
		return nil, fmt.Errorf("folder path is empty")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating folder id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO folders (id, owner_id, path, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, path) DO NOTHING`, id.String(), ownerID, path, now())
	if err != nil {
		return nil, fmt.Errorf("inserting folder: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, path, created_at FROM folders WHERE owner_id = ? AND path = ?`,
		ownerID, path)
	return scanFolder(row)
}

// GetFolder retrieves a folder by ID.
func (s *Store) GetFolder(ctx context.Context, id string) (*Folder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, path, created_at FROM folders WHERE id = ?`, id)
	return scanFolder(row)
}

// CreateCase registers a case. folderID may be empty.
func (s *Store) CreateCase(ctx context.Context, ownerID int64, name, folderID string) (*Case, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating case id: %w", err)
	}
	c := &Case{ID: id.String(), OwnerID: ownerID, Name: name, FolderID: folderID, CreatedAt: now()}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, owner_id, name, folder_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, nullString(c.FolderID), c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting case: %w", err)
	}
	return c, nil
}

// CaseFolderPath resolves a case to its folder path for the given owner.
// A case owned by someone else is reported as not found.
func (s *Store) CaseFolderPath(ctx context.Context, ownerID int64, caseID string) (string, error) {
	var path sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT f.path FROM cases c LEFT JOIN folders f ON f.id = c.folder_id
		WHERE c.id = ? AND c.owner_id = ?`, caseID, ownerID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolving case folder: %w", err)
	}
	if !path.Valid {
		return "", fmt.Errorf("case %s has no folder: %w", caseID, ErrNotFound)
	}
	return path.String, nil
}

func scanFolder(row rowScanner) (*Folder, error) {
	var f Folder
	err := row.Scan(&f.ID, &f.OwnerID, &f.Path, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning folder: %w", err)
	}
	return &f, nil
}
