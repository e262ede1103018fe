package store

import (
	"context"
	"fmt"
	"time"
)

// Section is one drafted section of a project's output document.
type Section struct {
	ProjectKey string    `json:"project_key"`
	Position   int       `json:"position"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UpsertSection writes a section at its position, replacing any previous
// content there.
func (s *Store) UpsertSection(ctx context.Context, sec Section) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (project_key, position, title, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_key, position) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		sec.ProjectKey, sec.Position, sec.Title, sec.Content, now())
	if err != nil {
		return fmt.Errorf("upserting section: %w", err)
	}
	return nil
}

// Sections returns a project's sections in position order.
func (s *Store) Sections(ctx context.Context, projectKey string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_key, position, title, content, updated_at
		FROM sections WHERE project_key = ? ORDER BY position`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("querying sections: %w", err)
	}
	defer rows.Close()

	var out []Section
	for rows.Next() {
		var sec Section
		if err := rows.Scan(&sec.ProjectKey, &sec.Position, &sec.Title, &sec.Content, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning section: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}
