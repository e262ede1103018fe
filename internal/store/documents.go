package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Document processing statuses as stored in documents.status.
const (
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Document is one uploaded file and its processing state.
type Document struct {
	ID               string          `json:"id"`
	OwnerID          int64           `json:"owner_id"`
	FolderID         string          `json:"folder_id,omitempty"`
	Path             string          `json:"path"`
	Filename         string          `json:"filename"`
	Title            string          `json:"title"`
	MimeType         string          `json:"mime_type"`
	StorageKey       string          `json:"storage_key"`
	SizeBytes        int64           `json:"size_bytes"`
	ContentHash      string          `json:"content_hash,omitempty"`
	RawText          string          `json:"-"`
	Status           string          `json:"status"`
	ProgressPercent  int             `json:"progress_percent"`
	CurrentOperation string          `json:"current_operation"`
	Error            string          `json:"error,omitempty"`
	ExtractedFields  json.RawMessage `json:"extracted_fields,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const documentColumns = `id, owner_id, folder_id, path, filename, title, mime_type, storage_key,
	size_bytes, content_hash, raw_text, status, progress_percent, current_operation, error,
	extracted_fields, created_at, updated_at`

// CreateDocument inserts a new document row. When FolderID is set and Path
// is empty, the folder's path is copied onto the document.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.FolderID != "" && doc.Path == "" {
		f, err := s.GetFolder(ctx, doc.FolderID)
		if err != nil {
			return fmt.Errorf("resolving folder: %w", err)
		}
		if f.OwnerID != doc.OwnerID {
			return fmt.Errorf("folder %s: %w", doc.FolderID, ErrNotFound)
		}
		doc.Path = f.Path
	}
	if doc.Status == "" {
		doc.Status = StatusUploading
	}
	ts := now()
	doc.CreatedAt, doc.UpdatedAt = ts, ts

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.OwnerID, nullString(doc.FolderID), doc.Path, doc.Filename, doc.Title,
		doc.MimeType, doc.StorageKey, doc.SizeBytes, doc.ContentHash, doc.RawText, doc.Status,
		doc.ProgressPercent, doc.CurrentOperation, doc.Error, string(doc.ExtractedFields),
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// ListDocuments returns an owner's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID int64) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// FindProcessedByHash returns the owner's most recent processed document
// with the given content hash.
func (s *Store) FindProcessedByHash(ctx context.Context, ownerID int64, hash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE owner_id = ? AND content_hash = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1`, ownerID, hash, StatusProcessed)
	return scanDocument(row)
}

// SetDocumentStatus records a status transition. An empty errMsg clears any
// previous error.
func (s *Store) SetDocumentStatus(ctx context.Context, id, status string, progress int, operation, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, progress_percent = ?, current_operation = ?, error = ?, updated_at = ?
		WHERE id = ?`, status, progress, operation, errMsg, now(), id)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	return requireRow(res, "document "+id)
}

// SetDocumentContent stores the extracted text and its source hash.
func (s *Store) SetDocumentContent(ctx context.Context, id, contentHash, rawText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content_hash = ?, raw_text = ?, updated_at = ? WHERE id = ?`,
		contentHash, rawText, now(), id)
	if err != nil {
		return fmt.Errorf("updating document content: %w", err)
	}
	return requireRow(res, "document "+id)
}

// SetExtractedFields stores the structured fields pulled from a document.
func (s *Store) SetExtractedFields(ctx context.Context, id string, fields any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshalling extracted fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET extracted_fields = ?, updated_at = ? WHERE id = ?`,
		string(data), now(), id)
	if err != nil {
		return fmt.Errorf("updating extracted fields: %w", err)
	}
	return requireRow(res, "document "+id)
}

// DeleteDocument removes a document along with its chunks and embeddings.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return requireRow(res, "document "+id)
}

// DocumentIDsUnderPath returns the owner's documents whose path equals
// path or lies beneath it.
func (s *Store) DocumentIDsUnderPath(ctx context.Context, ownerID int64, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM documents
		WHERE owner_id = ? AND (path = ? OR substr(path, 1, length(?) + 1) = ? || '/')
		ORDER BY id`, ownerID, path, path, path)
	if err != nil {
		return nil, fmt.Errorf("querying documents under path: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var folderID sql.NullString
	var fields string
	err := row.Scan(&doc.ID, &doc.OwnerID, &folderID, &doc.Path, &doc.Filename, &doc.Title,
		&doc.MimeType, &doc.StorageKey, &doc.SizeBytes, &doc.ContentHash, &doc.RawText,
		&doc.Status, &doc.ProgressPercent, &doc.CurrentOperation, &doc.Error, &fields,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	doc.FolderID = folderID.String
	if fields != "" {
		doc.ExtractedFields = json.RawMessage(fields)
	}
	return &doc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
