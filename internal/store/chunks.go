package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/dgallion1/docdraft/internal/doctree"
	"github.com/google/uuid"
)

// StoredChunk is a persisted chunk with its vector, if one was written.
type StoredChunk struct {
	ID         string
	DocumentID string
	doctree.Chunk
	Vector []float32
}

// Neighbor is one nearest-neighbour search hit.
type Neighbor struct {
	ChunkID    string
	DocumentID string
	Content    string
	PageStart  *int
	PageEnd    *int
	Heading    string
	Vector     []float32
	Distance   float64
}

// ReplaceChunks swaps a document's chunks and vectors in one transaction.
// vectors[i] belongs to chunks[i]. It returns the new chunk IDs in order.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []doctree.Chunk, vectors [][]float32) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = replaceChunks(ctx, tx, documentID, chunks, vectors)
		return err
	})
	return ids, err
}

// PersistContent records a document's extracted text and content hash and
// replaces its chunks and vectors. Either all of it commits or none does.
func (s *Store) PersistContent(ctx context.Context, documentID, contentHash, rawText string, chunks []doctree.Chunk, vectors [][]float32) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE documents SET content_hash = ?, raw_text = ?, updated_at = ? WHERE id = ?`,
			contentHash, rawText, now(), documentID)
		if err != nil {
			return fmt.Errorf("updating document content: %w", err)
		}
		if err := requireRow(res, "document "+documentID); err != nil {
			return err
		}
		ids, err = replaceChunks(ctx, tx, documentID, chunks, vectors)
		return err
	})
	return ids, err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func replaceChunks(ctx context.Context, tx *sql.Tx, documentID string, chunks []doctree.Chunk, vectors [][]float32) ([]string, error) {
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("replace chunks: %d vectors for %d chunks", len(vectors), len(chunks))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return nil, fmt.Errorf("deleting old chunks: %w", err)
	}

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, chunk_index, content, token_count, page_start, page_end, heading)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing chunk statement: %w", err)
	}
	defer chunkStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (chunk_id, document_id, dim, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing embedding statement: %w", err)
	}
	defer vecStmt.Close()

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating chunk id: %w", err)
		}
		ids[i] = id.String()
		if _, err := chunkStmt.ExecContext(ctx, ids[i], documentID, c.Index, c.Content, c.TokenCount,
			nullInt(c.PageStart), nullInt(c.PageEnd), c.Heading); err != nil {
			return nil, fmt.Errorf("inserting chunk %d: %w", c.Index, err)
		}
		if _, err := vecStmt.ExecContext(ctx, ids[i], documentID, len(vectors[i]),
			float32SliceToBytes(vectors[i])); err != nil {
			return nil, fmt.Errorf("inserting embedding for chunk %d: %w", c.Index, err)
		}
	}
	return ids, nil
}

// UpsertEmbedding writes or replaces the vector for a single chunk.
func (s *Store) UpsertEmbedding(ctx context.Context, chunkID string, vec []float32, fileID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (chunk_id, document_id, dim, vector) VALUES (?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			document_id = excluded.document_id,
			dim = excluded.dim,
			vector = excluded.vector`,
		chunkID, fileID, len(vec), float32SliceToBytes(vec))
	if err != nil {
		return fmt.Errorf("upserting embedding: %w", err)
	}
	return nil
}

// Chunks returns a document's chunks in index order, with vectors attached.
func (s *Store) Chunks(ctx context.Context, documentID string) ([]StoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.token_count,
		       c.page_start, c.page_end, c.heading, e.vector
		FROM chunks c LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.document_id = ?
		ORDER BY c.chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		var sc StoredChunk
		var ps, pe sql.NullInt64
		var blob []byte
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.Index, &sc.Content, &sc.TokenCount,
			&ps, &pe, &sc.Heading, &blob); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		sc.PageStart, sc.PageEnd = intPtr(ps), intPtr(pe)
		if blob != nil {
			sc.Vector = bytesToFloat32Slice(blob)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Nearest returns up to limit chunks closest to vec by cosine distance,
// drawn only from ownerID's documents. A nil fileFilter searches all of the
// owner's documents; a non-nil filter restricts the search to those IDs, so
// an empty one matches nothing. Vectors of a different dimension are skipped.
func (s *Store) Nearest(ctx context.Context, vec []float32, limit int, ownerID int64, fileFilter *[]string) ([]Neighbor, error) {
	if limit <= 0 || len(vec) == 0 {
		return nil, nil
	}
	if fileFilter != nil && len(*fileFilter) == 0 {
		return nil, nil
	}

	query := `
		SELECT c.id, c.document_id, c.content, c.page_start, c.page_end, c.heading, e.vector
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE d.owner_id = ? AND e.dim = ?`
	args := []any{ownerID, len(vec)}
	if fileFilter != nil {
		// One JSON array parameter keeps large case expansions under
		// SQLite's bound-variable limit.
		ids, err := json.Marshal(*fileFilter)
		if err != nil {
			return nil, fmt.Errorf("encoding file filter: %w", err)
		}
		query += ` AND d.id IN (SELECT value FROM json_each(?))`
		args = append(args, string(ids))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	qnorm := norm(vec)
	var hits []Neighbor
	for rows.Next() {
		var n Neighbor
		var ps, pe sql.NullInt64
		var blob []byte
		if err := rows.Scan(&n.ChunkID, &n.DocumentID, &n.Content, &ps, &pe, &n.Heading, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		n.PageStart, n.PageEnd = intPtr(ps), intPtr(pe)
		n.Vector = bytesToFloat32Slice(blob)
		n.Distance = cosineDistance(vec, qnorm, n.Vector)
		hits = append(hits, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// cosineDistance is 1 - cos(a, b), in [0, 2]. A zero vector is treated as
// orthogonal to everything.
func cosineDistance(a []float32, anorm float64, b []float32) float64 {
	bnorm := norm(b)
	if anorm == 0 || bnorm == 0 {
		return 1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	cos := dot / (anorm * bnorm)
	return 1 - math.Max(-1, math.Min(1, cos))
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
