package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dgallion1/docdraft/internal/agent"
	"github.com/dgallion1/docdraft/internal/pipeline"
	"github.com/dgallion1/docdraft/internal/retrieval"
)

// Ingester runs the ingestion pipeline.
type Ingester interface {
	Run(ctx context.Context, in pipeline.Input) pipeline.Result
}

// Retriever runs scoped retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) retrieval.Result
}

// IngestionAgent serves the Ingestion stage from an in-process pipeline.
func IngestionAgent(p Ingester) agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Payload) (agent.Payload, error) {
		data, err := payloadBytes(req, "data")
		if err != nil {
			return nil, err
		}
		owner, err := retrieval.ParseOwnerID(payloadString(req, "owner_id"))
		if err != nil {
			return nil, err
		}
		res := p.Run(ctx, pipeline.Input{
			Data:       data,
			StorageKey: payloadString(req, "storage_key"),
			Filename:   payloadString(req, "filename"),
			MimeType:   payloadString(req, "mime_type"),
			OwnerID:    owner,
			FolderID:   payloadString(req, "folder_id"),
			Title:      payloadString(req, "title"),
		})
		if res.Error != nil {
			return nil, res.Error
		}

		chunks := make([]string, len(res.Chunks))
		for i, c := range res.Chunks {
			chunks[i] = c.Content
		}
		return agent.Payload{
			"raw_text":     res.RawText,
			"file_id":      res.FileID,
			"chunks":       chunks,
			"embeddings":   res.Embeddings,
			"deduplicated": res.Deduplicated,
		}, nil
	})
}

// RetrievalAgent serves the Retrieval stage from an in-process librarian.
// A present "file_ids" key, even an empty list, restricts the search.
func RetrievalAgent(l Retriever) agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Payload) (agent.Payload, error) {
		rr := retrieval.Request{
			Query:   payloadString(req, "query"),
			OwnerID: payloadString(req, "owner_id"),
			CaseID:  payloadString(req, "case_id"),
			TopK:    payloadInt(req, "top_k"),
		}
		if ids, ok := req.Strings("file_ids"); ok {
			rr.AllowedFileIDs = &ids
		}

		res := l.Retrieve(ctx, rr)
		if res.Error != nil {
			return nil, res.Error
		}
		chunks := make([]string, len(res.Hits))
		vecs := make([][]float32, len(res.Hits))
		for i, h := range res.Hits {
			chunks[i] = h.Content
			vecs[i] = h.Vector
		}
		return agent.Payload{
			"chunks":     chunks,
			"embeddings": vecs,
			"hits":       res.Hits,
		}, nil
	})
}

// payloadString accepts strings and numbers, so owner ids survive JSON.
func payloadString(p agent.Payload, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

func payloadInt(p agent.Payload, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// payloadBytes accepts raw bytes or their base64 JSON encoding.
func payloadBytes(p agent.Payload, key string) ([]byte, error) {
	switch v := p[key].(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", key, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q is %T", ErrInvalidValue, key, p[key])
}
