package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/docdraft/internal/retrieval"
	"github.com/dgallion1/docdraft/internal/status"
	"github.com/dgallion1/docdraft/internal/store"
)

// sseKeepAlive is how often an idle event stream gets a comment line.
const sseKeepAlive = 15 * time.Second

// handleListDocuments lists an owner's documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ownerID, err := retrieval.ParseOwnerID(r.URL.Query().Get("owner_id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	docs, err := s.deps.Store.ListDocuments(r.Context(), ownerID)
	if err != nil {
		jsonError(w, "failed to list documents: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteDocument removes a document, its chunks and its stored bytes.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := s.deps.Store.DeleteDocument(ctx, doc.ID); err != nil {
		jsonError(w, "failed to delete document: "+err.Error(), http.StatusInternalServerError)
		return
	}

	objectDeleted := false
	if s.deps.Objects != nil && doc.StorageKey != "" {
		if err := s.deps.Objects.Delete(ctx, doc.StorageKey); err != nil {
			s.log.Warn("object delete failed", "doc_id", doc.ID, "key", doc.StorageKey, "error", err)
		} else {
			objectDeleted = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":        doc.ID,
		"object_deleted": objectDeleted,
	})
}

// handleDocumentEvents streams a document's status updates as server-sent
// events. The current state is sent first; the stream ends after a
// terminal status.
func (s *Server) handleDocumentEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broker == nil {
		jsonError(w, "status events unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	docID := chi.URLParam(r, "docID")

	// Subscribe before reading the row so no update falls between them.
	updates := s.deps.Broker.Subscribe(ctx, docID)

	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	current := status.Update{
		DocumentID:       doc.ID,
		Status:           status.Status(doc.Status),
		ProgressPercent:  doc.ProgressPercent,
		CurrentOperation: doc.CurrentOperation,
		Error:            doc.Error,
		At:               doc.UpdatedAt,
	}
	if err := writeEvent(w, current); err != nil {
		return
	}
	rc.Flush()
	if current.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			rc.Flush()
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, u); err != nil {
				return
			}
			rc.Flush()
			if u.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, u status.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}

// ownedDocument loads {docID} and checks it belongs to ?owner_id. Another
// owner's document is reported as not found.
func (s *Server) ownedDocument(w http.ResponseWriter, r *http.Request) (*store.Document, bool) {
	ownerID, err := retrieval.ParseOwnerID(r.URL.Query().Get("owner_id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	doc, err := s.deps.Store.GetDocument(r.Context(), chi.URLParam(r, "docID"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && doc.OwnerID != ownerID) {
		jsonError(w, "document not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		jsonError(w, "failed to load document: "+err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return doc, true
}

type folderRequest struct {
	OwnerID flexID `json:"owner_id"`
	Path    string `json:"path"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	ownerID, err := retrieval.ParseOwnerID(string(req.OwnerID))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		jsonError(w, "path is required", http.StatusBadRequest)
		return
	}
	f, err := s.deps.Store.EnsureFolder(r.Context(), ownerID, req.Path)
	if err != nil {
		jsonError(w, "failed to create folder: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

type caseRequest struct {
	OwnerID  flexID `json:"owner_id"`
	Name     string `json:"name"`
	FolderID string `json:"folder_id"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req caseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	ownerID, err := retrieval.ParseOwnerID(string(req.OwnerID))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	c, err := s.deps.Store.CreateCase(r.Context(), ownerID, req.Name, req.FolderID)
	if err != nil {
		jsonError(w, "failed to create case: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}
