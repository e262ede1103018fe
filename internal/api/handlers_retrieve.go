package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dgallion1/docdraft/internal/retrieval"
)

// flexID accepts an id sent as a JSON string or number.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("id must be a string or number")
	}
	*id = flexID(n.String())
	return nil
}

type retrieveRequest struct {
	OwnerID flexID    `json:"owner_id"`
	Query   string    `json:"query"`
	FileIDs *[]string `json:"file_ids"`
	CaseID  string    `json:"case_id"`
	TopK    int       `json:"top_k"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	res := s.deps.Retriever.Retrieve(r.Context(), retrieval.Request{
		Query:          req.Query,
		OwnerID:        string(req.OwnerID),
		AllowedFileIDs: req.FileIDs,
		CaseID:         req.CaseID,
		TopK:           req.TopK,
	})
	if res.Error != nil {
		jsonError(w, res.Error.Error(), retrievalStatus(res.Error))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":  res.Hits,
		"count": len(res.Hits),
		"top_k": retrieval.ClampTopK(req.TopK),
	})
}

func retrievalStatus(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrOwnerRequired),
		errors.Is(err, retrieval.ErrInvalidOwner),
		errors.Is(err, retrieval.ErrEmptyQuery):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
