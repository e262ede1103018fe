package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/docdraft/internal/assembly"
	"github.com/dgallion1/docdraft/internal/orchestrator"
	"github.com/dgallion1/docdraft/internal/parser"
	"github.com/dgallion1/docdraft/internal/pipeline"
	"github.com/dgallion1/docdraft/internal/retrieval"
	"github.com/dgallion1/docdraft/internal/state"
	"github.com/dgallion1/docdraft/internal/store"
)

type runRequest struct {
	RunID        string    `json:"run_id"`
	Stage        string    `json:"stage"`
	OwnerID      flexID    `json:"owner_id"`
	Query        string    `json:"query"`
	Instructions string    `json:"instructions"`
	RawText      string    `json:"raw_text"`
	FileIDs      *[]string `json:"file_ids"`
	CaseID       string    `json:"case_id"`
	TopK         int       `json:"top_k"`
	FolderID     string    `json:"folder_id"`
	Title        string    `json:"title"`
}

// handleRun starts a synchronous multi-agent run. The body is JSON, or a
// multipart form when a file is uploaded for ingestion. "stage" limits the
// run to "ingestion" or "retrieval".
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		jsonError(w, "agents not configured", http.StatusServiceUnavailable)
		return
	}

	req, stageName, err := s.decodeRun(w, r)
	if err != nil {
		code := http.StatusBadRequest
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) || errors.Is(err, errFileTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		jsonError(w, err.Error(), code)
		return
	}
	if _, err := retrieval.ParseOwnerID(req.OwnerID); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	stage, err := runStage(stageName)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch stage {
	case state.StageIngestion:
		if len(req.Data) == 0 {
			jsonError(w, "file is required for an ingestion run", http.StatusBadRequest)
			return
		}
		sr, err := s.deps.Runner.RunIngestion(ctx, req)
		s.writeRunResult(w, sr, err)
	case state.StageRetrieval:
		sr, err := s.deps.Runner.RunRetrieval(ctx, req)
		s.writeRunResult(w, sr, err)
	default:
		if len(req.Data) == 0 && req.RawText == "" {
			jsonError(w, "file or raw_text is required", http.StatusBadRequest)
			return
		}
		res, err := s.deps.Runner.Run(ctx, req)
		s.writeRunResult(w, res, err)
	}
}

// decodeRun returns the run request and the stage named by the body or the
// ?stage query parameter.
func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (orchestrator.Request, string, error) {
	stage := r.URL.Query().Get("stage")
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		var body runRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return orchestrator.Request{}, "", fmt.Errorf("invalid JSON: %w", err)
		}
		if body.Stage != "" {
			stage = body.Stage
		}
		return body.request(), stage, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return orchestrator.Request{}, "", fmt.Errorf("invalid multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	topK, _ := strconv.Atoi(r.FormValue("top_k"))
	body := runRequest{
		RunID:        r.FormValue("run_id"),
		Stage:        r.FormValue("stage"),
		OwnerID:      flexID(r.FormValue("owner_id")),
		Query:        r.FormValue("query"),
		Instructions: r.FormValue("instructions"),
		RawText:      r.FormValue("raw_text"),
		CaseID:       r.FormValue("case_id"),
		TopK:         topK,
		FolderID:     r.FormValue("folder_id"),
		Title:        r.FormValue("title"),
	}
	if vals, ok := r.MultipartForm.Value["file_ids"]; ok {
		ids := make([]string, 0, len(vals))
		for _, v := range vals {
			if v = strings.TrimSpace(v); v != "" {
				ids = append(ids, v)
			}
		}
		body.FileIDs = &ids
	}
	if body.Stage != "" {
		stage = body.Stage
	}
	req := body.request()

	if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
		filename := sanitizeFilename(fhs[0].Filename)
		if !parser.IsSupportedExtension(filename) {
			return req, "", fmt.Errorf("unsupported file type: %s", filepath.Ext(filename))
		}
		data, err := s.readUpload(fhs[0])
		if err != nil {
			return req, "", err
		}
		req.Data = data
		req.Filename = filename
		req.MimeType = parser.MimeForFile(filename)
	}
	return req, stage, nil
}

func (b runRequest) request() orchestrator.Request {
	return orchestrator.Request{
		RunID:          b.RunID,
		FolderID:       b.FolderID,
		Title:          b.Title,
		RawText:        b.RawText,
		OwnerID:        string(b.OwnerID),
		Query:          b.Query,
		Instructions:   b.Instructions,
		AllowedFileIDs: b.FileIDs,
		CaseID:         b.CaseID,
		TopK:           b.TopK,
	}
}

// runStage maps an optional stage name to a single-stage run.
func runStage(name string) (state.Stage, error) {
	if name == "" {
		return state.StageNone, nil
	}
	st, err := state.ParseStage(name)
	if err != nil {
		return state.StageNone, err
	}
	if st != state.StageIngestion && st != state.StageRetrieval {
		return state.StageNone, fmt.Errorf("stage %q cannot run on its own", name)
	}
	return st, nil
}

// writeRunResult reports the result even on failure, so callers see the
// partial trace.
func (s *Server) writeRunResult(w http.ResponseWriter, result any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	code := runStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("run failed", "error", err)
	}
	writeJSON(w, code, map[string]any{
		"error":  err.Error(),
		"result": result,
	})
}

func runStatus(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrOwnerRequired),
		errors.Is(err, retrieval.ErrInvalidOwner),
		errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, pipeline.ErrNoInput),
		errors.Is(err, state.ErrEmptyValue):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnsupportedType),
		errors.Is(err, pipeline.ErrNoText),
		errors.Is(err, pipeline.ErrNoChunks),
		errors.Is(err, orchestrator.ErrMaxRedraftExceeded):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

type sectionRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) handlePutSection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assembler == nil {
		jsonError(w, "assembly not configured", http.StatusServiceUnavailable)
		return
	}
	position, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil || position < 0 {
		jsonError(w, "position must be a non-negative integer", http.StatusBadRequest)
		return
	}
	var req sectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	sec := store.Section{
		ProjectKey: chi.URLParam(r, "projectKey"),
		Position:   position,
		Title:      req.Title,
		Content:    req.Content,
	}
	if err := s.deps.Assembler.SaveSection(r.Context(), sec); err != nil {
		jsonError(w, "failed to save section: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assembler == nil {
		jsonError(w, "assembly not configured", http.StatusServiceUnavailable)
		return
	}
	key := chi.URLParam(r, "projectKey")
	doc, cached, err := s.deps.Assembler.AssembleProject(r.Context(), key)
	if errors.Is(err, assembly.ErrNoSections) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("assembly failed", "project_key", key, "error", err)
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_key":    key,
		"final_document": doc,
		"cached":         cached,
	})
}
