// Package orchestrator drives a drafting run through its stages, asking
// state.Decide for the next stage and recording progress in a
// state.Manager.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docdraft/internal/agent"
	"github.com/dgallion1/docdraft/internal/state"
)

// DefaultMaxRedraftAttempts is used when Config.MaxRedraftAttempts is zero.
const DefaultMaxRedraftAttempts = 2

// maxQueryChars bounds the retrieval query derived from raw text.
const maxQueryChars = 1000

const fromOrchestrator = "Orchestrator"

// Keys every stage response must carry.
var requiredKeys = map[state.Stage][]string{
	state.StageIngestion: {"raw_text"},
	state.StageRetrieval: {"chunks", "embeddings"},
	state.StageDrafting:  {"draft"},
	state.StageCitation:  {"draft"},
	state.StageCritique:  {"issues"},
	state.StageAssembly:  {"final_document"},
}

type Config struct {
	// MaxRedraftAttempts is how many failed critiques are answered with a
	// redraft. The next failure ends the run.
	MaxRedraftAttempts int
}

// Request is the input of one run. Either Data/StorageKey (a file to ingest)
// or RawText must be set.
type Request struct {
	RunID          string
	Data           []byte
	StorageKey     string
	Filename       string
	MimeType       string
	FolderID       string
	Title          string
	RawText        string
	OwnerID        string
	Query          string
	Instructions   string
	AllowedFileIDs *[]string
	CaseID         string
	TopK           int
}

// Result is what a run produced, including a partial trace on failure.
type Result struct {
	RunID         string         `json:"run_id"`
	FinalDocument string         `json:"final_document,omitempty"`
	Attempts      int            `json:"attempts"`
	State         state.Snapshot `json:"state"`
	Trace         []AgentTask    `json:"trace"`
}

// StageRun is the outcome of a single-stage invocation.
type StageRun struct {
	Stage    state.Stage   `json:"stage"`
	Response agent.Payload `json:"response"`
	Trace    []AgentTask   `json:"trace"`
}

// Orchestrator owns the stage table. It is safe for concurrent runs; each
// run has its own state.
type Orchestrator struct {
	handlers map[state.Stage]agent.Agent
	cfg      Config
	log      *slog.Logger
}

// New validates that every required stage has a handler. A Citation
// handler is optional.
func New(handlers map[state.Stage]agent.Agent, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	for _, s := range state.RequiredStages {
		if handlers[s] == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingHandler, s)
		}
	}
	if cfg.MaxRedraftAttempts <= 0 {
		cfg.MaxRedraftAttempts = DefaultMaxRedraftAttempts
	}
	return &Orchestrator{
		handlers: maps.Clone(handlers),
		cfg:      cfg,
		log:      log,
	}, nil
}

// run is the per-run working set.
type run struct {
	o        *Orchestrator
	req      Request
	mgr      *state.Manager
	log      *slog.Logger
	trace    []AgentTask
	attempts int
	issues   []string
}

func (o *Orchestrator) newRun(req Request) (*run, error) {
	if req.RunID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating run id: %w", err)
		}
		req.RunID = id.String()
	}
	return &run{
		o:   o,
		req: req,
		mgr: state.NewManager(),
		log: o.log.With("run_id", req.RunID),
	}, nil
}

// Run executes stages until the run completes or a stage fails. The error,
// when set, is a *StageError.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	r, err := o.newRun(req)
	if err != nil {
		return &Result{}, err
	}
	start := time.Now()
	err = r.loop(ctx)

	snap := r.mgr.Snapshot()
	res := &Result{
		RunID:    r.req.RunID,
		Attempts: r.attempts,
		State:    snap,
		Trace:    r.trace,
	}
	if snap.FinalDocument != nil {
		res.FinalDocument = *snap.FinalDocument
	}
	if err != nil {
		r.log.Error("run failed", "error", err, "attempts", r.attempts, "duration_ms", time.Since(start).Milliseconds())
		return res, err
	}
	r.log.Info("run complete", "attempts", r.attempts, "steps", len(r.trace), "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (r *run) loop(ctx context.Context) error {
	if err := r.seed(); err != nil {
		return err
	}
	for {
		d := state.Decide(r.mgr.Snapshot())
		if d.Done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return stageErr(d.Stage, err)
		}

		var err error
		switch d.Stage {
		case state.StageIngestion:
			err = r.ingest(ctx)
		case state.StageRetrieval:
			err = r.retrieve(ctx)
		case state.StageDrafting:
			err = r.draft(ctx, "initial draft")
		case state.StageCritique:
			err = r.critique(ctx)
		case state.StageAssembly:
			err = r.assemble(ctx)
		default:
			err = fmt.Errorf("%w: %s", ErrMissingHandler, d.Stage)
		}
		if err != nil {
			return stageErr(d.Stage, err)
		}
	}
}

// seed marks ingestion done when the caller supplied text instead of a file.
func (r *run) seed() error {
	if len(r.req.Data) > 0 || r.req.StorageKey != "" || r.req.RawText == "" {
		return nil
	}
	if err := r.mgr.SetIngestion(r.req.RawText, ""); err != nil {
		return stageErr(state.StageIngestion, err)
	}
	r.trace = append(r.trace, AgentTask{
		From:            fromOrchestrator,
		To:              fromOrchestrator,
		TaskDescription: "raw text supplied by caller; ingestion skipped",
		PayloadSummary:  agent.Payload{"raw_text": r.req.RawText}.Summary(),
	})
	return nil
}

// invoke calls the stage handler, records the task and checks required keys.
func (r *run) invoke(ctx context.Context, stage state.Stage, reason string, req agent.Payload) (agent.Payload, error) {
	h := r.o.handlers[stage]
	if h == nil {
		return nil, stageErr(stage, fmt.Errorf("%w: %s", ErrMissingHandler, stage))
	}
	r.trace = append(r.trace, AgentTask{
		From:            fromOrchestrator,
		To:              stage.Collaborator(),
		TaskDescription: reason,
		PayloadSummary:  req.Summary(),
	})

	start := time.Now()
	resp, err := h.Call(ctx, req)
	if err != nil {
		r.log.Warn("agent call failed", "stage", stage.String(), "error", err)
		return nil, stageErr(stage, err)
	}
	if resp == nil {
		resp = agent.Payload{}
	}
	for _, key := range requiredKeys[stage] {
		if !resp.Has(key) {
			return nil, stageErr(stage, fmt.Errorf("%w: %q", ErrMissingKey, key))
		}
	}
	r.log.Debug("agent call", "stage", stage.String(), "duration_ms", time.Since(start).Milliseconds(), "response", resp.Summary())
	return resp, nil
}

func (r *run) ingest(ctx context.Context) error {
	resp, err := r.invoke(ctx, state.StageIngestion, "extract, chunk and embed the uploaded file", r.ingestionPayload())
	if err != nil {
		return err
	}
	raw, ok := resp.Text("raw_text")
	if !ok {
		return invalid("raw_text", resp["raw_text"])
	}
	fileID, _ := resp.Text("file_id")
	if err := r.mgr.SetIngestion(raw, fileID); err != nil {
		return err
	}

	// Ingestion that already produced vectors makes retrieval unnecessary.
	chunks, okChunks := resp.Strings("chunks")
	vecs, okVecs := resp.Vectors("embeddings")
	if okChunks && okVecs && len(chunks) > 0 {
		if err := r.mgr.SetEmbeddings(chunks, vecs); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) retrieve(ctx context.Context) error {
	resp, err := r.invoke(ctx, state.StageRetrieval, "find supporting chunks for the query", r.retrievalPayload())
	if err != nil {
		return err
	}
	chunks, ok := resp.Strings("chunks")
	if !ok {
		return invalid("chunks", resp["chunks"])
	}
	vecs, ok := resp.Vectors("embeddings")
	if !ok {
		return invalid("embeddings", resp["embeddings"])
	}
	return r.mgr.SetEmbeddings(chunks, vecs)
}

// draft runs the Drafter and, when configured, the Citation agent.
func (r *run) draft(ctx context.Context, reason string) error {
	snap := r.mgr.Snapshot()
	req := agent.Payload{
		"raw_text":     deref(snap.RawText),
		"chunks":       snap.Chunks,
		"query":        r.req.Query,
		"instructions": r.req.Instructions,
		"attempt":      r.attempts + 1,
	}
	if r.attempts > 0 {
		req["previous_draft"] = deref(snap.Draft)
		req["issues"] = r.issues
	}

	resp, err := r.invoke(ctx, state.StageDrafting, reason, req)
	if err != nil {
		return err
	}
	text, ok := resp.Text("draft")
	if !ok {
		return invalid("draft", resp["draft"])
	}

	if r.o.handlers[state.StageCitation] != nil {
		cited, err := r.invoke(ctx, state.StageCitation, "insert citations into the draft", agent.Payload{
			"draft":  text,
			"chunks": snap.Chunks,
		})
		if err != nil {
			return err
		}
		if text, ok = cited.Text("draft"); !ok {
			return stageErr(state.StageCitation, invalid("draft", cited["draft"]))
		}
	}
	return r.mgr.SetDraft(text)
}

func (r *run) critique(ctx context.Context) error {
	snap := r.mgr.Snapshot()
	resp, err := r.invoke(ctx, state.StageCritique, "review the draft", agent.Payload{
		"draft":  deref(snap.Draft),
		"chunks": snap.Chunks,
		"query":  r.req.Query,
	})
	if err != nil {
		return err
	}
	issues, ok := resp.Strings("issues")
	if !ok {
		return invalid("issues", resp["issues"])
	}
	if err := r.mgr.SetValidation(issues); err != nil {
		return err
	}

	after := r.mgr.Snapshot()
	if after.Validated {
		return nil
	}
	r.attempts++
	r.log.Info("critique rejected draft", "issues", len(after.ValidationIssues), "attempt", r.attempts)
	if r.attempts > r.o.cfg.MaxRedraftAttempts {
		return fmt.Errorf("%w: %d critiques failed (max redrafts %d)",
			ErrMaxRedraftExceeded, r.attempts, r.o.cfg.MaxRedraftAttempts)
	}

	// Decide never returns to Drafting once drafted is set.
	r.issues = after.ValidationIssues
	r.mgr.ResetValidation()
	before := deref(after.Draft)
	if err := r.draft(ctx, fmt.Sprintf("redraft %d addressing %d issues", r.attempts, len(r.issues))); err != nil {
		return stageErr(state.StageDrafting, err)
	}
	change := diffDrafts(before, deref(r.mgr.Snapshot().Draft))
	r.trace = append(r.trace, AgentTask{
		From:            state.StageDrafting.Collaborator(),
		To:              state.StageCritique.Collaborator(),
		TaskDescription: fmt.Sprintf("redraft %d ready for review", r.attempts),
		PayloadSummary:  change.String(),
	})
	return nil
}

func (r *run) assemble(ctx context.Context) error {
	snap := r.mgr.Snapshot()
	resp, err := r.invoke(ctx, state.StageAssembly, "assemble the final document", agent.Payload{
		"project_key": r.req.RunID,
		"draft":       deref(snap.Draft),
	})
	if err != nil {
		return err
	}
	doc, ok := resp.Text("final_document")
	if !ok {
		return invalid("final_document", resp["final_document"])
	}
	return r.mgr.SetFinalDocument(doc)
}

func (r *run) ingestionPayload() agent.Payload {
	return agent.Payload{
		"data":        r.req.Data,
		"storage_key": r.req.StorageKey,
		"filename":    r.req.Filename,
		"mime_type":   r.req.MimeType,
		"owner_id":    r.req.OwnerID,
		"folder_id":   r.req.FolderID,
		"title":       r.req.Title,
	}
}

func (r *run) retrievalPayload() agent.Payload {
	query := r.req.Query
	if query == "" {
		query = clipRunes(deref(r.mgr.Snapshot().RawText), maxQueryChars)
	}
	p := agent.Payload{
		"query":    query,
		"owner_id": r.req.OwnerID,
		"case_id":  r.req.CaseID,
		"top_k":    r.req.TopK,
	}
	if r.req.AllowedFileIDs != nil {
		p["file_ids"] = *r.req.AllowedFileIDs
	}
	return p
}

// RunIngestion executes only the Ingestion stage.
func (o *Orchestrator) RunIngestion(ctx context.Context, req Request) (*StageRun, error) {
	r, err := o.newRun(req)
	if err != nil {
		return nil, err
	}
	resp, err := r.invoke(ctx, state.StageIngestion, "ingestion-only run requested", r.ingestionPayload())
	return &StageRun{Stage: state.StageIngestion, Response: resp, Trace: r.trace}, err
}

// RunRetrieval executes only the Retrieval stage. Query or RawText must be set.
func (o *Orchestrator) RunRetrieval(ctx context.Context, req Request) (*StageRun, error) {
	r, err := o.newRun(req)
	if err != nil {
		return nil, err
	}
	if req.Query == "" && req.RawText != "" {
		if err := r.mgr.SetIngestion(req.RawText, ""); err != nil {
			return nil, stageErr(state.StageRetrieval, err)
		}
	}
	resp, err := r.invoke(ctx, state.StageRetrieval, "retrieval-only run requested", r.retrievalPayload())
	return &StageRun{Stage: state.StageRetrieval, Response: resp, Trace: r.trace}, err
}

func invalid(key string, v any) error {
	return fmt.Errorf("%w: %q is %T", ErrInvalidValue, key, v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
