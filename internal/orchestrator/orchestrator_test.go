package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/dgallion1/docdraft/internal/agent"
	"github.com/dgallion1/docdraft/internal/doctree"
	"github.com/dgallion1/docdraft/internal/pipeline"
	"github.com/dgallion1/docdraft/internal/retrieval"
	"github.com/dgallion1/docdraft/internal/state"
)

// recorder counts calls per stage and keeps the last request of each.
type recorder struct {
	mu    sync.Mutex
	calls map[state.Stage]int
	last  map[state.Stage]agent.Payload
	order []state.Stage
}

func newRecorder() *recorder {
	return &recorder{calls: map[state.Stage]int{}, last: map[state.Stage]agent.Payload{}}
}

func (r *recorder) wrap(stage state.Stage, fn func(n int, req agent.Payload) (agent.Payload, error)) agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Payload) (agent.Payload, error) {
		r.mu.Lock()
		r.calls[stage]++
		n := r.calls[stage]
		r.last[stage] = req
		r.order = append(r.order, stage)
		r.mu.Unlock()
		return fn(n, req)
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// handlers builds a passing stage table. Ingestion returns vectors unless
// withVectors is false.
func handlers(rec *recorder, withVectors bool) map[state.Stage]agent.Agent {
	return map[state.Stage]agent.Agent{
		state.StageIngestion: rec.wrap(state.StageIngestion, func(int, agent.Payload) (agent.Payload, error) {
			out := agent.Payload{"raw_text": "The contract was signed on 1 May.", "file_id": "file-1"}
			if withVectors {
				out["chunks"] = []string{"The contract was signed on 1 May."}
				out["embeddings"] = [][]float32{{0.1, 0.2}}
			}
			return out, nil
		}),
		state.StageRetrieval: rec.wrap(state.StageRetrieval, func(int, agent.Payload) (agent.Payload, error) {
			return agent.Payload{"chunks": []string{"retrieved"}, "embeddings": [][]float32{{1, 0}}}, nil
		}),
		state.StageDrafting: rec.wrap(state.StageDrafting, func(n int, req agent.Payload) (agent.Payload, error) {
			return agent.Payload{"draft": fmt.Sprintf("Draft version %d of the memo.", n)}, nil
		}),
		state.StageCritique: rec.wrap(state.StageCritique, func(int, agent.Payload) (agent.Payload, error) {
			return agent.Payload{"issues": []string{}}, nil
		}),
		state.StageAssembly: rec.wrap(state.StageAssembly, func(_ int, req agent.Payload) (agent.Payload, error) {
			d, _ := req.Text("draft")
			return agent.Payload{"final_document": "FINAL: " + d}, nil
		}),
	}
}

func newOrchestrator(t *testing.T, h map[state.Stage]agent.Agent, max int) *Orchestrator {
	t.Helper()
	o, err := New(h, Config{MaxRedraftAttempts: max}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func fileRequest() Request {
	return Request{Data: []byte("%PDF"), Filename: "contract.pdf", OwnerID: "1", Query: "summarize the contract"}
}

func TestNew_RequiresEveryStage(t *testing.T) {
	for _, missing := range state.RequiredStages {
		h := handlers(newRecorder(), true)
		delete(h, missing)
		if _, err := New(h, Config{}, testLogger()); !errors.Is(err, ErrMissingHandler) {
			t.Fatalf("missing %s: expected ErrMissingHandler, got %v", missing, err)
		}
	}
	o, err := New(handlers(newRecorder(), true), Config{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if o.cfg.MaxRedraftAttempts != DefaultMaxRedraftAttempts {
		t.Fatalf("expected default max redrafts, got %d", o.cfg.MaxRedraftAttempts)
	}
}

func TestRun_HappyPathSkipsRetrieval(t *testing.T) {
	rec := newRecorder()
	o := newOrchestrator(t, handlers(rec, true), 2)

	res, err := o.Run(context.Background(), fileRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []state.Stage{state.StageIngestion, state.StageDrafting, state.StageCritique, state.StageAssembly}
	if fmt.Sprint(rec.order) != fmt.Sprint(want) {
		t.Fatalf("stage order = %v, want %v", rec.order, want)
	}
	if res.FinalDocument != "FINAL: Draft version 1 of the memo." {
		t.Fatalf("unexpected final document %q", res.FinalDocument)
	}
	if !res.State.Completed || *res.State.FileID != "file-1" {
		t.Fatalf("unexpected state %+v", res.State)
	}
	if len(res.Trace) != 4 || res.Trace[0].To != "IngestionPipeline" || res.Trace[3].To != "Assembler" {
		t.Fatalf("unexpected trace %+v", res.Trace)
	}
	if key, _ := rec.last[state.StageAssembly].Text("project_key"); key != res.RunID {
		t.Fatalf("assembly project key %q != run id %q", key, res.RunID)
	}
}

func TestRun_RetrievalWhenIngestionHasNoVectors(t *testing.T) {
	rec := newRecorder()
	o := newOrchestrator(t, handlers(rec, false), 2)

	res, err := o.Run(context.Background(), fileRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.calls[state.StageRetrieval] != 1 {
		t.Fatalf("expected one retrieval, got %d", rec.calls[state.StageRetrieval])
	}
	if res.State.Chunks[0] != "retrieved" {
		t.Fatalf("expected retrieved chunks in state, got %v", res.State.Chunks)
	}
	if q, _ := rec.last[state.StageRetrieval].Text("query"); q != "summarize the contract" {
		t.Fatalf("unexpected retrieval query %q", q)
	}
	if rec.last[state.StageRetrieval].Has("file_ids") {
		t.Fatal("nil allow-list must not be sent")
	}
}

func TestRun_RawTextSkipsIngestion(t *testing.T) {
	rec := newRecorder()
	o := newOrchestrator(t, handlers(rec, true), 2)
	empty := []string{}

	_, err := o.Run(context.Background(), Request{RawText: "Notes on the lease dispute.", OwnerID: "1", AllowedFileIDs: &empty})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.calls[state.StageIngestion] != 0 {
		t.Fatal("ingestion must be skipped for raw text runs")
	}
	req := rec.last[state.StageRetrieval]
	if q, _ := req.Text("query"); q != "Notes on the lease dispute." {
		t.Fatalf("expected raw text used as query, got %q", q)
	}
	ids, ok := req.Strings("file_ids")
	if !ok || len(ids) != 0 {
		t.Fatalf("expected empty allow-list forwarded, got %v, %v", ids, ok)
	}
}

func TestRun_NoRetrievalHitsDraftsFromRawText(t *testing.T) {
	rec := newRecorder()
	h := handlers(rec, true)
	retriever := &fakeRetriever{}
	inner := RetrievalAgent(retriever)
	h[state.StageRetrieval] = rec.wrap(state.StageRetrieval, func(_ int, req agent.Payload) (agent.Payload, error) {
		return inner.Call(context.Background(), req)
	})
	o := newOrchestrator(t, h, 2)
	empty := []string{}

	res, err := o.Run(context.Background(), Request{OwnerID: "1", RawText: "The tenant paid late in March.", AllowedFileIDs: &empty})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.State.Embedded || len(res.State.Chunks) != 0 {
		t.Fatalf("expected embedded with no chunks, got %+v", res.State)
	}
	if !res.State.Completed || res.FinalDocument == "" {
		t.Fatalf("expected completed run, got %+v", res.State)
	}
	if raw, _ := rec.last[state.StageDrafting].Text("raw_text"); raw != "The tenant paid late in March." {
		t.Fatalf("drafter did not receive raw text, got %q", raw)
	}
}

func TestRun_MaxRedraftExceeded(t *testing.T) {
	rec := newRecorder()
	h := handlers(rec, true)
	h[state.StageCritique] = rec.wrap(state.StageCritique, func(int, agent.Payload) (agent.Payload, error) {
		return agent.Payload{"issues": []string{"unsupported claim"}}, nil
	})
	o := newOrchestrator(t, h, 2)

	res, err := o.Run(context.Background(), fileRequest())
	if !errors.Is(err, ErrMaxRedraftExceeded) {
		t.Fatalf("expected ErrMaxRedraftExceeded, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != state.StageCritique {
		t.Fatalf("expected critique StageError, got %v", err)
	}
	if rec.calls[state.StageCritique] != 3 {
		t.Fatalf("expected 3 critique cycles, got %d", rec.calls[state.StageCritique])
	}
	if rec.calls[state.StageDrafting] != 3 {
		t.Fatalf("expected 3 drafts, got %d", rec.calls[state.StageDrafting])
	}
	if rec.calls[state.StageAssembly] != 0 {
		t.Fatal("assembly must not run")
	}
	if res.Attempts != 3 || res.State.Completed {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRun_RedraftThenPass(t *testing.T) {
	rec := newRecorder()
	h := handlers(rec, true)
	h[state.StageCritique] = rec.wrap(state.StageCritique, func(n int, _ agent.Payload) (agent.Payload, error) {
		if n == 1 {
			return agent.Payload{"issues": []any{"missing date"}}, nil
		}
		return agent.Payload{"issues": nil}, nil
	})
	o := newOrchestrator(t, h, 2)

	res, err := o.Run(context.Background(), fileRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Attempts != 1 || res.FinalDocument != "FINAL: Draft version 2 of the memo." {
		t.Fatalf("unexpected result %+v", res)
	}

	redraftReq := rec.last[state.StageDrafting]
	issues, _ := redraftReq.Strings("issues")
	if len(issues) != 1 || issues[0] != "missing date" {
		t.Fatalf("redraft did not receive issues: %v", redraftReq)
	}
	if prev, _ := redraftReq.Text("previous_draft"); prev != "Draft version 1 of the memo." {
		t.Fatalf("unexpected previous draft %q", prev)
	}

	var diffTask *AgentTask
	for i := range res.Trace {
		if res.Trace[i].From == "Drafter" {
			diffTask = &res.Trace[i]
		}
	}
	if diffTask == nil || diffTask.PayloadSummary != "+1/-1 chars in 2 edits" {
		t.Fatalf("expected redraft diff summary, got %+v", diffTask)
	}
}

func TestRun_MissingKey(t *testing.T) {
	tests := []struct {
		stage state.Stage
		resp  agent.Payload
	}{
		{state.StageIngestion, agent.Payload{"file_id": "x"}},
		{state.StageDrafting, agent.Payload{"text": "x"}},
		{state.StageCritique, agent.Payload{}},
		{state.StageAssembly, nil},
	}
	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			h := handlers(newRecorder(), true)
			h[tt.stage] = agent.Func(func(context.Context, agent.Payload) (agent.Payload, error) {
				return tt.resp, nil
			})
			_, err := newOrchestrator(t, h, 2).Run(context.Background(), fileRequest())
			if !errors.Is(err, ErrMissingKey) {
				t.Fatalf("expected ErrMissingKey, got %v", err)
			}
			var se *StageError
			if !errors.As(err, &se) || se.Stage != tt.stage {
				t.Fatalf("expected StageError for %s, got %v", tt.stage, err)
			}
		})
	}
}

func TestRun_MissingRetrievalEmbeddings(t *testing.T) {
	h := handlers(newRecorder(), false)
	h[state.StageRetrieval] = agent.Func(func(context.Context, agent.Payload) (agent.Payload, error) {
		return agent.Payload{"chunks": []string{"only chunks"}}, nil
	})
	_, err := newOrchestrator(t, h, 2).Run(context.Background(), fileRequest())
	var se *StageError
	if !errors.Is(err, ErrMissingKey) || !errors.As(err, &se) || se.Stage != state.StageRetrieval {
		t.Fatalf("expected retrieval ErrMissingKey, got %v", err)
	}
}

func TestRun_AgentErrorIsStageError(t *testing.T) {
	boom := errors.New("drafter unavailable")
	h := handlers(newRecorder(), true)
	h[state.StageDrafting] = agent.Func(func(context.Context, agent.Payload) (agent.Payload, error) {
		return nil, boom
	})
	res, err := newOrchestrator(t, h, 2).Run(context.Background(), fileRequest())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped agent error, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != state.StageDrafting {
		t.Fatalf("expected drafting StageError, got %v", err)
	}
	if !res.State.Ingested || res.State.Drafted {
		t.Fatalf("unexpected partial state %+v", res.State)
	}
	if !strings.HasPrefix(err.Error(), "drafting stage:") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRun_WrongValueType(t *testing.T) {
	h := handlers(newRecorder(), true)
	h[state.StageCritique] = agent.Func(func(context.Context, agent.Payload) (agent.Payload, error) {
		return agent.Payload{"issues": "looks fine"}, nil
	})
	_, err := newOrchestrator(t, h, 2).Run(context.Background(), fileRequest())
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestRun_CitationAgent(t *testing.T) {
	rec := newRecorder()
	h := handlers(rec, true)
	h[state.StageCitation] = rec.wrap(state.StageCitation, func(_ int, req agent.Payload) (agent.Payload, error) {
		d, _ := req.Text("draft")
		return agent.Payload{"draft": d + " [1]"}, nil
	})
	res, err := newOrchestrator(t, h, 2).Run(context.Background(), fileRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasSuffix(res.FinalDocument, " [1]") {
		t.Fatalf("expected cited final document, got %q", res.FinalDocument)
	}
	if rec.calls[state.StageCitation] != 1 {
		t.Fatalf("expected one citation call, got %d", rec.calls[state.StageCitation])
	}
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := newRecorder()
	_, err := newOrchestrator(t, handlers(rec, true), 2).Run(ctx, fileRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(rec.order) != 0 {
		t.Fatal("no agent should run after cancellation")
	}
}

func TestRunIngestionAndRetrievalOnly(t *testing.T) {
	rec := newRecorder()
	o := newOrchestrator(t, handlers(rec, true), 2)

	sr, err := o.RunIngestion(context.Background(), fileRequest())
	if err != nil {
		t.Fatalf("RunIngestion: %v", err)
	}
	if sr.Stage != state.StageIngestion || !sr.Response.Has("raw_text") {
		t.Fatalf("unexpected stage run %+v", sr)
	}
	if len(sr.Trace) != 1 || sr.Trace[0].To != "IngestionPipeline" || sr.Trace[0].TaskDescription == "" {
		t.Fatalf("unexpected trace %+v", sr.Trace)
	}

	sr, err = o.RunRetrieval(context.Background(), Request{Query: "lease", OwnerID: "1"})
	if err != nil {
		t.Fatalf("RunRetrieval: %v", err)
	}
	if sr.Trace[0].To != "Librarian" || !sr.Response.Has("embeddings") {
		t.Fatalf("unexpected retrieval run %+v", sr)
	}
	if fmt.Sprint(rec.order) != fmt.Sprint([]state.Stage{state.StageIngestion, state.StageRetrieval}) {
		t.Fatalf("expected exactly one call per single-stage run, got %v", rec.order)
	}
}

type fakeIngester struct {
	got pipeline.Input
	res pipeline.Result
}

func (f *fakeIngester) Run(ctx context.Context, in pipeline.Input) pipeline.Result {
	f.got = in
	return f.res
}

func TestIngestionAgent(t *testing.T) {
	ing := &fakeIngester{res: pipeline.Result{
		FileID:     "doc-9",
		RawText:    "text",
		Chunks:     []doctree.Chunk{{Content: "text", Index: 0}},
		Embeddings: [][]float32{{1}},
	}}
	a := IngestionAgent(ing)

	out, err := a.Call(context.Background(), agent.Payload{"data": "aGVsbG8=", "owner_id": float64(42), "filename": "a.txt"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(ing.got.Data) != "hello" || ing.got.OwnerID != 42 || ing.got.Filename != "a.txt" {
		t.Fatalf("unexpected pipeline input %+v", ing.got)
	}
	chunks, _ := out.Strings("chunks")
	if id, _ := out.Text("file_id"); id != "doc-9" || len(chunks) != 1 {
		t.Fatalf("unexpected response %v", out)
	}

	if _, err := a.Call(context.Background(), agent.Payload{"data": []byte("x")}); !errors.Is(err, retrieval.ErrOwnerRequired) {
		t.Fatalf("expected ErrOwnerRequired, got %v", err)
	}

	ing.res = pipeline.Result{Error: pipeline.ErrNoText}
	if _, err := a.Call(context.Background(), agent.Payload{"owner_id": "1"}); !errors.Is(err, pipeline.ErrNoText) {
		t.Fatalf("expected pipeline error, got %v", err)
	}
}

type fakeRetriever struct {
	got retrieval.Request
	res retrieval.Result
}

func (f *fakeRetriever) Retrieve(ctx context.Context, req retrieval.Request) retrieval.Result {
	f.got = req
	return f.res
}

func TestRetrievalAgent(t *testing.T) {
	r := &fakeRetriever{res: retrieval.Result{Hits: []retrieval.Hit{
		{ChunkID: "c1", Content: "clause", Vector: []float32{0.5}},
	}}}
	a := RetrievalAgent(r)

	out, err := a.Call(context.Background(), agent.Payload{"query": "q", "owner_id": "3", "top_k": float64(5), "file_ids": []any{}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if r.got.AllowedFileIDs == nil || len(*r.got.AllowedFileIDs) != 0 {
		t.Fatalf("expected empty allow-list, got %v", r.got.AllowedFileIDs)
	}
	if r.got.TopK != 5 || r.got.OwnerID != "3" {
		t.Fatalf("unexpected request %+v", r.got)
	}
	vecs, _ := out.Vectors("embeddings")
	if len(vecs) != 1 || vecs[0][0] != 0.5 {
		t.Fatalf("unexpected embeddings %v", vecs)
	}

	if _, err := a.Call(context.Background(), agent.Payload{"query": "q", "owner_id": "3"}); err != nil {
		t.Fatal(err)
	}
	if r.got.AllowedFileIDs != nil {
		t.Fatal("absent file_ids must mean no restriction")
	}

	r.res = retrieval.Result{Error: retrieval.ErrOwnerRequired}
	if _, err := a.Call(context.Background(), agent.Payload{"query": "q"}); !errors.Is(err, retrieval.ErrOwnerRequired) {
		t.Fatalf("expected scoping error, got %v", err)
	}
}

func TestDiffDrafts(t *testing.T) {
	c := diffDrafts("The cat sat.", "The cat sat down.")
	if c.Inserted != 5 || c.Deleted != 0 {
		t.Fatalf("unexpected change %+v", c)
	}
	if (diffDrafts("same", "same") != DraftChange{}) {
		t.Fatal("identical drafts must have no change")
	}
}
