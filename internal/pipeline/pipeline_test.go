package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgallion1/docdraft/internal/chunker"
	"github.com/dgallion1/docdraft/internal/doctree"
	"github.com/dgallion1/docdraft/internal/objectstore"
	"github.com/dgallion1/docdraft/internal/parser"
	"github.com/dgallion1/docdraft/internal/status"
	"github.com/dgallion1/docdraft/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pagedExtractor serves n synthetic pages. Later batches answer faster so
// completion order is the reverse of page order.
type pagedExtractor struct {
	pages int
	panic bool

	mu     sync.Mutex
	ranges []parser.PageRange
}

func (e *pagedExtractor) PageCount(data []byte, mime string) (int, error) {
	return e.pages, nil
}

func (e *pagedExtractor) Extract(ctx context.Context, data []byte, mime string, pr parser.PageRange) ([]doctree.PageText, error) {
	if e.panic {
		panic("corrupt xref table")
	}
	e.mu.Lock()
	e.ranges = append(e.ranges, pr)
	e.mu.Unlock()

	time.Sleep(time.Duration(e.pages-pr.First) * time.Millisecond / 4)
	var out []doctree.PageText
	for n := pr.First; n <= pr.Last; n++ {
		out = append(out, doctree.PageText{Text: fmt.Sprintf("Page %d body text.", n), PageStart: n, PageEnd: n})
	}
	return out, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	short bool
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	if f.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	docID string
	text  string
}

func (d *recordingDispatcher) Dispatch(docID, rawText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docID, d.text = docID, rawText
}

type harness struct {
	store    *store.Store
	objects  *objectstore.FSStore
	embedder *fakeEmbedder
	fields   *recordingDispatcher
	pipeline *Pipeline
}

func newHarness(t *testing.T, extractor Extractor) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "docdraft.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	objects, err := objectstore.NewFSStore(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("open objects: %v", err)
	}
	h := &harness{
		store:    st,
		objects:  objects,
		embedder: &fakeEmbedder{},
		fields:   &recordingDispatcher{},
	}
	rec := status.NewRecorder(st, nil, testLogger())
	h.pipeline = New(Config{Chunking: chunker.Config{ChunkSize: 200, ChunkOverlap: 20, MinChunk: 10}},
		extractor, h.embedder, st, objects, rec, h.fields, testLogger())
	return h
}

func TestPlanBatches(t *testing.T) {
	tests := []struct {
		pages, limit int
		want         []parser.PageRange
	}{
		{40, 15, []parser.PageRange{{First: 1, Last: 15}, {First: 16, Last: 30}, {First: 31, Last: 40}}},
		{15, 15, []parser.PageRange{{First: 1, Last: 15}}},
		{16, 15, []parser.PageRange{{First: 1, Last: 15}, {First: 16, Last: 16}}},
		{3, 0, []parser.PageRange{{First: 1, Last: 3}}},
		{0, 15, []parser.PageRange{{}}},
	}
	for _, tt := range tests {
		got := planBatches(tt.pages, tt.limit)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("planBatches(%d, %d) = %v, want %v", tt.pages, tt.limit, got, tt.want)
		}
	}
}

func TestExtract_BatchesMergeInPageOrder(t *testing.T) {
	ext := &pagedExtractor{pages: 40}
	h := newHarness(t, ext)

	pages, err := h.pipeline.extract(context.Background(), []byte("pdf"), parser.MimePDF)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(ext.ranges) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(ext.ranges))
	}
	sizes := map[int]int{}
	for _, r := range ext.ranges {
		sizes[r.First] = r.Last - r.First + 1
	}
	if sizes[1] != 15 || sizes[16] != 15 || sizes[31] != 10 {
		t.Errorf("unexpected batch sizes %v", sizes)
	}
	if len(pages) != 40 {
		t.Fatalf("expected 40 pages, got %d", len(pages))
	}
	for i := 1; i < len(pages); i++ {
		if pages[i].PageStart <= pages[i-1].PageStart {
			t.Fatalf("pages not strictly increasing at %d: %d after %d", i, pages[i].PageStart, pages[i-1].PageStart)
		}
	}
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, parser.NewService())
	ctx := context.Background()
	data := []byte("The parties entered into a lease on March 3.\n\nRent was due monthly.\fThe tenant defaulted in June.")

	res := h.pipeline.Run(ctx, Input{Data: data, Filename: "lease.txt", OwnerID: 7})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.FileID == "" || res.Deduplicated {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Chunks) == 0 || len(res.Chunks) != len(res.Embeddings) {
		t.Fatalf("expected matching chunks and embeddings, got %d and %d", len(res.Chunks), len(res.Embeddings))
	}
	if !strings.Contains(res.RawText, "tenant defaulted") {
		t.Errorf("raw text missing content: %q", res.RawText)
	}

	doc, err := h.store.GetDocument(ctx, res.FileID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Status != store.StatusProcessed || doc.ProgressPercent != 100 {
		t.Errorf("expected processed/100, got %s/%d", doc.Status, doc.ProgressPercent)
	}
	if doc.MimeType != parser.MimeText || doc.ContentHash != ContentHashHex(data) {
		t.Errorf("unexpected document metadata %+v", doc)
	}

	stored, err := h.store.Chunks(ctx, res.FileID)
	if err != nil || len(stored) != len(res.Chunks) {
		t.Fatalf("expected %d stored chunks, got %d (%v)", len(res.Chunks), len(stored), err)
	}
	last := stored[len(stored)-1]
	if last.PageEnd == nil || *last.PageEnd != 2 {
		t.Errorf("expected last chunk to end on page 2, got %v", last.PageEnd)
	}

	got, err := h.objects.Get(ctx, doc.StorageKey)
	if err != nil || string(got) != string(data) {
		t.Errorf("upload not stored: %v", err)
	}
	if h.fields.docID != res.FileID {
		t.Errorf("field extraction not dispatched for %s", res.FileID)
	}
}

func TestRun_ReportsProgressInOrder(t *testing.T) {
	h := newHarness(t, parser.NewService())
	ctx := context.Background()

	var ops []string
	var last status.Update
	res := h.pipeline.run(ctx, Input{Data: []byte("Progress is reported at each stage."), Filename: "a.txt", OwnerID: 1},
		func(u status.Update) {
			ops = append(ops, fmt.Sprintf("%s:%d:%s", u.Status, u.ProgressPercent, u.CurrentOperation))
			last = u
		})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	want := []string{
		fmt.Sprintf("%s:0:storing", status.Uploading),
		fmt.Sprintf("%s:10:extracting", status.Processing),
		fmt.Sprintf("%s:40:chunking", status.Processing),
		fmt.Sprintf("%s:55:embedding", status.Processing),
		fmt.Sprintf("%s:85:persisting", status.Processing),
		fmt.Sprintf("%s:100:done", status.Processed),
	}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected updates:\n got %v\nwant %v", ops, want)
	}
	if last.DocumentID != res.FileID || last.Error != "" {
		t.Errorf("unexpected final update %+v", last)
	}

	// A failure keeps the progress of the stage that failed.
	h.embedder.err = errors.New("embedding backend down")
	last = status.Update{}
	res = h.pipeline.run(ctx, Input{Data: []byte("Another body entirely."), Filename: "b.txt", OwnerID: 1},
		func(u status.Update) { last = u })
	if res.Error == nil {
		t.Fatal("expected an error")
	}
	if last.Status != status.Failed || last.ProgressPercent != 55 || last.CurrentOperation != "embedding" {
		t.Errorf("unexpected failure update %+v", last)
	}
	if !strings.Contains(last.Error, "embedding backend down") {
		t.Errorf("expected error text in update, got %q", last.Error)
	}
}

func TestRun_FromStorageKey(t *testing.T) {
	h := newHarness(t, parser.NewService())
	ctx := context.Background()
	key := "inbox/memo.md"
	if err := h.objects.Put(ctx, key, []byte("# Memo\n\nAll hands on Friday."), parser.MimeMarkdown); err != nil {
		t.Fatalf("put: %v", err)
	}

	res := h.pipeline.Run(ctx, Input{StorageKey: key, Filename: "memo.md", OwnerID: 1})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.Chunks[0].Heading != "Memo" {
		t.Errorf("expected heading %q, got %q", "Memo", res.Chunks[0].Heading)
	}
	doc, _ := h.store.GetDocument(ctx, res.FileID)
	if doc.StorageKey != key {
		t.Errorf("expected storage key %q, got %q", key, doc.StorageKey)
	}
}

func TestRun_Deduplicates(t *testing.T) {
	h := newHarness(t, parser.NewService())
	ctx := context.Background()
	in := Input{Data: []byte("Identical upload body."), Filename: "a.txt", OwnerID: 3}

	first := h.pipeline.Run(ctx, in)
	if first.Error != nil {
		t.Fatalf("first run: %v", first.Error)
	}
	second := h.pipeline.Run(ctx, in)
	if second.Error != nil {
		t.Fatalf("second run: %v", second.Error)
	}
	if !second.Deduplicated || second.FileID != first.FileID {
		t.Fatalf("expected reuse of %s, got %+v", first.FileID, second)
	}
	if len(second.Embeddings) != len(first.Embeddings) || second.RawText != first.RawText {
		t.Errorf("reused result differs from original")
	}
	if h.embedder.calls != 1 {
		t.Errorf("expected a single embed call, got %d", h.embedder.calls)
	}

	other := in
	other.OwnerID = 4
	if res := h.pipeline.Run(ctx, other); res.Deduplicated {
		t.Error("dedup must not cross owners")
	}
}

func TestRun_Failures(t *testing.T) {
	ctx := context.Background()
	long := errors.New(strings.Repeat("x", 500))

	tests := []struct {
		name      string
		extractor Extractor
		embedErr  error
		short     bool
		input     Input
		wantErr   error
		wantDoc   bool
		wantInErr string
	}{
		{name: "no input", extractor: parser.NewService(), input: Input{Filename: "a.txt", OwnerID: 1}, wantErr: ErrNoInput},
		{name: "unsupported type", extractor: parser.NewService(), input: Input{Data: []byte("x"), Filename: "a.exe", OwnerID: 1}, wantErr: ErrUnsupportedType},
		{name: "no text", extractor: parser.NewService(), input: Input{Data: []byte(" \n\n "), Filename: "blank.txt", OwnerID: 1}, wantErr: ErrNoText, wantDoc: true},
		{name: "embed mismatch", extractor: parser.NewService(), short: true, input: Input{Data: []byte("text"), Filename: "a.txt", OwnerID: 1}, wantErr: ErrEmbeddingMismatch, wantDoc: true},
		{name: "embed error", extractor: parser.NewService(), embedErr: long, input: Input{Data: []byte("text"), Filename: "a.txt", OwnerID: 1}, wantErr: long, wantDoc: true},
		{name: "panic", extractor: &pagedExtractor{pages: 2, panic: true}, input: Input{Data: []byte("x"), Filename: "a.pdf", OwnerID: 1}, wantDoc: true, wantInErr: "panic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.extractor)
			h.embedder.err = tt.embedErr
			h.embedder.short = tt.short

			res := h.pipeline.Run(ctx, tt.input)
			if res.Error == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(res.Error, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, res.Error)
			}
			if tt.wantInErr != "" && !strings.Contains(res.Error.Error(), tt.wantInErr) {
				t.Errorf("expected %q in error, got %v", tt.wantInErr, res.Error)
			}
			if h.fields.docID != "" {
				t.Error("field extraction must not run on failure")
			}

			docs, _ := h.store.ListDocuments(ctx, 1)
			if !tt.wantDoc {
				if len(docs) != 0 {
					t.Errorf("expected no document row, got %d", len(docs))
				}
				return
			}
			if len(docs) != 1 {
				t.Fatalf("expected 1 document row, got %d", len(docs))
			}
			if docs[0].Status != store.StatusFailed {
				t.Errorf("expected failed status, got %s", docs[0].Status)
			}
			if n := len([]rune(docs[0].Error)); n == 0 || n > maxErrorLen {
				t.Errorf("expected recorded error of 1..%d chars, got %d", maxErrorLen, n)
			}
		})
	}
}

func TestTruncateError(t *testing.T) {
	if got := truncateError(errors.New("short")); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncateError(errors.New(strings.Repeat("é", 300)))
	if n := len([]rune(got)); n != maxErrorLen {
		t.Errorf("expected %d runes, got %d", maxErrorLen, n)
	}
}
