// Package pipeline ingests uploaded documents: it stores the bytes, extracts
// page text, chunks and embeds it, and persists the result in one
// transaction. Progress is reported through a write-only status channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dgallion1/docdraft/internal/chunker"
	"github.com/dgallion1/docdraft/internal/doctree"
	"github.com/dgallion1/docdraft/internal/objectstore"
	"github.com/dgallion1/docdraft/internal/parser"
	"github.com/dgallion1/docdraft/internal/status"
	"github.com/dgallion1/docdraft/internal/store"
)

const (
	DefaultPageBatchLimit = 15
	DefaultExtractWorkers = 6

	// maxErrorLen bounds the error text recorded on a failed document.
	maxErrorLen = 200
)

var (
	ErrNoInput           = errors.New("no document bytes or storage key")
	ErrUnsupportedType   = errors.New("unsupported document type")
	ErrNoText            = errors.New("no extractable text")
	ErrNoChunks          = errors.New("no chunks produced")
	ErrEmbeddingMismatch = errors.New("embedding count does not match chunk count")
)

// Extractor pulls page-wise text out of document bytes.
type Extractor interface {
	PageCount(data []byte, mime string) (int, error)
	Extract(ctx context.Context, data []byte, mime string, pr parser.PageRange) ([]doctree.PageText, error)
}

// Embedder returns one vector per input text, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentStore is the slice of the database the pipeline writes to.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *store.Document) error
	FindProcessedByHash(ctx context.Context, ownerID int64, hash string) (*store.Document, error)
	Chunks(ctx context.Context, documentID string) ([]store.StoredChunk, error)
	PersistContent(ctx context.Context, documentID, contentHash, rawText string, chunks []doctree.Chunk, vectors [][]float32) ([]string, error)
}

// StatusRecorder receives progress updates. It never fails the caller.
type StatusRecorder interface {
	Record(ctx context.Context, u status.Update)
}

// FieldDispatcher starts background field extraction for a processed
// document and returns immediately.
type FieldDispatcher interface {
	Dispatch(docID, rawText string)
}

// Config tunes extraction fan-out and chunking.
type Config struct {
	PageBatchLimit int
	ExtractWorkers int
	Chunking       chunker.Config
}

// Input is one document to ingest. Exactly one of Data or StorageKey is
// normally set; when both are, StorageKey names where Data already lives.
type Input struct {
	DocumentID string // optional; generated when empty
	Data       []byte
	StorageKey string
	Filename   string
	MimeType   string // detected from Filename when empty
	OwnerID    int64
	FolderID   string
	Title      string
}

// Result is the outcome of Run. Error is set on failure; the other fields
// are then partial or empty.
type Result struct {
	FileID       string
	RawText      string
	Chunks       []doctree.Chunk
	Embeddings   [][]float32
	Deduplicated bool
	Error        error
}

// Pipeline runs ingestion end to end.
type Pipeline struct {
	extractor Extractor
	embedder  Embedder
	docs      DocumentStore
	objects   objectstore.Store
	status    StatusRecorder
	fields    FieldDispatcher
	cfg       Config
	log       *slog.Logger
}

// New builds a Pipeline. fields may be nil to skip background extraction.
func New(cfg Config, extractor Extractor, embedder Embedder, docs DocumentStore, objects objectstore.Store, rec StatusRecorder, fields FieldDispatcher, log *slog.Logger) *Pipeline {
	if cfg.PageBatchLimit <= 0 {
		cfg.PageBatchLimit = DefaultPageBatchLimit
	}
	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = DefaultExtractWorkers
	}
	if cfg.Chunking.ChunkSize <= 0 {
		cfg.Chunking = chunker.DefaultConfig()
	}
	return &Pipeline{
		extractor: extractor,
		embedder:  embedder,
		docs:      docs,
		objects:   objects,
		status:    rec,
		fields:    fields,
		cfg:       cfg,
		log:       log,
	}
}

// Run ingests one document. It never panics and never returns a Go error;
// failures are reported in Result.Error and on the document's status.
func (p *Pipeline) Run(ctx context.Context, in Input) Result {
	return p.run(ctx, in, nil)
}

// run is Run with an optional observer that sees every status update.
func (p *Pipeline) run(ctx context.Context, in Input, observe func(status.Update)) (res Result) {
	r := &runState{p: p, ctx: ctx, observe: observe, log: p.log.With("filename", in.Filename, "owner_id", in.OwnerID)}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("ingestion panic", "panic", rec, "stack", string(debug.Stack()))
			res = r.fail(fmt.Errorf("ingestion panic: %v", rec))
		}
	}()
	return r.execute(in)
}

// runState carries one run's document id and last reported progress so a
// failure can be recorded where it happened.
type runState struct {
	p       *Pipeline
	ctx     context.Context
	observe func(status.Update)
	log     *slog.Logger

	docID     string
	progress  int
	operation string
}

func (r *runState) report(st status.Status, progress int, operation string) {
	r.progress, r.operation = progress, operation
	r.publish(status.Update{
		DocumentID:       r.docID,
		Status:           st,
		ProgressPercent:  progress,
		CurrentOperation: operation,
	})
}

func (r *runState) publish(u status.Update) {
	if r.p.status != nil {
		r.p.status.Record(r.ctx, u)
	}
	if r.observe != nil {
		r.observe(u)
	}
}

// fail marks the document failed, if one was registered, and returns the
// failed result.
func (r *runState) fail(err error) Result {
	r.log.Error("ingestion failed", "doc_id", r.docID, "operation", r.operation, "error", err)
	if r.docID != "" {
		r.publish(status.Update{
			DocumentID:       r.docID,
			Status:           status.Failed,
			ProgressPercent:  r.progress,
			CurrentOperation: r.operation,
			Error:            truncateError(err),
		})
	} else if r.observe != nil {
		r.observe(status.Update{Status: status.Failed, CurrentOperation: r.operation, Error: truncateError(err)})
	}
	return Result{FileID: r.docID, Error: err}
}

func (r *runState) execute(in Input) Result {
	p, ctx := r.p, r.ctx

	r.operation = "loading"
	data, err := p.load(ctx, in)
	if err != nil {
		return r.fail(err)
	}
	mime := in.MimeType
	if mime == "" {
		mime = parser.MimeForFile(in.Filename)
	}
	if mime == "" {
		return r.fail(fmt.Errorf("%w: %s", ErrUnsupportedType, in.Filename))
	}

	hash := ContentHashHex(data)
	if dup, ok := p.reuseDuplicate(ctx, in.OwnerID, hash, r.log); ok {
		if r.observe != nil {
			r.observe(status.Update{DocumentID: dup.FileID, Status: status.Processed, ProgressPercent: 100, CurrentOperation: "deduplicated"})
		}
		return dup
	}

	docID := in.DocumentID
	if docID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return r.fail(fmt.Errorf("generate document id: %w", err))
		}
		docID = id.String()
	}
	key := in.StorageKey
	if key == "" {
		key = objectstore.DocumentKey(in.OwnerID, docID, in.Filename)
	}
	title := in.Title
	if title == "" {
		title = in.Filename
	}

	r.operation = "registering"
	doc := &store.Document{
		ID:          docID,
		OwnerID:     in.OwnerID,
		FolderID:    in.FolderID,
		Filename:    in.Filename,
		Title:       title,
		MimeType:    mime,
		StorageKey:  key,
		SizeBytes:   int64(len(data)),
		ContentHash: hash,
		Status:      string(status.Uploading),
	}
	if err := p.docs.CreateDocument(ctx, doc); err != nil {
		return r.fail(fmt.Errorf("register document: %w", err))
	}
	r.docID = docID
	r.log = r.log.With("doc_id", docID)

	// Store
	r.report(status.Uploading, 0, "storing")
	if in.StorageKey == "" {
		if err := p.objects.Put(ctx, key, data, mime); err != nil {
			return r.fail(fmt.Errorf("store upload: %w", err))
		}
	}

	// Extract
	r.report(status.Processing, 10, "extracting")
	pages, err := p.extract(ctx, data, mime)
	if err != nil {
		return r.fail(fmt.Errorf("extract: %w", err))
	}
	rawText := doctree.JoinText(pages)
	if strings.TrimSpace(rawText) == "" {
		return r.fail(ErrNoText)
	}
	r.log.Info("extracted text", "records", len(pages), "chars", utf8.RuneCountInString(rawText))

	// Chunk
	r.report(status.Processing, 40, "chunking")
	chunks := chunker.ChunkPages(pages, p.cfg.Chunking)
	if len(chunks) == 0 {
		return r.fail(ErrNoChunks)
	}

	// Embed
	r.report(status.Processing, 55, "embedding")
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return r.fail(fmt.Errorf("embed: %w", err))
	}
	if len(vectors) != len(chunks) {
		return r.fail(fmt.Errorf("%w: %d vectors for %d chunks", ErrEmbeddingMismatch, len(vectors), len(chunks)))
	}

	// Persist
	r.report(status.Processing, 85, "persisting")
	if _, err := p.docs.PersistContent(ctx, docID, hash, rawText, chunks, vectors); err != nil {
		return r.fail(fmt.Errorf("persist content: %w", err))
	}

	r.report(status.Processed, 100, "done")
	r.log.Info("document processed", "chunks", len(chunks))

	if p.fields != nil {
		p.fields.Dispatch(docID, rawText)
	}

	return Result{
		FileID:     docID,
		RawText:    rawText,
		Chunks:     chunks,
		Embeddings: vectors,
	}
}

func (p *Pipeline) load(ctx context.Context, in Input) ([]byte, error) {
	if len(in.Data) > 0 {
		return in.Data, nil
	}
	if in.StorageKey == "" {
		return nil, ErrNoInput
	}
	data, err := p.objects.Get(ctx, in.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", in.StorageKey, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch %s: %w", in.StorageKey, ErrNoInput)
	}
	return data, nil
}

// reuseDuplicate returns the stored result of an identical processed upload
// by the same owner. Lookup failures fall through to a normal run.
func (p *Pipeline) reuseDuplicate(ctx context.Context, ownerID int64, hash string, log *slog.Logger) (Result, bool) {
	doc, err := p.docs.FindProcessedByHash(ctx, ownerID, hash)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false
	}
	if err != nil {
		log.Warn("dedup check failed, proceeding", "error", err)
		return Result{}, false
	}
	stored, err := p.docs.Chunks(ctx, doc.ID)
	if err != nil {
		log.Warn("loading duplicate chunks failed, proceeding", "existing_doc_id", doc.ID, "error", err)
		return Result{}, false
	}
	if len(stored) == 0 {
		return Result{}, false
	}
	res := Result{
		FileID:       doc.ID,
		RawText:      doc.RawText,
		Chunks:       make([]doctree.Chunk, len(stored)),
		Embeddings:   make([][]float32, len(stored)),
		Deduplicated: true,
	}
	for i, sc := range stored {
		if len(sc.Vector) == 0 {
			log.Warn("duplicate has chunks without vectors, proceeding", "existing_doc_id", doc.ID)
			return Result{}, false
		}
		res.Chunks[i] = sc.Chunk
		res.Embeddings[i] = sc.Vector
	}
	log.Info("duplicate document, reusing", "existing_doc_id", doc.ID, "chunks", len(stored))
	return res, true
}

func truncateError(err error) string {
	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}
	return string([]rune(msg)[:maxErrorLen])
}
