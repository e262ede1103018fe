package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FieldExtractor produces document fields from raw text.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, docText string) (*Fields, error)
}

// FieldStore persists extracted fields on a document.
type FieldStore interface {
	SetExtractedFields(ctx context.Context, id string, fields any) error
}

// Dispatcher runs field extraction in the background after ingestion.
// Failures are logged and never reach the caller.
type Dispatcher struct {
	extractor FieldExtractor
	store     FieldStore
	timeout   time.Duration
	log       *slog.Logger
	sem       chan struct{}
	wg        sync.WaitGroup

	backoff func(attempt int) time.Duration
}

// NewDispatcher builds a dispatcher that allows at most maxConcurrent
// extractions in flight, each bounded by timeout.
func NewDispatcher(extractor FieldExtractor, store FieldStore, timeout time.Duration, maxConcurrent int, log *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Dispatcher{
		extractor: extractor,
		store:     store,
		timeout:   timeout,
		log:       log,
		sem:       make(chan struct{}, maxConcurrent),
		backoff:   Backoff,
	}
}

// Dispatch starts extraction for docID and returns immediately.
func (d *Dispatcher) Dispatch(docID, rawText string) {
	if d == nil || d.extractor == nil {
		return
	}
	rawText = clip(rawText, MaxPromptChars)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("field extraction panic", "doc_id", docID, "panic", fmt.Sprint(r))
			}
		}()

		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.run(ctx, docID, rawText); err != nil {
			d.log.Warn("field extraction failed", "doc_id", docID, "error", err)
		}
	}()
}

func (d *Dispatcher) run(ctx context.Context, docID, rawText string) error {
	start := time.Now()

	var fields *Fields
	var err error
	for attempt := range MaxRetries {
		fields, err = d.extractor.ExtractFields(ctx, rawText)
		if err == nil || !IsRetryable(err) {
			break
		}
		if attempt == MaxRetries-1 {
			break
		}
		wait := d.backoff(attempt)
		d.log.Debug("field extraction retry", "doc_id", docID, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		return fmt.Errorf("extract fields: %w", err)
	}

	if !ValidateFields(fields) {
		d.log.Info("no fields extracted", "doc_id", docID)
		return nil
	}
	if err := d.store.SetExtractedFields(ctx, docID, fields); err != nil {
		return fmt.Errorf("store fields: %w", err)
	}

	d.log.Info("fields extracted",
		"doc_id", docID,
		"parties", len(fields.Parties),
		"dates", len(fields.Dates),
		"document_type", fields.DocumentType,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Wait blocks until every dispatched extraction has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
