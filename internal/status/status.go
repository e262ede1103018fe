// Package status carries document processing progress out of the pipeline.
// It is write-only from the pipeline's side: updates go to the document row
// and to live subscribers, and nothing in the pipeline reads them back.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgallion1/docdraft/internal/store"
)

// Status is a document's processing state.
type Status string

const (
	Uploading  Status = store.StatusUploading
	Processing Status = store.StatusProcessing
	Processed  Status = store.StatusProcessed
	Failed     Status = store.StatusFailed
)

// Terminal reports whether no further updates follow this status.
func (s Status) Terminal() bool {
	return s == Processed || s == Failed
}

// Update is one progress report for a document.
type Update struct {
	DocumentID       string    `json:"document_id"`
	Status           Status    `json:"status"`
	ProgressPercent  int       `json:"progress_percent"`
	CurrentOperation string    `json:"current_operation"`
	Error            string    `json:"error,omitempty"`
	At               time.Time `json:"at"`
}

// Sink persists updates. *store.Store satisfies it.
type Sink interface {
	SetDocumentStatus(ctx context.Context, id, status string, progress int, operation, errMsg string) error
}

// Recorder writes updates to a Sink and publishes them on a Broker.
type Recorder struct {
	sink   Sink
	broker *Broker
	log    *slog.Logger
}

// NewRecorder builds a Recorder. Either sink or broker may be nil.
func NewRecorder(sink Sink, broker *Broker, log *slog.Logger) *Recorder {
	return &Recorder{sink: sink, broker: broker, log: log}
}

// Record persists and publishes u. Failures are logged and otherwise
// ignored so a broken side channel never fails the caller.
func (r *Recorder) Record(ctx context.Context, u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if u.ProgressPercent < 0 {
		u.ProgressPercent = 0
	} else if u.ProgressPercent > 100 {
		u.ProgressPercent = 100
	}
	if r.sink != nil {
		// Status writes outlive a canceled run so a failure can still be recorded.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := r.sink.SetDocumentStatus(wctx, u.DocumentID, string(u.Status), u.ProgressPercent, u.CurrentOperation, u.Error)
		cancel()
		if err != nil {
			r.log.Warn("status write failed", "doc_id", u.DocumentID, "status", u.Status, "error", err)
		}
	}
	if r.broker != nil {
		r.broker.Publish(u)
	}
}
