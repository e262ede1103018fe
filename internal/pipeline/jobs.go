package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/docdraft/internal/status"
)

// JobStatus represents the state of a queued ingestion.
type JobStatus string

const (
	StatusQueued       JobStatus = "queued"
	StatusProcessing   JobStatus = "processing"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
	StatusDeduplicated JobStatus = "deduplicated"
)

// Job tracks one asynchronous ingestion.
type Job struct {
	mu sync.Mutex

	ID      string `json:"job_id"`
	DocID   string `json:"doc_id"`
	OwnerID int64  `json:"owner_id"`

	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`
	Filename string    `json:"filename"`
	Title    string    `json:"title"`

	Progress Progress `json:"progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	input Input
}

// Progress tracks processing progress.
type Progress struct {
	Percent     int      `json:"percent"`
	TotalChunks int      `json:"total_chunks"`
	Errors      []string `json:"errors"`
}

// NewJob wraps an Input for the queue, fixing its document ID up front so
// callers can follow the document before processing starts.
func NewJob(in Input) (*Job, error) {
	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	if in.DocumentID == "" {
		docID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate document id: %w", err)
		}
		in.DocumentID = docID.String()
	}
	now := time.Now()
	return &Job{
		ID:        jobID.String(),
		DocID:     in.DocumentID,
		OwnerID:   in.OwnerID,
		Status:    StatusQueued,
		Phase:     "queued",
		Filename:  in.Filename,
		Title:     in.Title,
		CreatedAt: now,
		UpdatedAt: now,
		input:     in,
	}, nil
}

// JobStore is a thread-safe in-memory job registry. Jobs untouched for
// longer than the TTL are dropped by Cleanup.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
	now  func() time.Time
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Cleanup removes expired jobs and reports how many it dropped.
func (s *JobStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, job := range s.jobs {
		job.mu.Lock()
		updated := job.UpdatedAt
		job.mu.Unlock()
		if now.Sub(updated) > s.ttl {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus, phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
}

// finish folds the pipeline result into the job and returns its final
// status. A deduplicated job points at the document that was reused.
func (j *Job) finish(res Result) JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.UpdatedAt = time.Now()
	if res.Error != nil {
		j.Status = StatusFailed
		j.Phase = "failed"
		j.Progress.Errors = append(j.Progress.Errors, res.Error.Error())
		return j.Status
	}
	j.Status = StatusCompleted
	if res.Deduplicated {
		j.Status = StatusDeduplicated
	}
	if res.FileID != "" {
		j.DocID = res.FileID
	}
	j.Phase = "done"
	j.Progress.Percent = 100
	j.Progress.TotalChunks = len(res.Chunks)
	return j.Status
}

// observe folds a pipeline status update into the job.
func (j *Job) observe(u status.Update) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if u.DocumentID != "" {
		j.DocID = u.DocumentID
	}
	j.Progress.Percent = u.ProgressPercent
	j.Phase = u.CurrentOperation
	j.UpdatedAt = time.Now()
}

// takeInput hands the input to a worker and drops the job's reference to
// the file bytes.
func (j *Job) takeInput() Input {
	j.mu.Lock()
	defer j.mu.Unlock()
	in := j.input
	j.input.Data = nil
	return in
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID        string    `json:"job_id"`
	DocID     string    `json:"doc_id"`
	OwnerID   int64     `json:"owner_id"`
	Status    JobStatus `json:"status"`
	Phase     string    `json:"phase"`
	Filename  string    `json:"filename"`
	Title     string    `json:"title"`
	Progress  Progress  `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	errs := make([]string, len(j.Progress.Errors))
	copy(errs, j.Progress.Errors)
	return JobSnapshot{
		ID:       j.ID,
		DocID:    j.DocID,
		OwnerID:  j.OwnerID,
		Status:   j.Status,
		Phase:    j.Phase,
		Filename: j.Filename,
		Title:    j.Title,
		Progress: Progress{
			Percent:     j.Progress.Percent,
			TotalChunks: j.Progress.TotalChunks,
			Errors:      errs,
		},
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// ContentHashHex is the lowercase hex SHA-256 of data. Deduplication
// compares it within one owner.
func ContentHashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
