package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Submit after Stop.
var ErrQueueClosed = errors.New("ingestion queue is stopped")

// Queue runs ingestions in the background on a fixed set of workers and
// keeps a snapshot of each job for polling.
type Queue struct {
	jobs     *JobStore
	queue    chan *Job
	pipeline *Pipeline
	log      *slog.Logger
	workers  int
	maxSize  int

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue. Call Start before submitting.
func NewQueue(p *Pipeline, workers, maxQueueSize int, jobTTL time.Duration, log *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if maxQueueSize < 1 {
		maxQueueSize = 1
	}
	return &Queue{
		jobs:     NewJobStore(jobTTL),
		queue:    make(chan *Job, maxQueueSize),
		pipeline: p,
		log:      log,
		workers:  workers,
		maxSize:  maxQueueSize,
	}
}

// Start launches worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-q.queue:
					if !ok {
						return
					}
					q.process(workerCtx, job)
				}
			}
		}()
	}

	// Start job store cleanup.
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := q.jobs.Cleanup(); n > 0 {
					q.log.Debug("expired ingestion jobs", "count", n)
				}
			}
		}
	}()
}

func (q *Queue) process(ctx context.Context, job *Job) {
	log := q.log.With("job_id", job.ID, "doc_id", job.DocID, "owner_id", job.OwnerID)
	job.SetStatus(StatusProcessing, "starting")

	res := q.pipeline.run(ctx, job.takeInput(), job.observe)
	switch job.finish(res) {
	case StatusFailed:
		log.Warn("job failed", "error", res.Error)
	case StatusDeduplicated:
		log.Info("job deduplicated", "existing_doc_id", res.FileID)
	default:
		log.Info("job completed", "chunks", len(res.Chunks))
	}
}

// Stop cancels in-flight work and waits for workers to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	close(q.queue)
	q.mu.Unlock()
	q.wg.Wait()
}

// Submit queues a job for processing.
func (q *Queue) Submit(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.jobs.Put(job)
	select {
	case q.queue <- job:
		return nil
	default:
		job.SetStatus(StatusFailed, "queue_full")
		return fmt.Errorf("job queue is full (%d)", q.maxSize)
	}
}

// GetJob returns a job by ID.
func (q *Queue) GetJob(id string) *Job {
	return q.jobs.Get(id)
}

// QueueDepth returns current queue depth.
func (q *Queue) QueueDepth() int {
	return len(q.queue)
}
