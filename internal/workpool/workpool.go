// Package workpool runs keyed jobs on a bounded set of goroutines and hands
// back results ordered by key, whatever order the jobs finish in.
package workpool

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of work. Key orders the results.
type Job[K cmp.Ordered, V any] struct {
	Key K
	Run func(ctx context.Context) (V, error)
}

// Result pairs a job's key with its output.
type Result[K cmp.Ordered, V any] struct {
	Key   K
	Value V
}

// Run executes jobs with at most workers in flight. The first failure
// cancels the context passed to the remaining jobs and is returned with the
// failing key attached. A panicking job counts as a failure.
func Run[K cmp.Ordered, V any](ctx context.Context, workers int, jobs []Job[K, V]) ([]Result[K, V], error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result[K, V], len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, job := range jobs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("job %v: panic: %v", job.Key, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := job.Run(gctx)
			if err != nil {
				return fmt.Errorf("job %v: %w", job.Key, err)
			}
			// Each goroutine owns slot i.
			results[i] = Result[K, V]{Key: job.Key, Value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(results, func(a, b Result[K, V]) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return results, nil
}
