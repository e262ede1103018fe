// Package callstats keeps rolling latency and failure figures for calls to
// remote collaborators: the field-extraction model and the stage agents.
package callstats

import (
	"slices"
	"sync"
	"time"
)

type call struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// Snapshot aggregates the calls still inside the window.
type Snapshot struct {
	Count     int     `json:"count"`
	Failures  int     `json:"failures"`
	ErrorRate float64 `json:"error_rate"`
	MinMs     int64   `json:"min_ms"`
	MaxMs     int64   `json:"max_ms"`
	AvgMs     float64 `json:"avg_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
}

// Window holds calls younger than its max age. A nil *Window ignores
// records and reports an empty snapshot.
type Window struct {
	mu     sync.Mutex
	calls  []call
	maxAge time.Duration
	now    func() time.Time
}

func NewWindow(maxAge time.Duration) *Window {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Window{
		calls:  make([]call, 0, 256),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Record adds one finished call. A non-nil err marks it failed.
func (w *Window) Record(latency time.Duration, err error) {
	if w == nil {
		return
	}
	latency = max(latency, 0)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.expireLocked(now)
	w.calls = append(w.calls, call{at: now, latency: latency, failed: err != nil})
}

// Since records the call that started at start.
func (w *Window) Since(start time.Time, err error) {
	w.Record(time.Since(start), err)
}

func (w *Window) Snapshot() Snapshot {
	if w == nil {
		return Snapshot{}
	}
	w.mu.Lock()
	w.expireLocked(w.now())
	ms := make([]int64, len(w.calls))
	failures := 0
	for i, c := range w.calls {
		ms[i] = c.latency.Milliseconds()
		if c.failed {
			failures++
		}
	}
	w.mu.Unlock()

	if len(ms) == 0 {
		return Snapshot{}
	}
	slices.Sort(ms)
	var sum int64
	for _, v := range ms {
		sum += v
	}
	n := float64(len(ms))
	return Snapshot{
		Count:     len(ms),
		Failures:  failures,
		ErrorRate: float64(failures) / n,
		MinMs:     ms[0],
		MaxMs:     ms[len(ms)-1],
		AvgMs:     float64(sum) / n,
		P50Ms:     quantile(ms, 0.50),
		P95Ms:     quantile(ms, 0.95),
		P99Ms:     quantile(ms, 0.99),
	}
}

// expireLocked drops calls older than maxAge. Calls arrive in time order.
func (w *Window) expireLocked(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(w.calls) && w.calls[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = slices.Delete(w.calls, 0, i)
	}
}

// quantile interpolates linearly between the two nearest ranks of sorted.
func quantile(sorted []int64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return float64(sorted[len(sorted)-1])
	}
	frac := pos - float64(lo)
	return float64(sorted[lo]) + frac*float64(sorted[lo+1]-sorted[lo])
}

// Set is a named group of windows sharing one max age.
type Set struct {
	mu      sync.Mutex
	maxAge  time.Duration
	windows map[string]*Window
}

func NewSet(maxAge time.Duration) *Set {
	return &Set{maxAge: maxAge, windows: make(map[string]*Window)}
}

// For returns the window for name, creating it on first use.
func (s *Set) For(name string) *Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[name]
	if !ok {
		w = NewWindow(s.maxAge)
		s.windows[name] = w
	}
	return w
}

// Snapshot reports every window by name.
func (s *Set) Snapshot() map[string]Snapshot {
	s.mu.Lock()
	names := make(map[string]*Window, len(s.windows))
	for k, v := range s.windows {
		names[k] = v
	}
	s.mu.Unlock()

	out := make(map[string]Snapshot, len(names))
	for k, w := range names {
		out[k] = w.Snapshot()
	}
	return out
}
