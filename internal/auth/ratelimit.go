package auth

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// failureWindow counts authentication failures per origin over a rolling
// window. A successful authentication resets the origin's counter; a
// non-positive limit disables the window entirely.
type failureWindow struct {
	mu       sync.Mutex
	clk      clock.Clock
	limit    int
	window   time.Duration
	failures map[string][]time.Time
}

func newFailureWindow(clk clock.Clock, limit int, window time.Duration) *failureWindow {
	return &failureWindow{
		clk:      clk,
		limit:    limit,
		window:   window,
		failures: make(map[string][]time.Time),
	}
}

func (w *failureWindow) exceeded(origin string) bool {
	if w.limit <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(origin)) >= w.limit
}

func (w *failureWindow) record(origin string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[origin] = append(w.prune(origin), w.clk.Now())
}

func (w *failureWindow) reset(origin string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.failures, origin)
}

// prune drops entries older than the window; caller holds the lock.
func (w *failureWindow) prune(origin string) []time.Time {
	cutoff := w.clk.Now().Add(-w.window)
	kept := w.failures[origin][:0]
	for _, t := range w.failures[origin] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(w.failures, origin)
		return nil
	}
	w.failures[origin] = kept
	return kept
}

// Sweep removes origins whose failures all aged out; run periodically so
// one-off offenders do not accumulate.
func (w *failureWindow) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for origin := range w.failures {
		w.prune(origin)
	}
}
