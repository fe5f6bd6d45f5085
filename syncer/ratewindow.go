package syncer

import (
	"context"
	"sync"
	"time"
)

// rateWindow is a strict sliding-window limiter: at most budget
// acquisitions inside any window. The budget+1-th caller blocks until
// the oldest timestamp ages out.
type rateWindow struct {
	mu      sync.Mutex
	budget  int
	window  time.Duration
	stamps  []time.Time
	now     func() time.Time
	onBlock func()
}

func newRateWindow(budget int, window time.Duration) *rateWindow {
	if budget <= 0 {
		budget = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &rateWindow{budget: budget, window: window, now: time.Now}
}

// Wait blocks until a slot is free or ctx is done.
func (w *rateWindow) Wait(ctx context.Context) error {
	blocked := false
	for {
		w.mu.Lock()
		now := w.now()
		idx := 0
		for idx < len(w.stamps) && now.Sub(w.stamps[idx]) >= w.window {
			idx++
		}
		if idx > 0 {
			w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
		}
		if len(w.stamps) < w.budget {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.window - now.Sub(w.stamps[0])
		w.mu.Unlock()

		if !blocked {
			blocked = true
			if w.onBlock != nil {
				w.onBlock()
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InWindow reports how many acquisitions currently count against the
// budget.
func (w *rateWindow) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	count := 0
	for _, s := range w.stamps {
		if now.Sub(s) < w.window {
			count++
		}
	}
	return count
}
