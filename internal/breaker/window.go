package breaker

import "time"

// rollingWindow counts successes and failures over a sliding span of time,
// divided into fixed-width buckets. It is not safe for concurrent use; the
// breaker guards it with its own lock.
type rollingWindow struct {
	width   time.Duration
	buckets []bucket
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

func newRollingWindow(span time.Duration, n int) *rollingWindow {
	width := span / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &rollingWindow{width: width, buckets: make([]bucket, n)}
}

// slot returns the bucket for now, recycling it if it belongs to an older
// rotation.
func (w *rollingWindow) slot(now time.Time) *bucket {
	start := now.Truncate(w.width)
	idx := int((start.UnixNano() / int64(w.width)) % int64(len(w.buckets)))
	b := &w.buckets[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

func (w *rollingWindow) record(now time.Time, success bool) {
	b := w.slot(now)
	if success {
		b.successes++
	} else {
		b.failures++
	}
}

// totals sums every bucket still inside the window.
func (w *rollingWindow) totals(now time.Time) (successes, failures int) {
	oldest := now.Truncate(w.width).Add(-w.width * time.Duration(len(w.buckets)-1))
	for _, b := range w.buckets {
		if b.start.IsZero() || b.start.Before(oldest) {
			continue
		}
		successes += b.successes
		failures += b.failures
	}
	return successes, failures
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
