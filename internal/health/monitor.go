package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultEventLoopLagThreshold is the lag, in milliseconds, above which a
	// check fails.
	DefaultEventLoopLagThreshold = 30

	// DefaultCheckInterval is the time between checks.
	DefaultCheckInterval = 100 * time.Millisecond

	subscriberBuffer = 100
)

// Sample is the result of a single health check.
type Sample struct {
	// Lag is how much later than expected the scheduler woke the check up.
	Lag time.Duration `json:"-"`

	// LagMs is Lag in milliseconds, for JSON consumers.
	LagMs float64 `json:"lag_ms"`

	// ThresholdMs is the threshold in force when the check ran.
	ThresholdMs float64 `json:"threshold_ms"`

	// Healthy is false when Lag exceeded the threshold.
	Healthy bool `json:"healthy"`

	// CheckedAt is when the check completed.
	CheckedAt time.Time `json:"checked_at"`
}

// Reporter receives health-check results. The circuit breaker implements it.
type Reporter interface {
	ReportHealth(err error)
}

// LagError is reported when a check observes lag above the threshold.
type LagError struct {
	Lag       time.Duration
	Threshold time.Duration
}

func (e *LagError) Error() string {
	return fmt.Sprintf("scheduler lag %s exceeds threshold %s", e.Lag, e.Threshold)
}

// Monitor samples scheduler responsiveness on a fixed cadence.
//
// Each check arms a timer for the check interval and measures how late it
// fires. A goroutine that is woken late means the runtime is saturated (CPU
// starvation, GC pressure, lock convoys) and composition work should back
// off. Results are reported to a [Reporter]; the monitor itself never opens
// or closes anything.
//
// Start and Stop are idempotent and safe for concurrent use.
type Monitor struct {
	interval  time.Duration
	threshold atomic.Int64 // nanoseconds
	reporter  Reporter
	logger    *slog.Logger

	// wait blocks for d and returns the measured elapsed time. Replaced in tests.
	wait func(d time.Duration) time.Duration
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	last atomic.Pointer[Sample]

	subMu       sync.RWMutex
	subscribers map[chan Sample]struct{}
}

// NewMonitor creates a [Monitor] that reports to reporter.
//
// A non-positive interval uses [DefaultCheckInterval]. The threshold starts at
// [DefaultEventLoopLagThreshold]; change it with
// [Monitor.SetEventLoopLagThreshold].
func NewMonitor(interval time.Duration, reporter Reporter, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		interval:    interval,
		reporter:    reporter,
		logger:      logger,
		wait:        sleepAndMeasure,
		now:         time.Now,
		subscribers: make(map[chan Sample]struct{}),
	}
	m.threshold.Store(int64(DefaultEventLoopLagThreshold * time.Millisecond))
	return m
}

func sleepAndMeasure(d time.Duration) time.Duration {
	start := time.Now()
	timer := time.NewTimer(d)
	<-timer.C
	return time.Since(start)
}

// SetEventLoopLagThreshold sets the lag threshold in milliseconds.
//
// Accepted inputs are positive numbers of any Go numeric kind and strings
// holding a positive number ("55", " 12.5 "). Anything else, including nil,
// zero, negative values, NaN and infinities, resets the threshold to
// [DefaultEventLoopLagThreshold]. It never panics.
func (m *Monitor) SetEventLoopLagThreshold(v any) {
	ms, ok := parseThreshold(v)
	if !ok {
		ms = DefaultEventLoopLagThreshold
	}
	m.threshold.Store(int64(ms * float64(time.Millisecond)))
}

// EventLoopLagThreshold returns the current threshold in milliseconds.
func (m *Monitor) EventLoopLagThreshold() float64 {
	return float64(m.threshold.Load()) / float64(time.Millisecond)
}

// parseThreshold converts v into a positive, finite number of milliseconds.
func parseThreshold(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, false
	}
	return f, true
}

// Check runs a single synchronous health check, reports it and publishes
// the resulting [Sample].
func (m *Monitor) Check() Sample {
	elapsed := m.wait(m.interval)
	lag := elapsed - m.interval
	if lag < 0 {
		lag = 0
	}

	threshold := time.Duration(m.threshold.Load())
	sample := Sample{
		Lag:         lag,
		LagMs:       float64(lag) / float64(time.Millisecond),
		ThresholdMs: float64(threshold) / float64(time.Millisecond),
		Healthy:     lag <= threshold,
		CheckedAt:   m.now(),
	}

	if m.reporter != nil {
		if sample.Healthy {
			m.reporter.ReportHealth(nil)
		} else {
			m.reporter.ReportHealth(&LagError{Lag: lag, Threshold: threshold})
		}
	}

	if !sample.Healthy {
		m.logger.Warn("health check failed",
			"lag_ms", sample.LagMs,
			"threshold_ms", sample.ThresholdMs,
		)
	}

	m.last.Store(&sample)
	m.publish(sample)
	return sample
}

// Last returns the most recent sample, if any check has run.
func (m *Monitor) Last() (Sample, bool) {
	s := m.last.Load()
	if s == nil {
		return Sample{}, false
	}
	return *s, true
}

// Start begins checking in a background goroutine.
//
// Start is non-blocking. Checks run back to back: every check already waits
// one interval, which is what sets the cadence. The loop stops when ctx is
// cancelled or [Monitor.Stop] is called. Start is idempotent; calling it after
// Stop is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	loopCtx := m.ctx // capture under lock
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			if loopCtx.Err() != nil {
				return
			}
			m.Check()
		}
	}()
}

// Stop halts the check loop and waits for the in-flight check to finish.
//
// Stop closes all subscriber channels. It is idempotent and safe to call
// before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		if m.cancel != nil {
			m.cancel()
		}
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.subMu.Lock()
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
	m.subMu.Unlock()
}

// Subscribe returns a channel that receives every sample.
//
// The channel has a buffer of 100 samples; a slow consumer misses samples
// rather than delaying checks. Call [Monitor.Unsubscribe] when done.
func (m *Monitor) Subscribe() <-chan Sample {
	ch := make(chan Sample, subscriberBuffer)
	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times or with an unknown channel.
func (m *Monitor) Unsubscribe(ch <-chan Sample) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// publish is non-blocking: a full subscriber buffer drops the sample.
func (m *Monitor) publish(s Sample) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}
