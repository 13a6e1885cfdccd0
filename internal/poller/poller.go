package poller

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/modules"
)

// DefaultInterval is the time between polls.
const DefaultInterval = 30 * time.Second

// MaxContentMapSize caps a polled content map body.
const MaxContentMapSize = 8 << 20

// ErrUnexpectedStatus is returned for any non-200 response.
var ErrUnexpectedStatus = errors.New("unexpected content map status")

// Result is the outcome of one poll.
type Result struct {
	URL        string
	StatusCode int
	Latency    time.Duration
	CheckedAt  time.Time

	// Changed is true when the poll installed a new content map.
	Changed bool

	// Modules is the number of modules in the served map after the poll.
	Modules int

	Err error
}

// Option configures a [Poller].
type Option func(*Poller)

// WithInterval sets the time between polls. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithOnChange registers fn to run after a new map is installed. Panics in
// fn are recovered and logged.
func WithOnChange(fn func(*modules.ContentMap)) Option {
	return func(p *Poller) {
		if fn != nil {
			p.onChange = append(p.onChange, fn)
		}
	}
}

// WithHeaders adds headers sent with every poll.
func WithHeaders(headers map[string]string) Option {
	return func(p *Poller) {
		for k, v := range headers {
			p.headers[k] = v
		}
	}
}

// Poller fetches a content map on an interval and installs every new
// revision into a [modules.StaticSource].
//
// Start and Stop are idempotent and safe for concurrent use.
type Poller struct {
	url      string
	fetcher  fetch.Fetcher
	source   *modules.StaticSource
	interval time.Duration
	headers  map[string]string
	logger   *slog.Logger
	onChange []func(*modules.ContentMap)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	lastHash [sha256.Size]byte

	pollMu sync.Mutex
}

// New creates a Poller that fetches url with fetcher and installs the result
// into source.
func New(url string, fetcher fetch.Fetcher, source *modules.StaticSource, opts ...Option) *Poller {
	p := &Poller{
		url:      url,
		fetcher:  fetcher,
		source:   source,
		interval: DefaultInterval,
		headers:  map[string]string{"Accept": "application/json"},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the time between polls.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Start polls once immediately, then on every interval until Stop is called
// or ctx is cancelled.
//
// If ctx is nil, context.Background() is used as the parent context.
// If Stop was called before Start, Start is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	pollCtx := p.ctx // capture under lock to avoid race
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		p.Poll(pollCtx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				p.Poll(pollCtx)
			}
		}
	}()
}

// Stop halts polling and waits for an in-flight poll to finish. Calling Stop
// before Start is a safe no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		if p.cancel != nil {
			p.cancel()
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Poll fetches the content map once. Polls never overlap.
func (p *Poller) Poll(ctx context.Context) Result {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	res := p.poll(ctx)
	if cm := p.source.Current(); cm != nil {
		res.Modules = len(cm.Names())
	}

	attrs := []any{
		"url", res.URL,
		"status_code", res.StatusCode,
		"latency_ms", res.Latency.Milliseconds(),
		"changed", res.Changed,
		"module_count", res.Modules,
	}
	if res.Err != nil {
		p.logger.Warn("content map poll failed", append(attrs, "error", res.Err.Error())...)
	} else {
		p.logger.Debug("content map poll completed", attrs...)
	}
	return res
}

func (p *Poller) poll(ctx context.Context) Result {
	resp, err := p.fetcher.Fetch(ctx, fetch.Request{
		Method:      http.MethodGet,
		URL:         p.url,
		Headers:     p.headers,
		MaxBodySize: MaxContentMapSize,
	})
	res := Result{
		URL:        p.url,
		StatusCode: resp.StatusCode,
		Latency:    resp.Latency,
		CheckedAt:  time.Now(),
	}
	if err != nil {
		res.Err = err
		return res
	}
	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		return res
	}

	hash := sha256.Sum256(resp.Body)
	p.mu.Lock()
	unchanged := hash == p.lastHash && p.source.Current() != nil
	p.mu.Unlock()
	if unchanged {
		return res
	}

	cm, err := modules.ParseContentMap(resp.Body)
	if err != nil {
		res.Err = err
		return res
	}

	p.source.Update(cm)
	p.mu.Lock()
	p.lastHash = hash
	p.mu.Unlock()
	res.Changed = true

	for _, fn := range p.onChange {
		p.notifySafe(fn, cm)
	}
	return res
}

// notifySafe calls fn with panic recovery. The stack is logged with a
// correlation ID.
func (p *Poller) notifySafe(fn func(*modules.ContentMap), cm *modules.ContentMap) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("content map listener panic",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(cm)
}
