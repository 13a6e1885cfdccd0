// Package fetch provides the outbound HTTP client modules use to load their
// own data during composition.
//
// Every call has a timeout: the client default, or a per-call override. The
// real request races a timer; if the timer wins, the call fails with a
// [*TimeoutError] that callers can detect with errors.Is(err, [ErrTimeout]).
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxBodySize caps a response body unless the call sets its own limit.
const DefaultMaxBodySize = 1 << 20 // 1MB

// DefaultTimeout applies when neither the client nor the call sets one.
const DefaultTimeout = 5 * time.Second

// connection pooling limits to keep many concurrent module calls from
// exhausting sockets
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// ErrTimeout is matched by every [*TimeoutError].
var ErrTimeout = errors.New("fetch timed out")

// ErrResponseTooLarge is returned when a body exceeds the call's size limit.
var ErrResponseTooLarge = errors.New("response body too large")

// TimeoutError reports that the timer beat the request.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch %s: timed out after %s", e.URL, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Request describes one outbound call.
type Request struct {
	// Method defaults to GET.
	Method string

	URL     string
	Headers map[string]string
	Body    []byte

	// Timeout overrides the client default for this call when positive.
	Timeout time.Duration

	// MaxBodySize overrides [DefaultMaxBodySize] when positive.
	MaxBodySize int64
}

// Response holds the result of a completed call.
type Response struct {
	// Body contains the response body, limited to 1MB by default.
	Body []byte

	StatusCode int
	Header     http.Header

	// Latency is the total time taken for the request.
	Latency time.Duration
}

// Fetcher is the contract modules and loaders depend on.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Client is the default [Fetcher].
//
// Client applies timeouts per call rather than on the underlying
// http.Client, so different call sites can use different limits.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a [Client] with the given default timeout. A non-positive
// timeout uses [DefaultTimeout].
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			// no client-wide timeout; each call races its own timer
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
		timeout: timeout,
	}
}

// Timeout returns the client's default per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

type result struct {
	resp Response
	err  error
}

// Fetch performs req, racing it against the effective timeout.
//
// A non-2xx status is not an error; callers inspect StatusCode. When the
// timer wins, the in-flight request is cancelled and a [*TimeoutError] is
// returned. Cancellation of ctx itself is returned as ctx.Err().
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		resp, err := c.do(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timer.C:
		cancel()
		return Response{}, &TimeoutError{URL: req.URL, Timeout: timeout}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := int64(DefaultMaxBodySize)
	if req.MaxBodySize > 0 {
		limit = req.MaxBodySize
	}
	// one byte past the limit tells a full body from an oversized one
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return Response{}, fmt.Errorf("%s: %w (limit %d bytes)", req.URL, ErrResponseTooLarge, limit)
	}

	return Response{
		Body:       data,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Latency:    time.Since(start),
	}, nil
}

// Close closes idle connections. Safe to call multiple times and on a nil
// client; the client stays usable afterwards.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
