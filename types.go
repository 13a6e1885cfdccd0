package oneapp

import (
	"time"

	"github.com/americanexpress/one-app-sub001/internal/breaker"
	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/modules"
	"github.com/americanexpress/one-app-sub001/internal/render"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

type (
	// Request is the sanitized request handed to initial state builders.
	// Credentials are never included; the body only with
	// [WithUseBodyForInitialState].
	Request = store.RequestView

	// Action is dispatched by a module to change its branch of the state.
	Action = store.Action

	// Dispatch sends an action to the dispatching module's reducer.
	Dispatch = store.Dispatch

	// LoadContext is what a module's data hook can reach.
	LoadContext = modules.LoadContext

	// FetchRequest is one outbound call made through [LoadContext].Fetch.
	FetchRequest = fetch.Request

	// FetchResponse is the result of a completed outbound call.
	FetchResponse = fetch.Response

	// RenderingContext shapes the assembled response.
	RenderingContext = store.RenderingContext

	// Style is one stylesheet, identified by the digest of its CSS.
	Style = modules.Style

	// Link is a link element in the document head.
	Link = render.Link

	// Capability is the browser build a response targets.
	Capability = render.Capability

	// CircuitState is the shared circuit breaker's state.
	CircuitState = breaker.State
)

const (
	Modern = render.Modern
	Legacy = render.Legacy
)

// ErrFetchTimeout matches every outbound call that ran out of time.
var ErrFetchTimeout = fetch.ErrTimeout

const (
	CircuitClosed   = breaker.Closed
	CircuitOpen     = breaker.Open
	CircuitHalfOpen = breaker.HalfOpen
)

// CircuitEvent describes one circuit state change.
type CircuitEvent struct {
	From CircuitState
	To   CircuitState
	At   time.Time

	// Err is the last failure the breaker recorded, nil when closing.
	Err error
}
