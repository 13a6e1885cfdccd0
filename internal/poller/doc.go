// Package poller keeps the content map current by fetching it from a URL on
// a fixed interval.
//
// The main components are:
//
//   - [Poller]: periodic fetch loop with Start/Stop lifecycle
//   - [Result]: outcome of a single poll
//
// A poll that fails (transport error, non-200 status, invalid document)
// leaves the previously served map in place.
package poller
