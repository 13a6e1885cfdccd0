// Package health samples scheduler responsiveness for the composition
// circuit breaker.
//
// The main components are:
//
//   - [Monitor]: runs a lightweight check on a fixed cadence and reports the
//     result to a [Reporter]
//   - [Sample]: the outcome of one check, also published to subscribers
//   - [LagError]: the failure handed to the reporter when lag is too high
//
// The monitor must stay cheap. A check only arms a timer and reads the
// clock; it never performs blocking work of its own, because anything it
// did would distort the very latency it measures.
package health
