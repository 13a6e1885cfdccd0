// Package server provides the HTTP surface of the page renderer.
//
// This package handles all HTTP concerns:
//
//   - Pages: every unclaimed path is handed to a [PageRenderer]; paths under
//     "/html-partial" are rendered as fragments
//   - Health: JSON snapshot at "/api/health" and Server-Sent Events at
//     "/api/health/sse"
//   - Metrics: Prometheus exposition at "/metrics"
//   - Static assets: the embedded client runtime under "/_/static/"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
