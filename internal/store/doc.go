// Package store provides the per-request state container.
//
// A [Factory] is built once at boot from the resolved configuration. For each
// incoming request it creates a fresh [Store] whose tree has four branches:
//
//   - config: deep copy of the client configuration
//   - request: sanitized view of the incoming request
//   - modules: one branch per module, seeded by the root module's builder
//   - moduleLoadStatus: written by the composer, one entry per module
//
// Two stores never share a mutable value, and neither shares one with the
// factory. Modules change their branch only through a [Dispatch] bound to
// their name.
package store
