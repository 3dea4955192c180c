// Package vm executes LWBC modules.
//
// This package contains:
//   - Runtime: per-module state (statics, resources, host imports)
//   - a per-call interpreter over encoded chunks, with finally and catch
//     handler dispatch
//   - Lazy, the once-cell used for decoded plaintext
//   - Array, whose reference elements are published atomically
//   - the host library backing every import a module may declare
//
// A Runtime is safe for concurrent use. Each Call runs on its own
// interpreter frames; shared state lives in statics and arrays, whose
// reference stores are atomic.
package vm
