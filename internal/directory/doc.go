// Package directory talks to the device directory: the service peers publish
// their device bundles to and fetch others' bundles from, plus the
// store-and-forward envelope queue the CLI demo rides on.
//
// Three implementations share the wire types in internal/domain:
//   - Client, JSON over HTTP against a directoryd (or compatible) server.
//   - Memory, an in-process directory for tests and the dev server.
//   - Server, the directoryd HTTP surface over a Memory, with access
//     logging and Prometheus metrics.
//
// All requests carry a context for cancellation and deadlines. Non-2xx
// statuses come back as errors naming the method, path and status text.
package directory
