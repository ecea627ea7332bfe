// Package main runs the in-memory directory used by Kryptera during
// development and tests. It stores published device bundles and queues
// encrypted envelopes for recipient devices until they fetch them.
//
// HTTP API
//
//	POST /v1/devices
//	    Store a device bundle (identity and signing keys, signed prekey +
//	    signature, one-time prekeys, rotating key).
//
//	GET /v1/users/{user}/devices
//	    Return every published bundle for {user}.
//
//	DELETE /v1/users/{user}/devices/{device}/prekeys/{key}
//	    Mark a one-time prekey consumed so it is never handed out again.
//
//	POST /v1/envelopes
//	    Enqueue an Envelope for its recipient device.
//
//	GET /v1/users/{user}/devices/{device}/envelopes?limit=N
//	    Return up to N queued envelopes, oldest first. If limit is absent or
//	    greater than the queue length, all queued envelopes are returned.
//
//	POST /v1/users/{user}/devices/{device}/envelopes/ack { "count": N }
//	    Drop the first N queued envelopes. If N exceeds the queue length,
//	    the queue is cleared.
//
//	GET /metrics
//	    Prometheus metrics.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Responses are JSON. Non-2xx statuses carry a short error message.
//   - A debug-level access log records method, path, status and duration.
//   - The default listen address is :8222.
//
// The directory is intended for local use or as an untrusted middleman on a
// private network. It never sees plaintext or private keys; it only stores
// ciphertext and public bundles.
package main
