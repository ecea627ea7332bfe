// Package domain defines the data model and interfaces shared across kryptera.
// It contains plain types (keys, sessions, device records, wire messages), the
// closed error set, and the contracts implemented by stores and external
// collaborators. No business logic lives here.
package domain
