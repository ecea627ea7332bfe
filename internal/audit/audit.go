// Package audit implements the engine's audit sinks. Sinks are strictly
// one-way: they never block and never surface errors into the operations
// that emit events.
package audit

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/domain"
)

// Event types emitted by the engine.
const (
	EventIdentityGenerated  = "identity_generated"
	EventIdentityRestored   = "identity_restored"
	EventSessionEstablished = "session_established"
	EventSessionReset       = "session_reset"
	EventSessionExpired     = "session_expired"
	EventAuthFailure        = "authentication_failure"
	EventRotationStarted    = "rotation_started"
	EventRotationCompleted  = "rotation_completed"
	EventRotationFailed     = "rotation_failed"
	EventPreKeysReplenished = "prekeys_replenished"
)

// LogSink writes audit events to a module logger. Authentication failures
// and failed rotations log as warnings, everything else as notices.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink returns a sink writing to log.
func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log}
}

// LogEvent implements domain.AuditSink.
func (s *LogSink) LogEvent(eventType, description string, metadata map[string]string) {
	line := fmt.Sprintf("%s: %s%s", eventType, description, formatMeta(metadata))
	switch eventType {
	case EventAuthFailure, EventRotationFailed:
		s.log.Warning(line)
	default:
		s.log.Notice(line)
	}
}

func formatMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(" (")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%s", k, meta[k])
	}
	b.WriteString(")")
	return b.String()
}

// Nop discards all events.
type Nop struct{}

// LogEvent implements domain.AuditSink.
func (Nop) LogEvent(string, string, map[string]string) {}

// Event is one recorded audit event.
type Event struct {
	Type        string
	Description string
	Metadata    map[string]string
}

// Recorder captures events in memory for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// LogEvent implements domain.AuditSink.
func (r *Recorder) LogEvent(eventType, description string, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Description: description, Metadata: metadata})
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var (
	_ domain.AuditSink = (*LogSink)(nil)
	_ domain.AuditSink = Nop{}
	_ domain.AuditSink = (*Recorder)(nil)
)
