package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/audit"
	"kryptera/internal/cache"
	"kryptera/internal/domain"
	"kryptera/internal/protocol/ratchet"
	"kryptera/internal/services/session"
	"kryptera/internal/util/memzero"
)

// Defaults bounding ratchet state growth.
const (
	DefaultMaxSkip         = ratchet.DefaultMaxSkip
	DefaultSkippedCapacity = 2000
	DefaultSkippedTTL      = 7 * 24 * time.Hour
	DefaultSessionTTL      = 7 * 24 * time.Hour
)

// Config bounds skipped-key retention and session lifetime.
type Config struct {
	// MaxSkip is the most messages a single header may skip over.
	MaxSkip uint32
	// SkippedCapacity and SkippedTTL bound the per-session skipped-key map.
	SkippedCapacity int
	SkippedTTL      time.Duration
	// SessionTTL is how long an idle session survives before Tick expires it.
	SessionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSkip == 0 {
		c.MaxSkip = DefaultMaxSkip
	}
	if c.SkippedCapacity <= 0 {
		c.SkippedCapacity = DefaultSkippedCapacity
	}
	if c.SkippedTTL <= 0 {
		c.SkippedTTL = DefaultSkippedTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	return c
}

// Engine encrypts and decrypts over established sessions.
//
// Every operation:
//   - Takes the per-session lock, so one session is strictly serialized
//     while distinct sessions proceed in parallel.
//   - Mutates the ratchet state and persists the session before returning
//     (a crash never rewinds a chain past material already on the wire).
//   - Prunes the skipped-key map to its capacity and TTL bounds.
type Engine struct {
	log  *logging.Logger
	est  *session.Establisher
	sink domain.AuditSink
	cfg  Config
}

// New returns an engine over the establisher's sessions.
func New(cfg Config, est *session.Establisher, sink domain.AuditSink, log *logging.Logger) *Engine {
	return &Engine{log: log, est: est, sink: sink, cfg: cfg.withDefaults()}
}

// Encrypt advances the sending chain and seals plaintext for the session's
// peer device. While the handshake is unconfirmed the result carries the
// PreKeyMessage echo so the peer can establish on first contact.
func (e *Engine) Encrypt(ctx context.Context, id domain.SessionID, plaintext []byte) (domain.EncryptedMessage, error) {
	unlock := e.est.Lock(id)
	defer unlock()

	s, ok, err := e.est.Session(ctx, id)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	if !ok {
		return domain.EncryptedMessage{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	header, ciphertext, mac, err := ratchet.Encrypt(s, s.AD, plaintext)
	if err != nil {
		return domain.EncryptedMessage{}, err
	}
	msg := domain.EncryptedMessage{Header: header, Ciphertext: ciphertext, MAC: mac}
	if s.Pending != nil {
		echo := *s.Pending
		msg.PreKey = &echo
	}

	now := time.Now().UTC()
	s.LastActivity = now
	e.pruneSkipped(s, now)
	if err := e.est.Save(ctx, s); err != nil {
		// Without the advanced state on disk the message must not go out:
		// a crash would reuse the chain position.
		return domain.EncryptedMessage{}, err
	}
	e.log.Debugf("session %s: encrypted message %d", id, s.MessagesSent)
	return msg, nil
}

// Decrypt opens an inbound message on an established session. Authentication
// failures surface as a security event and leave the session untouched; a
// verified message clears the handshake echo, since the peer provably holds
// the session.
func (e *Engine) Decrypt(ctx context.Context, id domain.SessionID, msg domain.EncryptedMessage) ([]byte, error) {
	unlock := e.est.Lock(id)
	defer unlock()

	s, ok, err := e.est.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	plaintext, err := ratchet.Decrypt(s, s.AD, msg.Header, msg.Ciphertext, msg.MAC, e.cfg.MaxSkip)
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationFailed) {
			e.log.Warningf("session %s: rejected inbound message: %v", id, err)
			e.sink.LogEvent(audit.EventAuthFailure, "inbound message rejected", map[string]string{
				"session": id.String(),
				"reason":  err.Error(),
			})
		}
		return nil, err
	}

	s.Pending = nil
	now := time.Now().UTC()
	s.LastActivity = now
	e.pruneSkipped(s, now)
	if err := e.est.Save(ctx, s); err != nil {
		memzero.Zero(plaintext)
		return nil, err
	}
	e.log.Debugf("session %s: decrypted message %d", id, s.MessagesReceived)
	return plaintext, nil
}

// Tick is the explicit cleanup entry point: it evicts idle cache entries and
// expires sessions whose inactivity exceeds the retention window. The app
// worker drives it hourly; tests call it directly.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.est.Prune(now)

	removed, err := e.est.Expire(ctx, now.Add(-e.cfg.SessionTTL))
	if err != nil {
		e.log.Errorf("session expiry failed: %v", err)
		return
	}
	if removed > 0 {
		e.log.Noticef("expired %d idle sessions", removed)
		e.sink.LogEvent(audit.EventSessionExpired, "idle sessions expired", map[string]string{
			"count": fmt.Sprintf("%d", removed),
		})
	}
}

// pruneSkipped bounds the skipped-key map, wiping evicted keys. Holders of
// evicted entries can no longer decrypt the messages they were kept for.
func (e *Engine) pruneSkipped(s *domain.Session, now time.Time) {
	evicted := cache.PruneMap(s.Skipped,
		func(sk domain.SkippedKey) time.Time { return sk.SeenAt },
		cache.Policy{Capacity: e.cfg.SkippedCapacity, TTL: e.cfg.SkippedTTL},
		now,
		func(_ string, sk domain.SkippedKey) { memzero.Zero(sk.Key) },
	)
	if len(evicted) > 0 {
		e.log.Debugf("session %s: evicted %d skipped keys", s.ID, len(evicted))
	}
}
