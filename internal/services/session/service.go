package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/audit"
	"kryptera/internal/cache"
	"kryptera/internal/domain"
	"kryptera/internal/protocol/ratchet"
	"kryptera/internal/protocol/x3dh"
)

// Cache defaults. Sessions fall out of memory well before they expire on
// disk; a cache miss just reloads from the store.
const (
	DefaultCacheCapacity = 256
	DefaultCacheTTL      = time.Hour
)

// Config identifies the local device and bounds the in-memory cache.
type Config struct {
	UserID   string
	DeviceID string

	CacheCapacity int
	CacheTTL      time.Duration
}

// Establisher performs X3DH establishment and owns live session state.
//
// It handles:
//   - Initiating against a peer's published device bundle.
//   - Accepting an inbound handshake from a PreKeyMessage.
//   - The session cache and the per-session locks (the single lock domain
//     shared with the message engine).
//   - Session teardown with key material zeroed.
type Establisher struct {
	log      *logging.Logger
	ids      domain.IdentityStore
	pks      domain.PreKeyStore
	sessions domain.SessionStore
	dir      domain.Directory
	sink     domain.AuditSink
	cfg      Config

	mu    sync.Mutex
	locks map[domain.SessionID]*sync.Mutex
	cache *cache.Map[domain.SessionID, *domain.Session]
}

// New returns an establisher over the given stores and directory.
func New(
	cfg Config,
	ids domain.IdentityStore,
	pks domain.PreKeyStore,
	sessions domain.SessionStore,
	dir domain.Directory,
	sink domain.AuditSink,
	log *logging.Logger,
) *Establisher {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &Establisher{
		log:      log,
		ids:      ids,
		pks:      pks,
		sessions: sessions,
		dir:      dir,
		sink:     sink,
		cfg:      cfg,
		locks:    make(map[domain.SessionID]*sync.Mutex),
		cache:    cache.New[domain.SessionID, *domain.Session](cache.Policy{Capacity: cfg.CacheCapacity, TTL: cfg.CacheTTL}),
	}
}

// Lock acquires the session's mutex and returns its release. Everything that
// reads or mutates a session's ratchet state does so under this lock;
// distinct sessions proceed in parallel.
func (e *Establisher) Lock(id domain.SessionID) (unlock func()) {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Session returns the cached or stored session for id. The caller must hold
// the session lock before mutating the result.
func (e *Establisher) Session(ctx context.Context, id domain.SessionID) (*domain.Session, bool, error) {
	if s, ok := e.cache.Get(id); ok {
		return s, true, nil
	}
	s, ok, err := e.sessions.LoadSession(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	e.cache.Put(id, s)
	return s, true, nil
}

// Save persists the session and refreshes the cache. Callers hold the
// session lock.
func (e *Establisher) Save(ctx context.Context, s *domain.Session) error {
	if err := e.sessions.SaveSession(ctx, s); err != nil {
		return err
	}
	e.cache.Put(s.ID, s)
	return nil
}

// Initiate opens a session with the peer device described by rec.
//
// Steps:
//  1. Load our identity; establishment never creates one implicitly.
//  2. Run X3DH as initiator (the bundle signature is verified there;
//     ErrPeerBundleInvalid on rejection) and derive the shared root key.
//  3. Seed the sending chain and build the session, including the
//     PreKeyMessage echo the peer needs to mirror the derivation.
//  4. Persist, then report the consumed one-time prekey to the directory so
//     it is never handed out again. The report is best-effort: the session
//     is already committed.
func (e *Establisher) Initiate(ctx context.Context, peerUserID string, rec domain.DeviceRecord) (*domain.Session, error) {
	id, ok, err := e.ids.LoadIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session: device identity not initialised")
	}

	root, spkID, opkID, ephPub, err := x3dh.InitiatorRoot(id, rec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &domain.Session{
		ID:              domain.NewSessionID(peerUserID, rec.DeviceID),
		PeerUserID:      peerUserID,
		PeerDeviceID:    rec.DeviceID,
		PeerIdentityKey: rec.IdentityKey,
		AD:              associatedData(id.XPub, rec.IdentityKey),
		CreatedAt:       now,
		LastActivity:    now,
	}
	if err := ratchet.Initiate(s, root, rec.SignedPreKey.Pub); err != nil {
		return nil, err
	}
	s.Pending = &domain.PreKeyMessage{
		UserID:          e.cfg.UserID,
		DeviceID:        e.cfg.DeviceID,
		IdentityKey:     id.XPub,
		EphemeralKey:    ephPub,
		SignedPreKeyID:  spkID,
		OneTimePreKeyID: opkID,
		RegistrationID:  id.RegistrationID,
	}

	unlock := e.Lock(s.ID)
	defer unlock()
	if prev, ok := e.cache.Get(s.ID); ok {
		prev.Wipe()
	}
	if err := e.Save(ctx, s); err != nil {
		return nil, err
	}

	if opkID != "" {
		if err := e.dir.ConsumeOneTimePreKey(ctx, peerUserID, rec.DeviceID, opkID); err != nil {
			e.log.Warningf("session %s: one-time prekey %s not reported consumed: %v", s.ID, opkID, err)
		}
	}

	e.log.Noticef("initiated session %s", s.ID)
	e.sink.LogEvent(audit.EventSessionEstablished, "session initiated", map[string]string{
		"session": s.ID.String(),
		"role":    "initiator",
	})
	return s, nil
}

// Accept establishes the responder side of a session from an inbound
// handshake.
//
// Steps:
//  1. Load our identity and the private halves of the prekeys the message
//     references. A missing signed or one-time prekey is ErrKeyExhausted:
//     the handshake cannot be mirrored, and a consumed one-time prekey must
//     never be reused (replay).
//  2. Derive the same root key and seed the receiving chain against the
//     sender's first ratchet key.
//  3. Persist and cache.
func (e *Establisher) Accept(
	ctx context.Context,
	peerUserID, peerDeviceID string,
	msg domain.PreKeyMessage,
	senderRatchet domain.X25519Public,
) (*domain.Session, error) {
	id, ok, err := e.ids.LoadIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session: device identity not initialised")
	}

	spkPair, found, err := e.pks.LoadSignedPreKey(ctx, msg.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: signed prekey %q", domain.ErrKeyExhausted, msg.SignedPreKeyID)
	}
	var opkPriv *domain.X25519Private
	if msg.OneTimePreKeyID != "" {
		pair, found, err := e.pks.ConsumeOneTimePreKey(ctx, msg.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: one-time prekey %q", domain.ErrKeyExhausted, msg.OneTimePreKeyID)
		}
		opkPriv = &pair.Priv
	}

	root, err := x3dh.ResponderRoot(id, spkPair.Priv, opkPriv, msg)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &domain.Session{
		ID:              domain.NewSessionID(peerUserID, peerDeviceID),
		PeerUserID:      peerUserID,
		PeerDeviceID:    peerDeviceID,
		PeerIdentityKey: msg.IdentityKey,
		AD:              associatedData(msg.IdentityKey, id.XPub),
		CreatedAt:       now,
		LastActivity:    now,
	}
	if err := ratchet.Respond(s, root, spkPair.Priv, senderRatchet); err != nil {
		return nil, err
	}

	unlock := e.Lock(s.ID)
	defer unlock()
	if prev, ok := e.cache.Get(s.ID); ok {
		prev.Wipe()
	}
	if err := e.Save(ctx, s); err != nil {
		return nil, err
	}

	e.log.Noticef("accepted session %s", s.ID)
	e.sink.LogEvent(audit.EventSessionEstablished, "session accepted", map[string]string{
		"session": s.ID.String(),
		"role":    "responder",
	})
	return s, nil
}

// Delete destroys the session and zeroes its key material.
func (e *Establisher) Delete(ctx context.Context, id domain.SessionID) error {
	unlock := e.Lock(id)
	defer unlock()

	if s, ok := e.cache.Get(id); ok {
		s.Wipe()
		e.cache.Delete(id)
	}
	if err := e.sessions.DeleteSession(ctx, id); err != nil {
		return err
	}
	e.sink.LogEvent(audit.EventSessionReset, "session deleted", map[string]string{
		"session": id.String(),
	})
	return nil
}

// List returns the ids of all persisted sessions.
func (e *Establisher) List(ctx context.Context) ([]domain.SessionID, error) {
	return e.sessions.ListSessionIDs(ctx)
}

// Expire removes sessions idle since before cutoff from the store and the
// cache, and reports how many the store dropped. Cached copies are wiped
// under their session lock; a concurrent operation that refreshed
// LastActivity keeps its session.
func (e *Establisher) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	removed, err := e.sessions.ExpireSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range e.cache.Keys() {
		unlock := e.Lock(id)
		if s, ok := e.cache.Get(id); ok && s.LastActivity.Before(cutoff) {
			s.Wipe()
			e.cache.Delete(id)
		}
		unlock()
	}
	return removed, nil
}

// Prune evicts idle entries from the in-memory cache.
func (e *Establisher) Prune(now time.Time) int {
	return e.cache.Tick(now)
}

// InvalidateSessionCache wipes and drops every cached session. Restoring an
// identity calls this: sessions derived from the old keys are stale.
func (e *Establisher) InvalidateSessionCache() {
	for _, id := range e.cache.Keys() {
		unlock := e.Lock(id)
		if s, ok := e.cache.Get(id); ok {
			s.Wipe()
			e.cache.Delete(id)
		}
		unlock()
	}
	e.cache.Clear()
	e.log.Notice("session cache invalidated")
}

// associatedData binds both identities to every message: initiator identity
// public first, responder second. Both sides derive the same bytes.
func associatedData(initiator, responder domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator.Slice()...)
	ad = append(ad, responder.Slice()...)
	return ad
}

// Compile-time assertion that Establisher provides the cache invalidation
// capability.
var _ domain.SessionCacheInvalidator = (*Establisher)(nil)
