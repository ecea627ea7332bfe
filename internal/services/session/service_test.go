package session_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/audit"
	"kryptera/internal/directory"
	"kryptera/internal/domain"
	"kryptera/internal/log"
	"kryptera/internal/services/identity"
	"kryptera/internal/services/prekey"
	"kryptera/internal/services/session"
	"kryptera/internal/store"
)

// endpoint is one user device with its own encrypted store and establisher,
// wired against a shared in-memory directory.
type endpoint struct {
	user, device string
	keys         *store.KeyStore
	est          *session.Establisher
	rec          *audit.Recorder
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	backend, err := log.New("", "ERROR", true)
	if err != nil {
		t.Fatalf("log backend: %v", err)
	}
	return backend.GetLogger("test")
}

func newEndpoint(t *testing.T, dir *directory.Memory, user, device string) *endpoint {
	t.Helper()
	ctx := context.Background()
	logger := testLogger(t)

	db, err := store.Open(filepath.Join(t.TempDir(), "kryptera.db"), "correct horse battery staple")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	keys := store.NewKeyStore(db)

	rec := &audit.Recorder{}
	ids := identity.New(keys, rec, nil, logger)
	if _, err := ids.Generate(ctx); err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	pks := prekey.New(
		prekey.Config{UserID: user, DeviceID: device, OneTimeTarget: 2},
		keys, keys, keys, dir, rec, logger,
	)
	if _, err := pks.Publish(ctx); err != nil {
		t.Fatalf("publish bundle: %v", err)
	}

	est := session.New(
		session.Config{UserID: user, DeviceID: device},
		keys, keys, store.NewSessionStore(db), dir, rec, logger,
	)
	return &endpoint{user: user, device: device, keys: keys, est: est, rec: rec}
}

func bundleFor(t *testing.T, dir *directory.Memory, user string) domain.DeviceRecord {
	t.Helper()
	recs, err := dir.FetchDeviceBundles(context.Background(), user)
	if err != nil {
		t.Fatalf("fetch bundles for %s: %v", user, err)
	}
	if len(recs) != 1 {
		t.Fatalf("bundles for %s = %d, want 1", user, len(recs))
	}
	return recs[0]
}

func TestBothSidesDeriveSameAssociatedData(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newEndpoint(t, dir, "alice", "phone")
	bob := newEndpoint(t, dir, "bob", "laptop")

	aliceSession, err := alice.est.Initiate(ctx, "bob", bundleFor(t, dir, "bob"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if aliceSession.Pending == nil {
		t.Fatal("initiated session carries no handshake echo")
	}
	if aliceSession.Pending.OneTimePreKeyID == "" {
		t.Fatal("handshake consumed no one-time prekey despite an available pool")
	}

	bobSession, err := bob.est.Accept(ctx, "alice", "phone",
		*aliceSession.Pending, aliceSession.SendRatchet.Pub)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if len(aliceSession.AD) != 64 {
		t.Fatalf("associated data length = %d, want 64", len(aliceSession.AD))
	}
	if !bytes.Equal(aliceSession.AD, bobSession.AD) {
		t.Fatal("initiator and responder derived different associated data")
	}

	// Initiator identity leads, responder identity follows.
	aliceID, _, err := alice.keys.LoadIdentity(ctx)
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if !bytes.Equal(aliceSession.AD[:32], aliceID.XPub.Slice()) {
		t.Fatal("associated data does not start with the initiator identity key")
	}
}

func TestInitiateRejectsTamperedBundle(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newEndpoint(t, dir, "alice", "phone")
	newEndpoint(t, dir, "bob", "laptop")

	rec := bundleFor(t, dir, "bob")
	rec.SignedPreKey.Sig = append([]byte(nil), rec.SignedPreKey.Sig...)
	rec.SignedPreKey.Sig[0] ^= 0x01

	if _, err := alice.est.Initiate(ctx, "bob", rec); !errors.Is(err, domain.ErrPeerBundleInvalid) {
		t.Fatalf("err = %v, want ErrPeerBundleInvalid", err)
	}
	if ids, _ := alice.est.List(ctx); len(ids) != 0 {
		t.Fatalf("rejected handshake left a session behind: %v", ids)
	}
}

func TestInitiateWithExhaustedOneTimePool(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newEndpoint(t, dir, "alice", "phone")
	newEndpoint(t, dir, "bob", "laptop")

	rec := bundleFor(t, dir, "bob")
	rec.OneTimePreKeys = nil

	s, err := alice.est.Initiate(ctx, "bob", rec)
	if err != nil {
		t.Fatalf("initiate without one-time prekeys: %v", err)
	}
	if s.Pending.OneTimePreKeyID != "" {
		t.Fatalf("echo references one-time prekey %q, want none", s.Pending.OneTimePreKeyID)
	}
}

func TestAcceptUnknownSignedPreKey(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newEndpoint(t, dir, "alice", "phone")
	bob := newEndpoint(t, dir, "bob", "laptop")

	aliceSession, err := alice.est.Initiate(ctx, "bob", bundleFor(t, dir, "bob"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	echo := *aliceSession.Pending
	echo.SignedPreKeyID = "spk-unknown"

	if _, err := bob.est.Accept(ctx, "alice", "phone", echo, aliceSession.SendRatchet.Pub); !errors.Is(err, domain.ErrKeyExhausted) {
		t.Fatalf("err = %v, want ErrKeyExhausted", err)
	}
}

func TestDeleteDestroysSession(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newEndpoint(t, dir, "alice", "phone")
	newEndpoint(t, dir, "bob", "laptop")

	s, err := alice.est.Initiate(ctx, "bob", bundleFor(t, dir, "bob"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := alice.est.Delete(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok, err := alice.est.Session(ctx, s.ID); err != nil || ok {
		t.Fatalf("session after delete: ok=%v err=%v", ok, err)
	}
	reset := false
	for _, typ := range alice.rec.Types() {
		if typ == audit.EventSessionReset {
			reset = true
		}
	}
	if !reset {
		t.Fatalf("no session_reset audit event in %v", alice.rec.Types())
	}
}

func TestExpireRemovesIdleSessions(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newEndpoint(t, dir, "alice", "phone")
	newEndpoint(t, dir, "bob", "laptop")

	s, err := alice.est.Initiate(ctx, "bob", bundleFor(t, dir, "bob"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	s.LastActivity = time.Now().UTC().Add(-48 * time.Hour)
	if err := alice.est.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	removed, err := alice.est.Expire(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok, _ := alice.est.Session(ctx, s.ID); ok {
		t.Fatal("expired session still loads")
	}
}

func TestInvalidateSessionCacheKeepsStore(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newEndpoint(t, dir, "alice", "phone")
	newEndpoint(t, dir, "bob", "laptop")

	s, err := alice.est.Initiate(ctx, "bob", bundleFor(t, dir, "bob"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Dropping the cache wipes in-memory copies; persisted state reloads.
	alice.est.InvalidateSessionCache()
	got, ok, err := alice.est.Session(ctx, s.ID)
	if err != nil || !ok {
		t.Fatalf("session after invalidate: ok=%v err=%v", ok, err)
	}
	if len(got.RootKey) == 0 {
		t.Fatal("reloaded session has no root key")
	}
}
