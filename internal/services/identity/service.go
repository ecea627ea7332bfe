package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/audit"
	"kryptera/internal/crypto"
	"kryptera/internal/domain"
)

// Service manages identity key creation and access using a backing store.
//
// The identity contains:
//   - X25519 key pair for Diffie-Hellman (X3DH and Double Ratchet).
//   - Ed25519 key pair for signing (for example, signing the Signed Pre-Key).
//   - A random registration id marking this install of the device.
type Service struct {
	log   *logging.Logger
	store domain.IdentityStore
	sink  domain.AuditSink
	inval domain.SessionCacheInvalidator

	mu     sync.Mutex
	cached *domain.Identity
}

// New returns an identity service backed by the given store. The invalidator
// may be nil when no session cache exists (tests, one-shot tools).
func New(
	store domain.IdentityStore,
	sink domain.AuditSink,
	inval domain.SessionCacheInvalidator,
	log *logging.Logger,
) *Service {
	return &Service{log: log, store: store, sink: sink, inval: inval}
}

// Generate creates a new identity and persists it.
//
// Steps:
//  1. Refuse if an identity already exists; generation is never implicit and
//     overwriting would orphan every established session.
//  2. Generate the Diffie-Hellman and signing key pairs and a random
//     registration id.
//  3. Persist through the identity store and cache in memory.
func (s *Service) Generate(ctx context.Context) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.store.LoadIdentity(ctx); err != nil {
		return domain.Identity{}, err
	} else if ok {
		return domain.Identity{}, fmt.Errorf("identity: already initialised; use Restore to replace it")
	}

	// Generate Diffie-Hellman keypair for X3DH.
	identityDiffieHellmanPrivateKey, identityDiffieHellmanPublicKey, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	// Generate signing keypair.
	identitySigningPrivateKey, identitySigningPublicKey, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	registrationID, err := newRegistrationID()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}

	id := domain.Identity{
		XPub:           identityDiffieHellmanPublicKey,
		XPriv:          identityDiffieHellmanPrivateKey,
		EdPub:          identitySigningPublicKey,
		EdPriv:         identitySigningPrivateKey,
		RegistrationID: registrationID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveIdentity(ctx, id); err != nil {
		return domain.Identity{}, err
	}
	s.cached = &id

	fingerprint := crypto.Fingerprint(id.XPub.Slice())
	s.log.Noticef("generated device identity %s", fingerprint)
	s.sink.LogEvent(audit.EventIdentityGenerated, "new device identity", map[string]string{
		"fingerprint":     fingerprint,
		"registration_id": fmt.Sprintf("%d", id.RegistrationID),
	})
	return id, nil
}

// Identity returns the local identity, or ok=false when none has been
// generated. It never generates one implicitly.
func (s *Service) Identity(ctx context.Context) (domain.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, true, nil
	}
	id, ok, err := s.store.LoadIdentity(ctx)
	if err != nil || !ok {
		return domain.Identity{}, false, err
	}
	s.cached = &id
	return id, true, nil
}

// Restore overwrites the stored identity with one recovered from a backup.
//
// Steps:
//  1. Check the pairs are internally consistent (each public key really
//     belongs to its private half) so a corrupt backup cannot brick the store.
//  2. Persist and cache the restored identity.
//  3. Invalidate the in-memory session cache: shared secrets derived from the
//     previous identity no longer match what peers hold.
func (s *Service) Restore(ctx context.Context, id domain.Identity) error {
	if err := validate(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveIdentity(ctx, id); err != nil {
		return err
	}
	s.cached = &id
	if s.inval != nil {
		s.inval.InvalidateSessionCache()
	}

	fingerprint := crypto.Fingerprint(id.XPub.Slice())
	s.log.Noticef("restored device identity %s, session cache invalidated", fingerprint)
	s.sink.LogEvent(audit.EventIdentityRestored, "device identity restored from backup", map[string]string{
		"fingerprint": fingerprint,
	})
	return nil
}

// Fingerprint returns a short fingerprint of the local X25519 public key for
// out-of-band comparison.
func (s *Service) Fingerprint(ctx context.Context) (string, error) {
	id, ok, err := s.Identity(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("identity: not initialised")
	}
	return crypto.Fingerprint(id.XPub.Slice()), nil
}

// validate rejects identities whose halves do not belong together.
func validate(id domain.Identity) error {
	pub, err := crypto.PublicOf(id.XPriv)
	if err != nil || pub != id.XPub {
		return fmt.Errorf("identity: X25519 key pair mismatch")
	}
	// ed25519 private keys embed the public key in their upper half.
	if !bytes.Equal(id.EdPriv[32:], id.EdPub.Slice()) {
		return fmt.Errorf("identity: Ed25519 key pair mismatch")
	}
	if id.RegistrationID == 0 {
		return fmt.Errorf("identity: missing registration id")
	}
	return nil
}

// newRegistrationID draws a random non-zero id.
func newRegistrationID() (uint32, error) {
	var raw [4]byte
	for {
		if _, err := rand.Read(raw[:]); err != nil {
			return 0, err
		}
		if id := binary.BigEndian.Uint32(raw[:]); id != 0 {
			return id, nil
		}
	}
}
