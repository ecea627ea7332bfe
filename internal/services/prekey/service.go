package prekey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/audit"
	"kryptera/internal/crypto"
	"kryptera/internal/domain"
)

// DefaultOneTimeTarget is the pool size Replenish tops one-time prekeys up to
// when the config leaves it unset.
const DefaultOneTimeTarget = 20

var errNoSignedPreKey = errors.New("prekey: no signed prekey available")

// Config identifies the local device in published bundles.
type Config struct {
	UserID     string
	DeviceID   string
	DeviceName string

	// OneTimeTarget is how many unused one-time prekeys Replenish keeps in
	// the pool. Zero means DefaultOneTimeTarget.
	OneTimeTarget int
}

// Service manages prekey pairs and builds the public device bundle.
//
// It owns:
//   - The signed prekey: one current pair, Ed25519-signed by the identity,
//     replaced by RotateSignedPreKey and kept so in-flight handshakes that
//     reference an older id still complete.
//   - The one-time prekey pool, replenished to a fixed target.
//   - Bundle assembly and publication to the directory.
type Service struct {
	log  *logging.Logger
	ids  domain.IdentityStore
	pks  domain.PreKeyStore
	rks  domain.RotatingKeyStore
	dir  domain.Directory
	sink domain.AuditSink
	cfg  Config
}

// New returns a prekey service over the given stores and directory.
func New(
	cfg Config,
	ids domain.IdentityStore,
	pks domain.PreKeyStore,
	rks domain.RotatingKeyStore,
	dir domain.Directory,
	sink domain.AuditSink,
	log *logging.Logger,
) *Service {
	if cfg.OneTimeTarget <= 0 {
		cfg.OneTimeTarget = DefaultOneTimeTarget
	}
	return &Service{log: log, ids: ids, pks: pks, rks: rks, dir: dir, sink: sink, cfg: cfg}
}

// RotateSignedPreKey generates a fresh signed prekey pair, signs its public
// half with the identity signing key, persists it and marks it current.
// Previous signed prekeys stay loadable for handshakes already in flight.
func (s *Service) RotateSignedPreKey(ctx context.Context) (domain.SignedPreKeyPair, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return domain.SignedPreKeyPair{}, err
	}

	signedPreKeyPrivate, signedPreKeyPublic, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyPair{}, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	pair := domain.SignedPreKeyPair{
		ID:        "spk-" + uuid.NewString(),
		Priv:      signedPreKeyPrivate,
		Pub:       signedPreKeyPublic,
		Sig:       crypto.SignEd25519(id.EdPriv, signedPreKeyPublic.Slice()),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.pks.SaveSignedPreKey(ctx, pair); err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	if err := s.pks.SetCurrentSignedPreKeyID(ctx, pair.ID); err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	s.log.Noticef("signed prekey rotated to %s", pair.ID)
	return pair, nil
}

// Replenish tops the one-time prekey pool back up to the configured target
// and reports how many pairs were added.
func (s *Service) Replenish(ctx context.Context) (int, error) {
	existing, err := s.pks.ListOneTimePreKeys(ctx)
	if err != nil {
		return 0, err
	}
	missing := s.cfg.OneTimeTarget - len(existing)
	if missing <= 0 {
		return 0, nil
	}

	pairs := make([]domain.OneTimePreKeyPair, 0, missing)
	for i := 0; i < missing; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
		}
		pairs = append(pairs, domain.OneTimePreKeyPair{
			ID:   "opk-" + uuid.NewString(),
			Priv: priv,
			Pub:  pub,
		})
	}
	if err := s.pks.SaveOneTimePreKeys(ctx, pairs); err != nil {
		return 0, err
	}
	s.sink.LogEvent(audit.EventPreKeysReplenished, "one-time prekey pool replenished", map[string]string{
		"added": fmt.Sprintf("%d", missing),
		"pool":  fmt.Sprintf("%d", len(existing)+missing),
	})
	return missing, nil
}

// DeviceRecord assembles the public bundle for this device from the current
// signed prekey, the one-time pool and the active rotating key (if any).
func (s *Service) DeviceRecord(ctx context.Context) (domain.DeviceRecord, error) {
	id, err := s.identity(ctx)
	if err != nil {
		return domain.DeviceRecord{}, err
	}

	spkID, ok, err := s.pks.CurrentSignedPreKeyID(ctx)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if !ok {
		return domain.DeviceRecord{}, errNoSignedPreKey
	}
	pair, found, err := s.pks.LoadSignedPreKey(ctx, spkID)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if !found {
		return domain.DeviceRecord{}, errNoSignedPreKey
	}

	oneTime, err := s.pks.ListOneTimePreKeys(ctx)
	if err != nil {
		return domain.DeviceRecord{}, err
	}

	rec := domain.DeviceRecord{
		UserID:         s.cfg.UserID,
		DeviceID:       s.cfg.DeviceID,
		DeviceName:     s.cfg.DeviceName,
		IdentityKey:    id.XPub,
		SigningKey:     id.EdPub,
		SignedPreKey:   pair.Published(),
		OneTimePreKeys: oneTime,
		RegistrationID: id.RegistrationID,
	}
	if active, ok, err := s.rks.ActiveRotatingKey(ctx); err != nil {
		return domain.DeviceRecord{}, err
	} else if ok {
		published := active.Published()
		rec.RotatingKey = &published
	}
	return rec, nil
}

// Provision makes the device publishable: it ensures a current signed prekey
// exists, tops up the one-time pool, and returns the assembled bundle.
func (s *Service) Provision(ctx context.Context) (domain.DeviceRecord, error) {
	if _, ok, err := s.pks.CurrentSignedPreKeyID(ctx); err != nil {
		return domain.DeviceRecord{}, err
	} else if !ok {
		if _, err := s.RotateSignedPreKey(ctx); err != nil {
			return domain.DeviceRecord{}, err
		}
	}
	if _, err := s.Replenish(ctx); err != nil {
		return domain.DeviceRecord{}, err
	}
	return s.DeviceRecord(ctx)
}

// Publish provisions the device and pushes the bundle to the directory.
func (s *Service) Publish(ctx context.Context) (domain.DeviceRecord, error) {
	rec, err := s.Provision(ctx)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if err := s.dir.PublishDeviceBundle(ctx, rec); err != nil {
		return domain.DeviceRecord{}, err
	}
	s.log.Noticef("published bundle for %s/%s (%d one-time prekeys)",
		rec.UserID, rec.DeviceID, len(rec.OneTimePreKeys))
	return rec, nil
}

// PublishRotatingKey publishes the current bundle with the given rotating key
// in place of the stored one. Rotation calls this before committing the new
// key locally, so a failed publish leaves both the directory and the store on
// the previous key.
func (s *Service) PublishRotatingKey(ctx context.Context, key domain.RotatingKey) error {
	rec, err := s.DeviceRecord(ctx)
	if err != nil {
		return err
	}
	published := key.Published()
	rec.RotatingKey = &published
	return s.dir.PublishDeviceBundle(ctx, rec)
}

func (s *Service) identity(ctx context.Context) (domain.Identity, error) {
	id, ok, err := s.ids.LoadIdentity(ctx)
	if err != nil {
		return domain.Identity{}, err
	}
	if !ok {
		return domain.Identity{}, fmt.Errorf("prekey: device identity not initialised")
	}
	return id, nil
}
