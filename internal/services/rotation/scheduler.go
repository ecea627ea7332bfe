package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/audit"
	"kryptera/internal/crypto"
	"kryptera/internal/domain"
	"kryptera/internal/util/memzero"
	"kryptera/internal/worker"
)

// Scheduling defaults: monthly keys, hourly checks, a generous retained set.
const (
	DefaultInterval    = 30 * 24 * time.Hour
	DefaultCron        = "0 * * * *"
	DefaultMaxRetained = 5
)

// State is the observable lifecycle position of the rotating key.
type State string

const (
	// StateNoKey means no rotation has ever completed.
	StateNoKey State = "no-key"
	// StateActive means the current key is healthy.
	StateActive State = "active"
	// StateWarning means the current key is inside the warning window
	// before its expiry.
	StateWarning State = "warning"
	// StateExpired means the current key has expired and the next tick
	// rotates.
	StateExpired State = "expired"
)

// BundlePublisher pushes a rotating key's public half to the directory.
// The prekey service implements it by re-publishing the device bundle.
type BundlePublisher interface {
	PublishRotatingKey(ctx context.Context, key domain.RotatingKey) error
}

// Config controls cadence and retention.
type Config struct {
	// Cron is the gronx expression driving scheduler checks.
	Cron string
	// Interval is how long a key stays valid.
	Interval time.Duration
	// WarningWindow is how long before expiry the scheduler starts
	// warning. Zero means a tenth of the interval.
	WarningWindow time.Duration
	// MaxRetained keys are always kept; beyond that a retained key is
	// pruned once it is also older than twice the interval.
	MaxRetained int
}

func (c Config) withDefaults() Config {
	if c.Cron == "" {
		c.Cron = DefaultCron
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.WarningWindow <= 0 {
		c.WarningWindow = c.Interval / 10
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = DefaultMaxRetained
	}
	return c
}

// Scheduler owns the rotating key lifecycle.
//
// It handles:
//   - Generating successors with strictly increasing versions.
//   - Publishing the new public half before the local commit.
//   - Atomic commit of the whole retained set (one store transaction).
//   - Pruning retained keys outside both the count and the age bound.
//   - Sealing to the active key and opening against any retained key.
type Scheduler struct {
	worker.Worker

	log  *logging.Logger
	keys domain.RotatingKeyStore
	pub  BundlePublisher
	sink domain.AuditSink
	cfg  Config
}

// New returns a scheduler; call Run to start the background loop.
func New(
	cfg Config,
	keys domain.RotatingKeyStore,
	pub BundlePublisher,
	sink domain.AuditSink,
	log *logging.Logger,
) *Scheduler {
	return &Scheduler{log: log, keys: keys, pub: pub, sink: sink, cfg: cfg.withDefaults()}
}

// Rotate generates and installs the next rotating key.
//
// Steps:
//  1. Generate the successor with the next version number.
//  2. Publish its public half to the directory. On failure nothing has been
//     committed: the previous key stays active everywhere and the error
//     wraps ErrRotationFailure.
//  3. Commit the new retained set in a single store transaction: successor
//     active, predecessors demoted, prunable keys dropped and wiped.
func (s *Scheduler) Rotate(ctx context.Context) (*domain.RotatingKey, error) {
	now := time.Now().UTC()
	retained, err := s.keys.ListRotatingKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRotationFailure, err)
	}
	version := 1
	if len(retained) > 0 {
		version = retained[0].Version + 1
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRotationFailure, err)
	}
	key := domain.RotatingKey{
		ID:        "rot-" + uuid.NewString(),
		Key:       domain.KeyPair{Pub: pub, Priv: priv},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Interval),
		Version:   version,
		Active:    true,
	}

	s.sink.LogEvent(audit.EventRotationStarted, "rotating key generation", map[string]string{
		"version": fmt.Sprintf("%d", version),
	})
	if err := s.pub.PublishRotatingKey(ctx, key); err != nil {
		s.sink.LogEvent(audit.EventRotationFailed, "rotating key publish rejected", map[string]string{
			"version": fmt.Sprintf("%d", version),
			"reason":  err.Error(),
		})
		return nil, fmt.Errorf("%w: publish: %v", domain.ErrRotationFailure, err)
	}

	next := make([]domain.RotatingKey, 0, len(retained)+1)
	next = append(next, key)
	for _, k := range retained {
		k.Active = false
		next = append(next, k)
	}
	kept := make([]domain.RotatingKey, 0, len(next))
	dropped := 0
	for i, k := range next {
		if i >= s.cfg.MaxRetained && now.Sub(k.CreatedAt) > 2*s.cfg.Interval {
			memzero.Zero(next[i].Key.Priv[:])
			dropped++
			continue
		}
		kept = append(kept, k)
	}

	if err := s.keys.ReplaceRotatingKeys(ctx, kept); err != nil {
		// The directory already advertises the new public half; retrying
		// on the next tick publishes a fresh successor and converges.
		s.sink.LogEvent(audit.EventRotationFailed, "rotating key commit failed", map[string]string{
			"version": fmt.Sprintf("%d", version),
			"reason":  err.Error(),
		})
		return nil, fmt.Errorf("%w: commit: %v", domain.ErrRotationFailure, err)
	}

	s.log.Noticef("rotated to key version %d (%d retained, %d pruned)", version, len(kept), dropped)
	s.sink.LogEvent(audit.EventRotationCompleted, "rotating key installed", map[string]string{
		"version":  fmt.Sprintf("%d", version),
		"retained": fmt.Sprintf("%d", len(kept)),
		"pruned":   fmt.Sprintf("%d", dropped),
	})
	return &key, nil
}

// Seal encrypts plaintext to the active rotating key as an anonymous sealed
// box: only a holder of the private half can open it.
func (s *Scheduler) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	active, ok, err := s.keys.ActiveRotatingKey(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("rotation: no active key; rotate first")
	}
	return crypto.Seal(active.Key.Pub, plaintext)
}

// DecryptWithAnyKey tries every retained key, newest first. A blob sealed
// under a since-pruned key returns (nil, nil): undecryptable, not an error.
func (s *Scheduler) DecryptWithAnyKey(ctx context.Context, blob []byte) ([]byte, error) {
	retained, err := s.keys.ListRotatingKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range retained {
		if plaintext, ok := crypto.Open(k.Key, blob); ok {
			return plaintext, nil
		}
	}
	return nil, nil
}

// State reports the lifecycle position at the given time.
func (s *Scheduler) State(ctx context.Context, now time.Time) (State, error) {
	active, ok, err := s.keys.ActiveRotatingKey(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case !ok:
		return StateNoKey, nil
	case active.Expired(now):
		return StateExpired, nil
	case now.After(active.ExpiresAt.Add(-s.cfg.WarningWindow)):
		return StateWarning, nil
	default:
		return StateActive, nil
	}
}

// Run starts the scheduler loop. Ticks follow the cron expression; each tick
// rotates when no key exists or the active one has expired, and warns inside
// the warning window. Halt stops the loop.
func (s *Scheduler) Run() {
	s.Go(s.loop)
}

func (s *Scheduler) loop() {
	for {
		now := time.Now()
		next, err := gronx.NextTickAfter(s.cfg.Cron, now, false)
		if err != nil {
			s.log.Errorf("rotation schedule %q unusable: %v", s.cfg.Cron, err)
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.HaltCh():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.tick(context.Background(), time.Now().UTC())
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	active, ok, err := s.keys.ActiveRotatingKey(ctx)
	if err != nil {
		s.log.Errorf("rotation tick: %v", err)
		return
	}
	switch {
	case !ok, active.Expired(now):
		if _, err := s.Rotate(ctx); err != nil {
			s.log.Errorf("rotation failed, retrying next tick: %v", err)
		}
	case now.After(active.ExpiresAt.Add(-s.cfg.WarningWindow)):
		s.log.Warningf("rotating key version %d expires %s", active.Version,
			active.ExpiresAt.Format(time.RFC3339))
	}
}
