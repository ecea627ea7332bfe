package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/domain"
	"kryptera/internal/services/message"
	"kryptera/internal/services/session"
)

// DefaultSessionReuse is how long an idle session keeps being reused before
// fan-out re-establishes it.
const DefaultSessionReuse = 7 * 24 * time.Hour

// Config identifies the local device and bounds session reuse.
type Config struct {
	UserID   string
	DeviceID string

	// SessionReuse is the inactivity window within which an existing
	// session is reused instead of re-established. Zero means
	// DefaultSessionReuse.
	SessionReuse time.Duration
}

// Service is the multi-device layer over the establisher and engine.
//
// It handles:
//   - Encrypting one plaintext separately for every device a peer has
//     published, skipping the local device.
//   - Reusing fresh sessions and re-establishing stale ones.
//   - Resolving inbound messages to sessions, establishing from the
//     attached handshake echo when no session exists yet.
//   - The store-and-forward envelope loop for the CLI.
type Service struct {
	log  *logging.Logger
	dir  domain.Directory
	tr   domain.Transport
	est  *session.Establisher
	eng  *message.Engine
	sink domain.MessageSink
	cfg  Config
}

// New returns a device service. Transport and sink are optional: without a
// transport only SendToUser and Receive fail, without a sink plaintexts are
// only returned to the caller.
func New(
	cfg Config,
	dir domain.Directory,
	tr domain.Transport,
	est *session.Establisher,
	eng *message.Engine,
	sink domain.MessageSink,
	log *logging.Logger,
) *Service {
	if cfg.SessionReuse <= 0 {
		cfg.SessionReuse = DefaultSessionReuse
	}
	return &Service{log: log, dir: dir, tr: tr, est: est, eng: eng, sink: sink, cfg: cfg}
}

// EncryptForAllDevices encrypts plaintext once per device the peer has
// published, keyed by device id. Devices that cannot be encrypted for are
// logged and omitted; an empty result is not an error.
func (s *Service) EncryptForAllDevices(ctx context.Context, peerUserID string, plaintext []byte) (map[string]domain.EncryptedMessage, error) {
	recs, err := s.dir.FetchDeviceBundles(ctx, peerUserID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.EncryptedMessage, len(recs))
	now := time.Now().UTC()
	for _, rec := range recs {
		// Fan-out to our own user covers their other devices, never this one.
		if peerUserID == s.cfg.UserID && rec.DeviceID == s.cfg.DeviceID {
			continue
		}
		id := domain.NewSessionID(peerUserID, rec.DeviceID)
		if err := s.ensureSession(ctx, id, peerUserID, rec, now); err != nil {
			s.log.Warningf("fan-out: skipping %s: %v", id, err)
			continue
		}
		m, err := s.eng.Encrypt(ctx, id, plaintext)
		if err != nil {
			s.log.Warningf("fan-out: skipping %s: %v", id, err)
			continue
		}
		out[rec.DeviceID] = m
	}
	return out, nil
}

// reaccept handles a peer that re-established while we still held the old
// session: accept the attached handshake and retry the message under the
// fresh state. The previous session is restored when the message still does
// not open, so a forged echo cannot destroy a live session.
func (s *Service) reaccept(ctx context.Context, id domain.SessionID, peerUserID, peerDeviceID string, msg domain.EncryptedMessage, derr error) ([]byte, error) {
	snapshot, err := s.snapshotSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if aerr := s.accept(ctx, peerUserID, peerDeviceID, msg); aerr != nil {
		return nil, derr
	}
	plaintext, err := s.eng.Decrypt(ctx, id, msg)
	if err != nil {
		if snapshot != nil {
			unlock := s.est.Lock(id)
			if rerr := s.est.Save(ctx, snapshot); rerr != nil {
				s.log.Errorf("session %s: restoring state after rejected re-establishment: %v", id, rerr)
			}
			unlock()
		}
		return nil, derr
	}
	s.log.Noticef("session %s re-established from handshake echo", id)
	return plaintext, nil
}

// snapshotSession clones the current session under its lock, or returns nil
// when none exists.
func (s *Service) snapshotSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	unlock := s.est.Lock(id)
	defer unlock()
	prev, ok, err := s.est.Session(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	return prev.Clone(), nil
}

// accept establishes the responder side from a message's handshake echo.
func (s *Service) accept(ctx context.Context, peerUserID, peerDeviceID string, msg domain.EncryptedMessage) error {
	if len(msg.Header.DH) != 32 {
		return fmt.Errorf("%w: malformed ratchet key in bootstrap header", domain.ErrAuthenticationFailed)
	}
	var senderRatchet domain.X25519Public
	copy(senderRatchet[:], msg.Header.DH)
	_, err := s.est.Accept(ctx, peerUserID, peerDeviceID, *msg.PreKey, senderRatchet)
	return err
}

// ensureSession reuses the stored session while it is fresh and
// re-establishes otherwise.
func (s *Service) ensureSession(ctx context.Context, id domain.SessionID, peerUserID string, rec domain.DeviceRecord, now time.Time) error {
	existing, ok, err := s.est.Session(ctx, id)
	if err != nil {
		return err
	}
	if ok && now.Sub(existing.LastActivity) < s.cfg.SessionReuse {
		return nil
	}
	_, err = s.est.Initiate(ctx, peerUserID, rec)
	return err
}

// Decrypt resolves the session for the sending device and opens the message.
// When no session exists and the message carries a handshake echo, the
// session is established from it first; when decryption under an existing
// session fails and an echo is attached, the peer has re-established, so the
// echo is accepted and the message retried once. The plaintext is also
// handed to the message sink when one is configured; sink errors never fail
// the decrypt.
func (s *Service) Decrypt(ctx context.Context, peerUserID, peerDeviceID string, msg domain.EncryptedMessage) ([]byte, error) {
	id := domain.NewSessionID(peerUserID, peerDeviceID)
	if _, ok, err := s.est.Session(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		if msg.PreKey == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		if err := s.accept(ctx, peerUserID, peerDeviceID, msg); err != nil {
			return nil, err
		}
	}

	plaintext, err := s.eng.Decrypt(ctx, id, msg)
	if err != nil && msg.PreKey != nil && errors.Is(err, domain.ErrAuthenticationFailed) {
		plaintext, err = s.reaccept(ctx, id, peerUserID, peerDeviceID, msg, err)
	}
	if err != nil {
		return nil, err
	}
	if s.sink != nil {
		delivered := domain.DecryptedMessage{
			FromUserID:   peerUserID,
			FromDeviceID: peerDeviceID,
			Plaintext:    plaintext,
			Timestamp:    time.Now().UTC(),
		}
		if err := s.sink.DeliverMessage(ctx, delivered); err != nil {
			s.log.Warningf("message sink rejected delivery from %s: %v", id, err)
		}
	}
	return plaintext, nil
}

// SendToUser fans plaintext out to every device of the peer and queues one
// envelope per encrypted copy. It reports how many envelopes were sent;
// individual queue failures are logged, and an error is returned only when
// nothing could be sent at all.
func (s *Service) SendToUser(ctx context.Context, peerUserID string, plaintext []byte) (int, error) {
	if s.tr == nil {
		return 0, fmt.Errorf("device: no transport configured")
	}
	msgs, err := s.EncryptForAllDevices(ctx, peerUserID, plaintext)
	if err != nil {
		return 0, err
	}

	sent := 0
	var lastErr error
	now := time.Now().UTC()
	for deviceID, m := range msgs {
		env := domain.Envelope{
			FromUserID:   s.cfg.UserID,
			FromDeviceID: s.cfg.DeviceID,
			ToUserID:     peerUserID,
			ToDeviceID:   deviceID,
			Message:      m,
			Timestamp:    now,
		}
		if err := s.tr.SendEnvelope(ctx, env); err != nil {
			s.log.Warningf("envelope to %s/%s not queued: %v", peerUserID, deviceID, err)
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return 0, lastErr
	}
	return sent, nil
}

// Receive drains queued envelopes for this device, decrypting each and
// acknowledging everything it consumed. Envelopes that fail to decrypt are
// dropped (and logged): redelivering them could never succeed, and keeping
// them would wedge the queue.
func (s *Service) Receive(ctx context.Context, limit int) ([]domain.DecryptedMessage, error) {
	if s.tr == nil {
		return nil, fmt.Errorf("device: no transport configured")
	}
	envs, err := s.tr.FetchEnvelopes(ctx, s.cfg.UserID, s.cfg.DeviceID, limit)
	if err != nil {
		return nil, err
	}

	var out []domain.DecryptedMessage
	processed := 0
	for _, env := range envs {
		plaintext, err := s.Decrypt(ctx, env.FromUserID, env.FromDeviceID, env.Message)
		if err != nil {
			s.log.Warningf("dropping undecryptable envelope from %s/%s: %v",
				env.FromUserID, env.FromDeviceID, err)
			processed++
			continue
		}
		processed++
		out = append(out, domain.DecryptedMessage{
			FromUserID:   env.FromUserID,
			FromDeviceID: env.FromDeviceID,
			Plaintext:    plaintext,
			Timestamp:    env.Timestamp,
		})
	}
	if processed > 0 {
		if err := s.tr.AckEnvelopes(ctx, s.cfg.UserID, s.cfg.DeviceID, processed); err != nil {
			s.log.Warningf("ack of %d envelopes failed, expect redelivery: %v", processed, err)
		}
	}
	return out, nil
}
