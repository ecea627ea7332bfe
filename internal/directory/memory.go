package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kryptera/internal/domain"
	"kryptera/internal/protocol/x3dh"
)

// Memory is an in-process directory and envelope queue. It backs the dev
// server and the engine tests; nothing it holds survives a restart.
type Memory struct {
	mu      sync.Mutex
	devices map[string]map[string]domain.DeviceRecord
	queues  map[string][]domain.Envelope
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]map[string]domain.DeviceRecord),
		queues:  make(map[string][]domain.Envelope),
	}
}

// PublishDeviceBundle stores (or replaces) a device record. The signed
// prekey signature is checked against the record's own signing key, so a
// mangled bundle is rejected at the door.
func (m *Memory) PublishDeviceBundle(ctx context.Context, rec domain.DeviceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UserID == "" || rec.DeviceID == "" {
		return fmt.Errorf("%w: device record missing user or device id", domain.ErrPeerBundleInvalid)
	}
	if !x3dh.VerifySignedPreKey(rec) {
		return fmt.Errorf("%w: signed prekey signature rejected for %s/%s",
			domain.ErrPeerBundleInvalid, rec.UserID, rec.DeviceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.devices[rec.UserID]
	if user == nil {
		user = make(map[string]domain.DeviceRecord)
		m.devices[rec.UserID] = user
	}
	now := time.Now()
	if prev, ok := user[rec.DeviceID]; ok && !prev.RegisteredAt.IsZero() {
		rec.RegisteredAt = prev.RegisteredAt
	} else if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	rec.LastSeenAt = now
	rec.OneTimePreKeys = append([]domain.OneTimePreKey(nil), rec.OneTimePreKeys...)
	user[rec.DeviceID] = rec
	return nil
}

// FetchDeviceBundles returns every device record published for userID,
// ordered by device id. An unknown user yields an empty slice, not an error.
func (m *Memory) FetchDeviceBundles(ctx context.Context, userID string) ([]domain.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeviceRecord, 0, len(m.devices[userID]))
	for _, rec := range m.devices[userID] {
		rec.OneTimePreKeys = append([]domain.OneTimePreKey(nil), rec.OneTimePreKeys...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// ConsumeOneTimePreKey removes keyID from the device's published bundle. A
// key already consumed is not an error; an unknown device is.
func (m *Memory) ConsumeOneTimePreKey(ctx context.Context, userID, deviceID, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[userID][deviceID]
	if !ok {
		return fmt.Errorf("directory: unknown device %s/%s", userID, deviceID)
	}
	for i, opk := range rec.OneTimePreKeys {
		if opk.ID == keyID {
			rec.OneTimePreKeys = append(rec.OneTimePreKeys[:i], rec.OneTimePreKeys[i+1:]...)
			break
		}
	}
	m.devices[userID][deviceID] = rec
	return nil
}

// SendEnvelope queues env for its destination device.
func (m *Memory) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.ToUserID == "" || env.ToDeviceID == "" {
		return fmt.Errorf("directory: envelope missing destination")
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := queueID(env.ToUserID, env.ToDeviceID)
	m.queues[q] = append(m.queues[q], env)
	return nil
}

// FetchEnvelopes returns up to limit pending envelopes for the device
// without removing them; AckEnvelopes drops them once processed.
func (m *Memory) FetchEnvelopes(ctx context.Context, userID, deviceID string, limit int) ([]domain.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queueID(userID, deviceID)]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	return append([]domain.Envelope(nil), q[:limit]...), nil
}

// AckEnvelopes drops the first count envelopes from the device's queue.
func (m *Memory) AckEnvelopes(ctx context.Context, userID, deviceID string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := queueID(userID, deviceID)
	q := m.queues[id]
	if count >= len(q) {
		delete(m.queues, id)
		return nil
	}
	m.queues[id] = q[count:]
	return nil
}

// PendingEnvelopes reports the total queue depth across all devices.
func (m *Memory) PendingEnvelopes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

func queueID(userID, deviceID string) string { return userID + "/" + deviceID }

var (
	_ domain.Directory = (*Memory)(nil)
	_ domain.Transport = (*Memory)(nil)
)
