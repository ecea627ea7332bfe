package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"kryptera/internal/domain"
	"kryptera/internal/util/memzero"
)

const sessionPrefix = "sessions/"

// SessionStore persists full ratchet sessions, including the skipped-key
// cache, as CBOR records behind the secure-storage boundary.
type SessionStore struct {
	db domain.SecureStore
}

func NewSessionStore(db domain.SecureStore) *SessionStore { return &SessionStore{db: db} }

func (s *SessionStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	raw, err := cbor.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: encode session %s: %v", domain.ErrStorageFailure, sess.ID, err)
	}
	defer memzero.Zero(raw)
	return s.db.Set(ctx, sessionPrefix+string(sess.ID), raw)
}

func (s *SessionStore) LoadSession(ctx context.Context, id domain.SessionID) (*domain.Session, bool, error) {
	raw, ok, err := s.db.Get(ctx, sessionPrefix+string(id))
	if err != nil || !ok {
		return nil, false, err
	}
	defer memzero.Zero(raw)
	var sess domain.Session
	if err := cbor.Unmarshal(raw, &sess); err != nil {
		return nil, false, fmt.Errorf("%w: decode session %s: %v", domain.ErrStorageFailure, id, err)
	}
	return &sess, true, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id domain.SessionID) error {
	return s.db.Delete(ctx, sessionPrefix+string(id))
}

func (s *SessionStore) ListSessionIDs(ctx context.Context) ([]domain.SessionID, error) {
	names, err := s.db.List(ctx, sessionPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]domain.SessionID, 0, len(names))
	for _, name := range names {
		ids = append(ids, domain.SessionID(name[len(sessionPrefix):]))
	}
	return ids, nil
}

// ExpireSessions removes sessions idle since before cutoff. Only the
// activity stamp is decoded from each record.
func (s *SessionStore) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	names, err := s.db.List(ctx, sessionPrefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		raw, ok, err := s.db.Get(ctx, name)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		var stamp struct {
			LastActivity time.Time
		}
		err = cbor.Unmarshal(raw, &stamp)
		memzero.Zero(raw)
		if err != nil {
			return removed, fmt.Errorf("%w: decode session %s: %v", domain.ErrStorageFailure, name, err)
		}
		if stamp.LastActivity.Before(cutoff) {
			if err := s.db.Delete(ctx, name); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

var _ domain.SessionStore = (*SessionStore)(nil)
