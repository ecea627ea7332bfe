package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"kryptera/internal/domain"
	"kryptera/internal/util/memzero"
)

const (
	identityName   = "identity/device"
	currentSPKName = "prekeys/current-spk"
	signedPrefix   = "prekeys/signed/"
	oneTimePrefix  = "prekeys/onetime/"
	rotatingName   = "rotating/set"
)

// KeyStore is typed access to all long-lived key material: the device
// identity, signed and one-time prekey pairs, and the rotating key set.
type KeyStore struct {
	db domain.SecureStore

	// mu serialises consume so a one-time prekey is handed out at most once.
	mu sync.Mutex
}

func NewKeyStore(db domain.SecureStore) *KeyStore { return &KeyStore{db: db} }

func (k *KeyStore) SaveIdentity(ctx context.Context, id domain.Identity) error {
	return putCBOR(ctx, k.db, identityName, id)
}

func (k *KeyStore) LoadIdentity(ctx context.Context) (domain.Identity, bool, error) {
	var id domain.Identity
	ok, err := getCBOR(ctx, k.db, identityName, &id)
	if err != nil {
		return domain.Identity{}, false, err
	}
	return id, ok, nil
}

func (k *KeyStore) SaveSignedPreKey(ctx context.Context, pair domain.SignedPreKeyPair) error {
	return putCBOR(ctx, k.db, signedPrefix+pair.ID, pair)
}

func (k *KeyStore) LoadSignedPreKey(ctx context.Context, id string) (domain.SignedPreKeyPair, bool, error) {
	var pair domain.SignedPreKeyPair
	ok, err := getCBOR(ctx, k.db, signedPrefix+id, &pair)
	if err != nil {
		return domain.SignedPreKeyPair{}, false, err
	}
	return pair, ok, nil
}

func (k *KeyStore) SetCurrentSignedPreKeyID(ctx context.Context, id string) error {
	return putCBOR(ctx, k.db, currentSPKName, id)
}

func (k *KeyStore) CurrentSignedPreKeyID(ctx context.Context) (string, bool, error) {
	var id string
	ok, err := getCBOR(ctx, k.db, currentSPKName, &id)
	if err != nil || !ok {
		return "", false, err
	}
	return id, id != "", nil
}

func (k *KeyStore) SaveOneTimePreKeys(ctx context.Context, pairs []domain.OneTimePreKeyPair) error {
	for _, p := range pairs {
		if err := putCBOR(ctx, k.db, oneTimePrefix+p.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeyStore) ConsumeOneTimePreKey(ctx context.Context, id string) (domain.OneTimePreKeyPair, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var pair domain.OneTimePreKeyPair
	ok, err := getCBOR(ctx, k.db, oneTimePrefix+id, &pair)
	if err != nil || !ok {
		return domain.OneTimePreKeyPair{}, false, err
	}
	if err := k.db.Delete(ctx, oneTimePrefix+id); err != nil {
		return domain.OneTimePreKeyPair{}, false, err
	}
	return pair, true, nil
}

func (k *KeyStore) ListOneTimePreKeys(ctx context.Context) ([]domain.OneTimePreKey, error) {
	names, err := k.db.List(ctx, oneTimePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OneTimePreKey, 0, len(names))
	for _, name := range names {
		var pair domain.OneTimePreKeyPair
		ok, err := getCBOR(ctx, k.db, name, &pair)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pair.Published())
		}
	}
	return out, nil
}

// ReplaceRotatingKeys writes the whole rotating key set as one value, so a
// crashed rotation can never leave the device keyless or with two active
// keys.
func (k *KeyStore) ReplaceRotatingKeys(ctx context.Context, keys []domain.RotatingKey) error {
	return putCBOR(ctx, k.db, rotatingName, keys)
}

func (k *KeyStore) ListRotatingKeys(ctx context.Context) ([]domain.RotatingKey, error) {
	var keys []domain.RotatingKey
	if _, err := getCBOR(ctx, k.db, rotatingName, &keys); err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Version > keys[j].Version })
	return keys, nil
}

func (k *KeyStore) ActiveRotatingKey(ctx context.Context) (domain.RotatingKey, bool, error) {
	keys, err := k.ListRotatingKeys(ctx)
	if err != nil {
		return domain.RotatingKey{}, false, err
	}
	for _, rk := range keys {
		if rk.Active {
			return rk, true, nil
		}
	}
	return domain.RotatingKey{}, false, nil
}

// putCBOR encodes v and stores it; the plaintext encoding is wiped once the
// store has sealed it.
func putCBOR(ctx context.Context, db domain.SecureStore, key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrStorageFailure, key, err)
	}
	defer memzero.Zero(raw)
	return db.Set(ctx, key, raw)
}

func getCBOR(ctx context.Context, db domain.SecureStore, key string, v any) (bool, error) {
	raw, ok, err := db.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	defer memzero.Zero(raw)
	if err := cbor.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", domain.ErrStorageFailure, key, err)
	}
	return true, nil
}

var (
	_ domain.IdentityStore    = (*KeyStore)(nil)
	_ domain.PreKeyStore      = (*KeyStore)(nil)
	_ domain.RotatingKeyStore = (*KeyStore)(nil)
)
