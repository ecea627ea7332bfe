package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"

	"kryptera/internal/crypto"
	"kryptera/internal/domain"
)

var (
	metaBucket = []byte("meta")
	dataBucket = []byte("data")

	saltKey  = []byte("kdf-salt")
	checkKey = []byte("check")

	// checkValue is a fixed canary sealed at first open; failing to open it
	// later distinguishes a wrong passphrase from an empty store.
	checkValue = []byte("kryptera-store-v1")
)

const checkName = "meta/check"

// SecureDB implements domain.SecureStore on a single bbolt file. Values are
// sealed with ChaCha20-Poly1305 under an Argon2id-derived KEK, with the
// logical key as associated data so blobs cannot be swapped between keys.
type SecureDB struct {
	db  *bolt.DB
	kek *memguard.LockedBuffer
}

// Open opens (or creates) the store at path and unlocks it with passphrase.
// A wrong passphrase on an existing store fails with ErrStorageFailure.
func Open(path, passphrase string) (*SecureDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, storageErr("open database", err)
	}

	var salt, check []byte
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		if s := meta.Get(saltKey); s != nil {
			salt = append([]byte(nil), s...)
		} else {
			salt = make([]byte, crypto.SaltSize)
			if _, err := rand.Read(salt); err != nil {
				return err
			}
			if err := meta.Put(saltKey, salt); err != nil {
				return err
			}
		}
		if c := meta.Get(checkKey); c != nil {
			check = append([]byte(nil), c...)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storageErr("initialise metadata", err)
	}

	s := &SecureDB{
		db:  db,
		kek: memguard.NewBufferFromBytes(crypto.DeriveKEK(passphrase, salt)),
	}

	if check != nil {
		pt, err := s.open(checkName, check)
		if err != nil || !bytes.Equal(pt, checkValue) {
			s.Close()
			return nil, fmt.Errorf("%w: wrong passphrase or corrupted store", domain.ErrStorageFailure)
		}
	} else {
		blob, err := s.seal(checkName, checkValue)
		if err != nil {
			s.Close()
			return nil, err
		}
		err = db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(metaBucket).Put(checkKey, blob)
		})
		if err != nil {
			s.Close()
			return nil, storageErr("write check value", err)
		}
	}
	return s, nil
}

// Close destroys the KEK and closes the database.
func (s *SecureDB) Close() error {
	s.kek.Destroy()
	return s.db.Close()
}

// Set seals value under key.
func (s *SecureDB) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := s.seal(key, value)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(key), blob)
	})
	if err != nil {
		return storageErr("write "+key, err)
	}
	return nil
}

// Get opens the value under key. A missing key is (nil, false, nil).
func (s *SecureDB) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(dataBucket).Get([]byte(key)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, storageErr("read "+key, err)
	}
	if blob == nil {
		return nil, false, nil
	}
	pt, err := s.open(key, blob)
	if err != nil {
		return nil, false, err
	}
	return pt, true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SecureDB) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Delete([]byte(key))
	})
	if err != nil {
		return storageErr("delete "+key, err)
	}
	return nil
}

// List returns all keys under prefix in lexical order.
func (s *SecureDB) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list "+prefix, err)
	}
	return keys, nil
}

// seal encrypts value with a fresh nonce, binding it to its logical key.
func (s *SecureDB) seal(key string, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.kek.Bytes())
	if err != nil {
		return nil, storageErr("init cipher", err)
	}
	blob := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(value)+aead.Overhead())
	if _, err := rand.Read(blob); err != nil {
		return nil, storageErr("generate nonce", err)
	}
	return aead.Seal(blob, blob, value, []byte(key)), nil
}

// open decrypts a sealed blob stored under key.
func (s *SecureDB) open(key string, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: truncated blob for %s", domain.ErrStorageFailure, key)
	}
	aead, err := chacha20poly1305.New(s.kek.Bytes())
	if err != nil {
		return nil, storageErr("init cipher", err)
	}
	pt, err := aead.Open(nil, blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrStorageFailure, key, err)
	}
	return pt, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageFailure, op, err)
}

var _ domain.SecureStore = (*SecureDB)(nil)
