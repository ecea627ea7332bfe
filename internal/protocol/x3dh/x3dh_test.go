package x3dh_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"kryptera/internal/crypto"
	"kryptera/internal/domain"
	"kryptera/internal/protocol/x3dh"
)

// makeIdentity creates a domain.Identity with fresh X25519 and Ed25519 pairs.
func makeIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv, CreatedAt: time.Now()}
}

// makeBundle publishes a device record for id with a signed prekey and,
// optionally, one one-time prekey. The private halves are returned so tests
// can run the responder side.
func makeBundle(t *testing.T, id domain.Identity, withOPK bool) (domain.DeviceRecord, domain.X25519Private, *domain.X25519Private) {
	t.Helper()
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (spk): %v", err)
	}
	rec := domain.DeviceRecord{
		UserID:      "bob",
		DeviceID:    "laptop",
		IdentityKey: id.XPub,
		SigningKey:  id.EdPub,
		SignedPreKey: domain.SignedPreKey{
			ID:        "spk-test",
			Pub:       spkPub,
			Sig:       crypto.SignEd25519(id.EdPriv, spkPub.Slice()),
			CreatedAt: time.Now(),
		},
	}
	var opkPriv *domain.X25519Private
	if withOPK {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			t.Fatalf("GenerateX25519 (opk): %v", err)
		}
		rec.OneTimePreKeys = []domain.OneTimePreKey{{ID: "opk-1", Pub: pub}}
		opkPriv = &priv
	}
	return rec, spkPriv, opkPriv
}

func TestInitiatorAndResponderRoot_NoOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv, _ := makeBundle(t, bob, false)

	rootA, spkID, opkID, eph, err := x3dh.InitiatorRoot(alice, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if spkID != "spk-test" {
		t.Fatalf("signed prekey id = %q, want spk-test", spkID)
	}
	if opkID != "" {
		t.Fatalf("one-time prekey id = %q, want empty", opkID)
	}

	msg := domain.PreKeyMessage{
		UserID:         "alice",
		DeviceID:       "phone",
		IdentityKey:    alice.XPub,
		EphemeralKey:   eph,
		SignedPreKeyID: spkID,
	}
	rootB, err := x3dh.ResponderRoot(bob, spkPriv, nil, msg)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(rootA, rootB) {
		t.Fatal("root keys differ (no OPK)")
	}
}

func TestInitiatorAndResponderRoot_WithOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv, opkPriv := makeBundle(t, bob, true)

	rootA, spkID, opkID, eph, err := x3dh.InitiatorRoot(alice, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if spkID != "spk-test" || opkID != "opk-1" {
		t.Fatalf("unexpected ids signed=%q one-time=%q", spkID, opkID)
	}

	msg := domain.PreKeyMessage{
		UserID:          "alice",
		DeviceID:        "phone",
		IdentityKey:     alice.XPub,
		EphemeralKey:    eph,
		SignedPreKeyID:  spkID,
		OneTimePreKeyID: opkID,
	}
	rootB, err := x3dh.ResponderRoot(bob, spkPriv, opkPriv, msg)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(rootA, rootB) {
		t.Fatal("root keys differ (with OPK)")
	}

	// The OPK must change the transcript.
	rootNoOPK, err := x3dh.ResponderRoot(bob, spkPriv, nil, msg)
	if err != nil {
		t.Fatalf("ResponderRoot (no OPK): %v", err)
	}
	if bytes.Equal(rootB, rootNoOPK) {
		t.Fatal("one-time prekey did not affect the root key")
	}
}

func TestInitiatorRoot_RejectsBadSignature(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, _, _ := makeBundle(t, bob, false)
	bundle.SignedPreKey.Sig[0] ^= 0x01

	_, _, _, _, err := x3dh.InitiatorRoot(alice, bundle)
	if !errors.Is(err, domain.ErrPeerBundleInvalid) {
		t.Fatalf("err = %v, want ErrPeerBundleInvalid", err)
	}
}
