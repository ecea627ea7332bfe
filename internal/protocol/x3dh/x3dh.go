package x3dh

import (
	"fmt"

	"kryptera/internal/crypto"
	"kryptera/internal/domain"
	"kryptera/internal/util/memzero"
)

const rootLabel = "kryptera-x3dh"

// InitiatorRoot verifies the bundle and derives the shared root key as the
// initiator. It returns the root key, the ids of the signed and (optional)
// one-time prekeys consumed, and the ephemeral public key the responder
// needs to mirror the derivation.
func InitiatorRoot(id domain.Identity, rec domain.DeviceRecord) (root []byte, spkID, opkID string, eph domain.X25519Public, err error) {
	if !VerifySignedPreKey(rec) {
		return nil, "", "", eph, fmt.Errorf("%w: signed prekey signature rejected for %s/%s",
			domain.ErrPeerBundleInvalid, rec.UserID, rec.DeviceID)
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, "", "", eph, fmt.Errorf("%w: ephemeral: %v", domain.ErrKeyGeneration, err)
	}
	defer memzero.Zero(ephPriv[:])

	dh1, err := crypto.DH(id.XPriv, rec.SignedPreKey.Pub) // DH(IKa, SPKb)
	if err != nil {
		return nil, "", "", eph, err
	}
	dh2, err := crypto.DH(ephPriv, rec.IdentityKey) // DH(EKa, IKb)
	if err != nil {
		return nil, "", "", eph, err
	}
	dh3, err := crypto.DH(ephPriv, rec.SignedPreKey.Pub) // DH(EKa, SPKb)
	if err != nil {
		return nil, "", "", eph, err
	}

	transcript := make([]byte, 0, 32*4)
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)
	memzero.ZeroAll(dh1[:], dh2[:], dh3[:])

	if len(rec.OneTimePreKeys) > 0 {
		opk := rec.OneTimePreKeys[0]
		dh4, err := crypto.DH(ephPriv, opk.Pub) // DH(EKa, OPKb)
		if err != nil {
			memzero.Zero(transcript)
			return nil, "", "", eph, err
		}
		transcript = append(transcript, dh4[:]...)
		memzero.Zero(dh4[:])
		opkID = opk.ID
	}

	root = crypto.HKDF(transcript, nil, rootLabel, crypto.KeySize)
	memzero.Zero(transcript)
	return root, rec.SignedPreKey.ID, opkID, ephPub, nil
}

// ResponderRoot mirrors InitiatorRoot from the responder's side, using the
// private halves of the prekeys the PreKeyMessage references.
func ResponderRoot(id domain.Identity, spkPriv domain.X25519Private, opkPriv *domain.X25519Private, msg domain.PreKeyMessage) ([]byte, error) {
	dh1, err := crypto.DH(spkPriv, msg.IdentityKey) // DH(SPKb, IKa)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(id.XPriv, msg.EphemeralKey) // DH(IKb, EKa)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spkPriv, msg.EphemeralKey) // DH(SPKb, EKa)
	if err != nil {
		return nil, err
	}

	transcript := make([]byte, 0, 32*4)
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)
	memzero.ZeroAll(dh1[:], dh2[:], dh3[:])

	if opkPriv != nil {
		dh4, err := crypto.DH(*opkPriv, msg.EphemeralKey) // DH(OPKb, EKa)
		if err != nil {
			memzero.Zero(transcript)
			return nil, err
		}
		transcript = append(transcript, dh4[:]...)
		memzero.Zero(dh4[:])
	}

	root := crypto.HKDF(transcript, nil, rootLabel, crypto.KeySize)
	memzero.Zero(transcript)
	return root, nil
}

// VerifySignedPreKey checks the bundle's signed prekey signature.
func VerifySignedPreKey(rec domain.DeviceRecord) bool {
	return crypto.VerifyEd25519(rec.SigningKey, rec.SignedPreKey.Pub.Slice(), rec.SignedPreKey.Sig)
}
