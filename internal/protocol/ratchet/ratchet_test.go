package ratchet_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"kryptera/internal/crypto"
	"kryptera/internal/domain"
	"kryptera/internal/protocol/ratchet"
)

var testAD = []byte("alice/phone->bob/laptop")

// pairedSessions builds two sessions sharing a root key, as X3DH would leave
// them: alice initiated against bob's signed prekey, bob responded using the
// ratchet key from her first header.
func pairedSessions(t *testing.T) (alice, bob *domain.Session) {
	t.Helper()
	root := make([]byte, 32)
	if _, err := rand.Read(root); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	alice = &domain.Session{ID: domain.NewSessionID("bob", "laptop")}
	if err := ratchet.Initiate(alice, append([]byte(nil), root...), spkPub); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	bob = &domain.Session{ID: domain.NewSessionID("alice", "phone")}
	if err := ratchet.Respond(bob, root, spkPriv, alice.SendRatchet.Pub); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	return alice, bob
}

func roundTrip(t *testing.T, from, to *domain.Session, msg string) {
	t.Helper()
	h, ct, mac, err := ratchet.Encrypt(from, testAD, []byte(msg))
	if err != nil {
		t.Fatalf("Encrypt(%q): %v", msg, err)
	}
	pt, err := ratchet.Decrypt(to, testAD, h, ct, mac, ratchet.DefaultMaxSkip)
	if err != nil {
		t.Fatalf("Decrypt(%q): %v", msg, err)
	}
	if string(pt) != msg {
		t.Fatalf("plaintext = %q, want %q", pt, msg)
	}
}

func TestPingPong(t *testing.T) {
	alice, bob := pairedSessions(t)
	if len(bob.SendChain.Key) != 0 {
		t.Fatal("responder sending chain seeded before first send")
	}

	roundTrip(t, alice, bob, "hello bob")
	roundTrip(t, alice, bob, "still me")
	roundTrip(t, bob, alice, "hello alice")
	roundTrip(t, alice, bob, "round three")
	roundTrip(t, bob, alice, "and back")

	if alice.MessagesSent != 3 || alice.MessagesReceived != 2 {
		t.Fatalf("alice counters sent=%d recv=%d, want 3/2", alice.MessagesSent, alice.MessagesReceived)
	}
	if bob.MessagesSent != 2 || bob.MessagesReceived != 3 {
		t.Fatalf("bob counters sent=%d recv=%d, want 2/3", bob.MessagesSent, bob.MessagesReceived)
	}
	if len(bob.SendChain.Key) == 0 {
		t.Fatal("responder sending chain still empty after sending")
	}
}

func TestHeaderCountersResetAtRatchetStep(t *testing.T) {
	alice, bob := pairedSessions(t)

	h0, ct, mac, err := ratchet.Encrypt(alice, testAD, []byte("one"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(bob, testAD, h0, ct, mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	h1, ct, mac, err := ratchet.Encrypt(alice, testAD, []byte("two"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if h0.N != 0 || h1.N != 1 || h1.PN != 0 {
		t.Fatalf("first chain headers n=%d,%d pn=%d, want 0,1,0", h0.N, h1.N, h1.PN)
	}
	if _, err := ratchet.Decrypt(bob, testAD, h1, ct, mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	hb, ct, mac, err := ratchet.Encrypt(bob, testAD, []byte("reply"))
	if err != nil {
		t.Fatalf("Encrypt (bob): %v", err)
	}
	if hb.N != 0 || hb.PN != 0 {
		t.Fatalf("responder first header n=%d pn=%d, want 0,0", hb.N, hb.PN)
	}
	if _, err := ratchet.Decrypt(alice, testAD, hb, ct, mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("Decrypt (alice): %v", err)
	}

	// Alice's next send is on a fresh chain: the index restarts and the
	// header advertises how long the previous chain was.
	h2, ct, mac, err := ratchet.Encrypt(alice, testAD, []byte("three"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if h2.N != 0 || h2.PN != 2 {
		t.Fatalf("post-step header n=%d pn=%d, want 0,2", h2.N, h2.PN)
	}
	if bytes.Equal(h2.DH, h1.DH) {
		t.Fatal("ratchet key did not change at DH step")
	}
	if _, err := ratchet.Decrypt(bob, testAD, h2, ct, mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
}

type sealed struct {
	h   domain.RatchetHeader
	ct  []byte
	mac []byte
}

func TestDecryptOutOfOrder(t *testing.T) {
	alice, bob := pairedSessions(t)

	var msgs []sealed
	for i := 0; i < 3; i++ {
		h, ct, mac, err := ratchet.Encrypt(alice, testAD, []byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		msgs = append(msgs, sealed{h, ct, mac})
	}

	// Deliver 2, 0, 1.
	pt, err := ratchet.Decrypt(bob, testAD, msgs[2].h, msgs[2].ct, msgs[2].mac, ratchet.DefaultMaxSkip)
	if err != nil {
		t.Fatalf("Decrypt msg-2: %v", err)
	}
	if string(pt) != "msg-2" {
		t.Fatalf("plaintext = %q, want msg-2", pt)
	}
	if len(bob.Skipped) != 2 {
		t.Fatalf("skipped cache size = %d, want 2", len(bob.Skipped))
	}

	if _, err := ratchet.Decrypt(bob, testAD, msgs[0].h, msgs[0].ct, msgs[0].mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("Decrypt msg-0: %v", err)
	}
	if _, err := ratchet.Decrypt(bob, testAD, msgs[1].h, msgs[1].ct, msgs[1].mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("Decrypt msg-1: %v", err)
	}
	if len(bob.Skipped) != 0 {
		t.Fatalf("skipped cache size = %d after catch-up, want 0", len(bob.Skipped))
	}
	if bob.MessagesReceived != 3 {
		t.Fatalf("MessagesReceived = %d, want 3", bob.MessagesReceived)
	}
}

func TestSkippedKeysSurviveRatchetStep(t *testing.T) {
	alice, bob := pairedSessions(t)

	m0h, m0ct, m0mac, err := ratchet.Encrypt(alice, testAD, []byte("first"))
	if err != nil {
		t.Fatalf("Encrypt first: %v", err)
	}
	m1h, m1ct, m1mac, err := ratchet.Encrypt(alice, testAD, []byte("second"))
	if err != nil {
		t.Fatalf("Encrypt second: %v", err)
	}

	// Bob sees only the first message before the conversation turns.
	if _, err := ratchet.Decrypt(bob, testAD, m0h, m0ct, m0mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("Decrypt first: %v", err)
	}
	roundTrip(t, bob, alice, "turn")
	roundTrip(t, alice, bob, "new chain")

	// The second message is from the superseded chain; its key was cached
	// when the chain was closed out at the DH step.
	if len(bob.Skipped) != 1 {
		t.Fatalf("skipped cache size = %d, want 1", len(bob.Skipped))
	}
	pt, err := ratchet.Decrypt(bob, testAD, m1h, m1ct, m1mac, ratchet.DefaultMaxSkip)
	if err != nil {
		t.Fatalf("Decrypt second (old chain): %v", err)
	}
	if string(pt) != "second" {
		t.Fatalf("plaintext = %q, want second", pt)
	}
	if len(bob.Skipped) != 0 {
		t.Fatalf("skipped cache size = %d, want 0", len(bob.Skipped))
	}
}

func TestSkipLimit(t *testing.T) {
	alice, bob := pairedSessions(t)

	var msgs []sealed
	for i := 0; i < 5; i++ {
		h, ct, mac, err := ratchet.Encrypt(alice, testAD, []byte("m"))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		msgs = append(msgs, sealed{h, ct, mac})
	}

	_, err := ratchet.Decrypt(bob, testAD, msgs[4].h, msgs[4].ct, msgs[4].mac, 3)
	if !errors.Is(err, domain.ErrTooManySkippedMessages) {
		t.Fatalf("err = %v, want ErrTooManySkippedMessages", err)
	}
	if bob.MessagesReceived != 0 || bob.RecvChain.Index != 0 || len(bob.Skipped) != 0 {
		t.Fatalf("state advanced on rejected skip: recv=%d index=%d skipped=%d",
			bob.MessagesReceived, bob.RecvChain.Index, len(bob.Skipped))
	}

	// A wider limit accepts the same message.
	if _, err := ratchet.Decrypt(bob, testAD, msgs[4].h, msgs[4].ct, msgs[4].mac, 10); err != nil {
		t.Fatalf("Decrypt with wider limit: %v", err)
	}
	if len(bob.Skipped) != 4 {
		t.Fatalf("skipped cache size = %d, want 4", len(bob.Skipped))
	}
}

func TestTamperedMessageRejected(t *testing.T) {
	alice, bob := pairedSessions(t)
	h, ct, mac, err := ratchet.Encrypt(alice, testAD, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cases := []struct {
		name   string
		mangle func(s *sealed)
	}{
		{"ciphertext bit flip", func(s *sealed) { s.ct[0] ^= 0x01 }},
		{"mac bit flip", func(s *sealed) { s.mac[0] ^= 0x01 }},
		{"header counter bump", func(s *sealed) { s.h.N++ }},
		{"header ratchet key flip", func(s *sealed) { s.h.DH[0] ^= 0x01 }},
		{"truncated header key", func(s *sealed) { s.h.DH = s.h.DH[:16] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := sealed{
				h:   domain.RatchetHeader{DH: append([]byte(nil), h.DH...), PN: h.PN, N: h.N},
				ct:  append([]byte(nil), ct...),
				mac: append([]byte(nil), mac...),
			}
			tc.mangle(&m)
			_, err := ratchet.Decrypt(bob, testAD, m.h, m.ct, m.mac, ratchet.DefaultMaxSkip)
			if !errors.Is(err, domain.ErrAuthenticationFailed) {
				t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
			}
			if bob.MessagesReceived != 0 || bob.RecvChain.Index != 0 || len(bob.Skipped) != 0 {
				t.Fatalf("state advanced on rejected message")
			}
		})
	}

	// Wrong associated data also fails authentication.
	if _, err := ratchet.Decrypt(bob, []byte("someone else"), h, ct, mac, ratchet.DefaultMaxSkip); err == nil {
		t.Fatal("decrypt with wrong associated data succeeded")
	}

	// The untampered original still decrypts.
	pt, err := ratchet.Decrypt(bob, testAD, h, ct, mac, ratchet.DefaultMaxSkip)
	if err != nil {
		t.Fatalf("Decrypt original: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("plaintext = %q, want payload", pt)
	}
}

func TestReplayRejected(t *testing.T) {
	alice, bob := pairedSessions(t)
	h, ct, mac, err := ratchet.Encrypt(alice, testAD, []byte("once"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(bob, testAD, h, ct, mac, ratchet.DefaultMaxSkip); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if _, err := ratchet.Decrypt(bob, testAD, h, ct, mac, ratchet.DefaultMaxSkip); !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Fatalf("replay err = %v, want ErrAuthenticationFailed", err)
	}
	if bob.MessagesReceived != 1 {
		t.Fatalf("MessagesReceived = %d after replay, want 1", bob.MessagesReceived)
	}
}

// holdsBytes reports whether any key material in s contains needle.
func holdsBytes(s *domain.Session, needle []byte) bool {
	if bytes.Contains(s.RootKey, needle) || bytes.Contains(s.SendChain.Key, needle) {
		return true
	}
	if s.RecvChain != nil && bytes.Contains(s.RecvChain.Key, needle) {
		return true
	}
	for _, sk := range s.Skipped {
		if bytes.Contains(sk.Key, needle) {
			return true
		}
	}
	return false
}

func TestOldKeysAbsentFromSuccessorState(t *testing.T) {
	alice, bob := pairedSessions(t)

	rootBefore := append([]byte(nil), alice.RootKey...)
	chainBefore := append([]byte(nil), alice.SendChain.Key...)

	roundTrip(t, alice, bob, "one")
	roundTrip(t, bob, alice, "two")
	roundTrip(t, alice, bob, "three")

	for _, s := range []*domain.Session{alice, bob} {
		if holdsBytes(s, rootBefore) {
			t.Fatalf("session %s still holds the superseded root key", s.ID)
		}
		if holdsBytes(s, chainBefore) {
			t.Fatalf("session %s still holds the superseded chain key", s.ID)
		}
	}
}
