package directory_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"kryptera/internal/crypto"
	"kryptera/internal/directory"
	"kryptera/internal/domain"
	"kryptera/internal/log"
)

// makeRecord builds a publishable device record with a correctly signed
// prekey and n one-time prekeys.
func makeRecord(t *testing.T, userID, deviceID string, n int) domain.DeviceRecord {
	t.Helper()
	_, xPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	_, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (spk): %v", err)
	}
	rec := domain.DeviceRecord{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: xPub,
		SigningKey:  edPub,
		SignedPreKey: domain.SignedPreKey{
			ID:        "spk-" + deviceID,
			Pub:       spkPub,
			Sig:       crypto.SignEd25519(edPriv, spkPub.Slice()),
			CreatedAt: time.Now(),
		},
	}
	for i := 0; i < n; i++ {
		_, pub, err := crypto.GenerateX25519()
		if err != nil {
			t.Fatalf("GenerateX25519 (opk): %v", err)
		}
		rec.OneTimePreKeys = append(rec.OneTimePreKeys, domain.OneTimePreKey{
			ID:  "opk-" + deviceID + "-" + string(rune('a'+i)),
			Pub: pub,
		})
	}
	return rec
}

func TestMemory_PublishFetchConsume(t *testing.T) {
	ctx := context.Background()
	mem := directory.NewMemory()

	laptop := makeRecord(t, "bob", "laptop", 2)
	phone := makeRecord(t, "bob", "phone", 0)
	if err := mem.PublishDeviceBundle(ctx, phone); err != nil {
		t.Fatalf("publish phone: %v", err)
	}
	if err := mem.PublishDeviceBundle(ctx, laptop); err != nil {
		t.Fatalf("publish laptop: %v", err)
	}

	recs, err := mem.FetchDeviceBundles(ctx, "bob")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 || recs[0].DeviceID != "laptop" || recs[1].DeviceID != "phone" {
		t.Fatalf("records = %d, want laptop then phone", len(recs))
	}
	if len(recs[0].OneTimePreKeys) != 2 {
		t.Fatalf("one-time prekeys = %d, want 2", len(recs[0].OneTimePreKeys))
	}

	used := laptop.OneTimePreKeys[0].ID
	if err := mem.ConsumeOneTimePreKey(ctx, "bob", "laptop", used); err != nil {
		t.Fatalf("consume: %v", err)
	}
	// Consuming the same key again is a no-op, not an error.
	if err := mem.ConsumeOneTimePreKey(ctx, "bob", "laptop", used); err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if err := mem.ConsumeOneTimePreKey(ctx, "bob", "tablet", used); err == nil {
		t.Fatal("consume against unknown device succeeded")
	}

	recs, _ = mem.FetchDeviceBundles(ctx, "bob")
	if len(recs[0].OneTimePreKeys) != 1 || recs[0].OneTimePreKeys[0].ID == used {
		t.Fatalf("consumed key still published: %+v", recs[0].OneTimePreKeys)
	}

	// Unknown users resolve to an empty device list.
	recs, err = mem.FetchDeviceBundles(ctx, "nobody")
	if err != nil || len(recs) != 0 {
		t.Fatalf("unknown user: recs=%d err=%v", len(recs), err)
	}
}

func TestMemory_RejectsBadSignature(t *testing.T) {
	mem := directory.NewMemory()
	rec := makeRecord(t, "bob", "laptop", 0)
	rec.SignedPreKey.Sig[0] ^= 0x01

	err := mem.PublishDeviceBundle(context.Background(), rec)
	if !errors.Is(err, domain.ErrPeerBundleInvalid) {
		t.Fatalf("err = %v, want ErrPeerBundleInvalid", err)
	}
}

func TestMemory_EnvelopeQueue(t *testing.T) {
	ctx := context.Background()
	mem := directory.NewMemory()

	for i := 0; i < 3; i++ {
		env := domain.Envelope{
			FromUserID: "alice", FromDeviceID: "phone",
			ToUserID: "bob", ToDeviceID: "laptop",
			Message: domain.EncryptedMessage{Ciphertext: []byte{byte(i)}},
		}
		if err := mem.SendEnvelope(ctx, env); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	envs, err := mem.FetchEnvelopes(ctx, "bob", "laptop", 2)
	if err != nil || len(envs) != 2 {
		t.Fatalf("fetch: n=%d err=%v", len(envs), err)
	}
	if envs[0].Message.Ciphertext[0] != 0 || envs[1].Message.Ciphertext[0] != 1 {
		t.Fatal("fetch order wrong")
	}

	// Fetch does not consume; ack does.
	if err := mem.AckEnvelopes(ctx, "bob", "laptop", 2); err != nil {
		t.Fatalf("ack: %v", err)
	}
	envs, _ = mem.FetchEnvelopes(ctx, "bob", "laptop", 0)
	if len(envs) != 1 || envs[0].Message.Ciphertext[0] != 2 {
		t.Fatalf("after ack: %d envelopes", len(envs))
	}
	if mem.PendingEnvelopes() != 1 {
		t.Fatalf("pending = %d, want 1", mem.PendingEnvelopes())
	}
}

func TestClientServer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := log.New("", "ERROR", true)
	if err != nil {
		t.Fatalf("log backend: %v", err)
	}
	mem := directory.NewMemory()
	ts := httptest.NewServer(directory.NewServer(mem, backend).Router())
	defer ts.Close()

	client := directory.NewClient(ts.URL)
	rec := makeRecord(t, "bob", "laptop", 1)
	if err := client.PublishDeviceBundle(ctx, rec); err != nil {
		t.Fatalf("publish: %v", err)
	}

	recs, err := client.FetchDeviceBundles(ctx, "bob")
	if err != nil {
		t.Fatalf("fetch bundles: %v", err)
	}
	if len(recs) != 1 || recs[0].DeviceID != "laptop" {
		t.Fatalf("bundles = %+v", recs)
	}
	if recs[0].IdentityKey != rec.IdentityKey || recs[0].SignedPreKey.Pub != rec.SignedPreKey.Pub {
		t.Fatal("keys corrupted over the wire")
	}

	if err := client.ConsumeOneTimePreKey(ctx, "bob", "laptop", rec.OneTimePreKeys[0].ID); err != nil {
		t.Fatalf("consume: %v", err)
	}
	recs, _ = client.FetchDeviceBundles(ctx, "bob")
	if len(recs[0].OneTimePreKeys) != 0 {
		t.Fatal("consumed prekey still served")
	}

	env := domain.Envelope{
		FromUserID: "alice", FromDeviceID: "phone",
		ToUserID: "bob", ToDeviceID: "laptop",
		Message: domain.EncryptedMessage{
			Header:     domain.RatchetHeader{DH: make([]byte, 32), PN: 1, N: 2},
			Ciphertext: []byte("ct"),
			MAC:        []byte("mac"),
		},
	}
	if err := client.SendEnvelope(ctx, env); err != nil {
		t.Fatalf("send envelope: %v", err)
	}
	envs, err := client.FetchEnvelopes(ctx, "bob", "laptop", 10)
	if err != nil || len(envs) != 1 {
		t.Fatalf("fetch envelopes: n=%d err=%v", len(envs), err)
	}
	got := envs[0]
	if got.FromUserID != "alice" || got.Message.Header.N != 2 || string(got.Message.Ciphertext) != "ct" {
		t.Fatalf("envelope corrupted over the wire: %+v", got)
	}
	if err := client.AckEnvelopes(ctx, "bob", "laptop", 1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	envs, _ = client.FetchEnvelopes(ctx, "bob", "laptop", 0)
	if len(envs) != 0 {
		t.Fatal("acked envelope still queued")
	}
}
