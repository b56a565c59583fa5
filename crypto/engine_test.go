package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestEngine(t *testing.T, deviceID string) *Engine {
	t.Helper()

	privateKey, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	engine, err := NewEngine(deviceID, privateKey)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	return engine
}

func TestEngineFailsClosedWithoutPeerKey(t *testing.T) {
	engine := newTestEngine(t, "device-a")

	if engine.HasPeerKey() {
		t.Fatalf("fresh engine must not report a bound peer key")
	}
	if _, _, err := engine.EncryptPayload([]byte("secret")); err != ErrNoPeerKey {
		t.Fatalf("expected ErrNoPeerKey on encrypt, got %v", err)
	}
	if _, err := engine.DecryptPayload([]byte("iv"), []byte("ct")); err != ErrNoPeerKey {
		t.Fatalf("expected ErrNoPeerKey on decrypt, got %v", err)
	}
}

func TestEngineRoundTripBetweenPeers(t *testing.T) {
	a := newTestEngine(t, "device-a")
	b := newTestEngine(t, "device-b")

	if err := a.SetPeerPublicKey("device-b", b.PublicKeyBase64()); err != nil {
		t.Fatalf("bind peer key on a: %v", err)
	}
	if err := b.SetPeerPublicKey("device-a", a.PublicKeyBase64()); err != nil {
		t.Fatalf("bind peer key on b: %v", err)
	}

	plaintext := []byte("clipboard contents")
	ciphertext, iv, err := a.EncryptPayload(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	decrypted, err := b.DecryptPayload(iv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
	}
}

func TestEngineRejectsTamperedCiphertext(t *testing.T) {
	a := newTestEngine(t, "device-a")
	b := newTestEngine(t, "device-b")

	if err := a.SetPeerPublicKey("device-b", b.PublicKeyBase64()); err != nil {
		t.Fatalf("bind peer key on a: %v", err)
	}
	if err := b.SetPeerPublicKey("device-a", a.PublicKeyBase64()); err != nil {
		t.Fatalf("bind peer key on b: %v", err)
	}

	ciphertext, iv, err := a.EncryptPayload([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ciphertext[0] ^= 0xff
	if _, err := b.DecryptPayload(iv, ciphertext); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed for tampered ciphertext, got %v", err)
	}
}

func TestEngineRebindReplacesSessionKey(t *testing.T) {
	a := newTestEngine(t, "device-a")
	b := newTestEngine(t, "device-b")
	c := newTestEngine(t, "device-c")

	if err := a.SetPeerPublicKey("device-b", b.PublicKeyBase64()); err != nil {
		t.Fatalf("bind b: %v", err)
	}
	keyForB := a.snapshotKey()

	if err := a.SetPeerPublicKey("device-c", c.PublicKeyBase64()); err != nil {
		t.Fatalf("bind c: %v", err)
	}
	keyForC := a.snapshotKey()

	if bytes.Equal(keyForB, keyForC) {
		t.Fatalf("session key must not be reused across two different peers")
	}
	if a.PeerDeviceID() != "device-c" {
		t.Fatalf("expected bound peer device-c, got %q", a.PeerDeviceID())
	}

	a.Reset()
	if a.HasPeerKey() {
		t.Fatalf("reset must clear the session key")
	}
}

func TestGeneratePINShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		pin, err := GeneratePIN()
		if err != nil {
			t.Fatalf("generate PIN: %v", err)
		}
		if len(pin) != PINLength {
			t.Fatalf("expected %d digits, got %q", PINLength, pin)
		}
		for _, r := range pin {
			if r < '0' || r > '9' {
				t.Fatalf("non-numeric PIN %q", pin)
			}
		}
		seen[pin] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected varied PINs, got %d unique of 16", len(seen))
	}
}
