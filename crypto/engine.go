package crypto

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoPeerKey indicates no peer public key has been bound yet.
	ErrNoPeerKey = errors.New("crypto: no peer public key bound")
)

// Engine holds the local identity key and the session key derived once a
// peer public key is bound. One Engine serves one session at a time; binding
// a different peer replaces the previous session key, so a key is never
// reused across two different peers.
type Engine struct {
	localDeviceID string
	privateKey    *ecdh.PrivateKey

	mu           sync.RWMutex
	peerDeviceID string
	sessionKey   []byte
}

// NewEngine creates an engine for the local device identity.
func NewEngine(localDeviceID string, privateKey *ecdh.PrivateKey) (*Engine, error) {
	if localDeviceID == "" {
		return nil, errors.New("local device ID is required")
	}
	if privateKey == nil {
		return nil, errors.New("local private key is required")
	}
	return &Engine{
		localDeviceID: localDeviceID,
		privateKey:    privateKey,
	}, nil
}

// LocalDeviceID returns the identity the engine was constructed with.
func (e *Engine) LocalDeviceID() string {
	return e.localDeviceID
}

// PublicKeyBase64 exports the local public key in transport-safe encoding.
func (e *Engine) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(e.privateKey.PublicKey().Bytes())
}

// SetPeerPublicKey binds a peer's public key and derives the session key.
func (e *Engine) SetPeerPublicKey(peerDeviceID, publicKeyBase64 string) error {
	if peerDeviceID == "" {
		return errors.New("peer device ID is required")
	}

	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return fmt.Errorf("decode peer public key: %w", err)
	}
	peerPublicKey, err := ParseX25519PublicKey(raw)
	if err != nil {
		return err
	}

	shared, err := ComputeX25519SharedSecret(e.privateKey, peerPublicKey)
	if err != nil {
		return err
	}
	sessionKey, err := DeriveSessionKey(shared, e.localDeviceID, peerDeviceID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.peerDeviceID = peerDeviceID
	e.sessionKey = sessionKey
	e.mu.Unlock()

	return nil
}

// HasPeerKey reports whether a session key is currently bound.
func (e *Engine) HasPeerKey() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessionKey) == sessionKeySize
}

// PeerDeviceID returns the device the current session key is bound to.
func (e *Engine) PeerDeviceID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peerDeviceID
}

// Reset discards the bound peer key and session key.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.peerDeviceID = ""
	e.sessionKey = nil
	e.mu.Unlock()
}

// EncryptPayload encrypts a payload with the bound session key.
func (e *Engine) EncryptPayload(plaintext []byte) (ciphertext, iv []byte, err error) {
	key := e.snapshotKey()
	if key == nil {
		return nil, nil, ErrNoPeerKey
	}
	return Encrypt(key, plaintext)
}

// DecryptPayload decrypts a payload with the bound session key. It fails
// closed when no peer key is bound or the integrity tag does not verify.
func (e *Engine) DecryptPayload(iv, ciphertext []byte) ([]byte, error) {
	key := e.snapshotKey()
	if key == nil {
		return nil, ErrNoPeerKey
	}
	return Decrypt(key, iv, ciphertext)
}

func (e *Engine) snapshotKey() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.sessionKey) != sessionKeySize {
		return nil
	}
	return append([]byte(nil), e.sessionKey...)
}
