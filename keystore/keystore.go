// Package keystore owns the local device identity key pair and the trusted
// public keys of paired peers. Key material survives process restarts: the
// identity key lives in a PEM file, peer trust in the device store.
package keystore

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"os"
	"sync"

	"winuxconnect/crypto"
	"winuxconnect/storage"
)

// ErrNoKeys indicates the local identity has not been generated yet.
var ErrNoKeys = errors.New("keystore: local key pair not generated")

// Store provides concurrent-read access to the local identity and
// serialized writes to peer trust records.
type Store struct {
	privateKeyPath string
	devices        *storage.Store

	mu         sync.RWMutex
	privateKey *ecdh.PrivateKey
}

// New creates a key store over the given identity key path and device store.
func New(privateKeyPath string, devices *storage.Store) *Store {
	return &Store{
		privateKeyPath: privateKeyPath,
		devices:        devices,
	}
}

// Ensure loads the identity key pair, generating it on first run. Generation
// happens exactly once per device install; subsequent calls load the same key.
func (s *Store) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.privateKey != nil {
		return nil
	}

	privateKey, err := crypto.EnsureX25519PrivateKey(s.privateKeyPath)
	if err != nil {
		return err
	}
	s.privateKey = privateKey
	return nil
}

// HasKeys reports whether the local identity exists, loaded or on disk.
func (s *Store) HasKeys() bool {
	s.mu.RLock()
	loaded := s.privateKey != nil
	s.mu.RUnlock()
	if loaded {
		return true
	}

	_, err := os.Stat(s.privateKeyPath)
	return err == nil
}

// PrivateKey returns the loaded identity private key.
func (s *Store) PrivateKey() (*ecdh.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return nil, ErrNoKeys
	}
	return s.privateKey, nil
}

// PublicKeyBase64 exports the local public key in transport-safe encoding.
func (s *Store) PublicKeyBase64() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return "", ErrNoKeys
	}
	return base64.StdEncoding.EncodeToString(s.privateKey.PublicKey().Bytes()), nil
}

// Fingerprint returns the local public key fingerprint for TXT records.
func (s *Store) Fingerprint() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return "", ErrNoKeys
	}
	return crypto.KeyFingerprint(s.privateKey.PublicKey().Bytes()), nil
}

// Trust persists a verified peer public key for a device.
func (s *Store) Trust(deviceID, publicKeyBase64 string) error {
	return s.devices.MarkPaired(deviceID, publicKeyBase64)
}

// Revoke clears the trust record for a device.
func (s *Store) Revoke(deviceID string) error {
	return s.devices.Unpair(deviceID)
}

// TrustedKey returns the persisted public key for a paired device, or ""
// when the device is unknown or not paired.
func (s *Store) TrustedKey(deviceID string) string {
	device, err := s.devices.GetDevice(deviceID)
	if err != nil || !device.Paired {
		return ""
	}
	return device.PublicKey
}
