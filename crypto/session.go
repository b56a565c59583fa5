package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

// sessionKeyContext versions the derivation so a future cipher change cannot
// silently produce colliding keys.
const sessionKeyContext = "winuxconnect/session/v1"

// ComputeX25519SharedSecret performs ECDH between a local private key and a peer public key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("local private key is required")
	}
	if peerPublicKey == nil {
		return nil, errors.New("peer public key is required")
	}

	shared, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	return shared, nil
}

// DeriveSessionKey derives a 32-byte AES key from an ECDH shared secret and
// the two device IDs. The IDs are order-normalized so both peers derive the
// same key regardless of which side initiated.
func DeriveSessionKey(sharedSecret []byte, localDeviceID, peerDeviceID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if localDeviceID == "" || peerDeviceID == "" {
		return nil, errors.New("both device IDs are required")
	}

	first, second := localDeviceID, peerDeviceID
	if second < first {
		first, second = second, first
	}
	info := []byte(sessionKeyContext + "|" + first + "|" + second)

	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return key, nil
}
