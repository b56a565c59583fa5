package protocol

import (
	"errors"
	"fmt"
	"net/url"
)

const (
	// PairingScheme is the URI scheme encoded into pairing QR codes.
	PairingScheme = "winuxconnect"
	// PairingHost is the fixed host segment of a pairing URI.
	PairingHost = "pair"
	// PINLength is the number of digits in a one-time pairing PIN.
	PINLength = 6
)

var (
	// ErrInvalidPairingURI indicates a URI that is not a pairing URI.
	ErrInvalidPairingURI = errors.New("protocol: invalid pairing URI")
)

// PairingInfo is the content of a QR-encoded pairing URI.
type PairingInfo struct {
	PIN        string
	PublicKey  string
	DeviceName string
	DeviceType string
}

// BuildPairingURI renders winuxconnect://pair?pin=...&key=...&device=...&type=...
func BuildPairingURI(info PairingInfo) (string, error) {
	if err := validatePIN(info.PIN); err != nil {
		return "", err
	}
	if info.PublicKey == "" {
		return "", errors.New("protocol: pairing URI requires a public key")
	}

	query := url.Values{}
	query.Set("pin", info.PIN)
	query.Set("key", info.PublicKey)
	query.Set("device", info.DeviceName)
	deviceType := info.DeviceType
	if deviceType == "" {
		deviceType = "phone"
	}
	query.Set("type", deviceType)

	uri := url.URL{
		Scheme:   PairingScheme,
		Host:     PairingHost,
		RawQuery: query.Encode(),
	}
	return uri.String(), nil
}

// ParsePairingURI validates and extracts a pairing URI.
func ParsePairingURI(raw string) (PairingInfo, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return PairingInfo{}, fmt.Errorf("parse pairing URI: %w", err)
	}
	if parsed.Scheme != PairingScheme || parsed.Host != PairingHost {
		return PairingInfo{}, ErrInvalidPairingURI
	}

	query := parsed.Query()
	info := PairingInfo{
		PIN:        query.Get("pin"),
		PublicKey:  query.Get("key"),
		DeviceName: query.Get("device"),
		DeviceType: query.Get("type"),
	}

	if err := validatePIN(info.PIN); err != nil {
		return PairingInfo{}, err
	}
	if info.PublicKey == "" {
		return PairingInfo{}, fmt.Errorf("%w: missing key", ErrInvalidPairingURI)
	}

	return info, nil
}

func validatePIN(pin string) error {
	if len(pin) != PINLength {
		return fmt.Errorf("%w: PIN must be %d digits", ErrInvalidPairingURI, PINLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: PIN must be numeric", ErrInvalidPairingURI)
		}
	}
	return nil
}
