package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies a protocol message. The set is closed; unknown types are
// ignored by the session router rather than treated as errors.
type Type string

const (
	TypePairingRequest  Type = "pairing.request"
	TypePairingResponse Type = "pairing.response"
	TypePairingConfirm  Type = "pairing.confirm"

	TypeClipboardContent Type = "clipboard.content"
	TypeClipboardRequest Type = "clipboard.request"

	TypeBatteryStatus  Type = "battery.status"
	TypeBatteryRequest Type = "battery.request"
	TypeNotification   Type = "notification"
	TypeFindDevice     Type = "finddevice.request"

	TypeMediaControl Type = "media.control"
	TypeMediaStatus  Type = "media.status"
	TypeMediaRequest Type = "media.request"

	// TypeIdentity announces the sender's device ID on a fresh connection so
	// the accept side can bind the persisted trusted key. Always plaintext.
	TypeIdentity Type = "identity"

	TypeDisconnect Type = "disconnect"

	TypeTransferOffer    Type = "transfer.offer"
	TypeTransferResponse Type = "transfer.response"
	TypeTransferChunk    Type = "transfer.chunk"
	TypeTransferComplete Type = "transfer.complete"
	TypeTransferCancel   Type = "transfer.cancel"

	// TypeEncrypted wraps any other message once a session key is bound.
	TypeEncrypted Type = "encrypted"

	TypePing Type = "ping"
	TypePong Type = "pong"
)

// Payload keys used by the built-in message types.
const (
	KeyPublicKey    = "publicKey"
	KeyDeviceID     = "deviceId"
	KeyPIN          = "pin"
	KeyDeviceName   = "deviceName"
	KeyDeviceType   = "deviceType"
	KeyAccepted     = "accepted"
	KeyReason       = "reason"
	KeyContent      = "content"
	KeyLevel        = "level"
	KeyIsCharging   = "isCharging"
	KeyChargingType = "chargingType"
	KeyTransferID   = "transferId"
	KeyFileName     = "fileName"
	KeyFileSize     = "fileSize"
	KeyData         = "data"
	KeyOffset       = "offset"
	KeyAppName      = "appName"
	KeyTitle        = "title"
	KeyText         = "text"
	KeyAction       = "action"
	KeyArtist       = "artist"
	KeyIsPlaying    = "isPlaying"
	KeyIV           = "iv"
)

var (
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
)

// Message is the wire unit: a type tag plus an untyped key/value payload.
// Messages are immutable once constructed.
type Message struct {
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New builds a message with the given type and payload.
func New(msgType Type, payload map[string]any) Message {
	return Message{Type: msgType, Payload: payload}
}

// Encode marshals a message to JSON.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrInvalidMessageType
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return raw, nil
}

// Decode unmarshals a message from JSON.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrInvalidMessageType
	}
	return msg, nil
}

// String returns a payload value as a string, or "" when absent.
func (m Message) String(key string) string {
	value, ok := m.Payload[key].(string)
	if !ok {
		return ""
	}
	return value
}

// Int64 returns a payload value as int64. JSON numbers decode as float64.
func (m Message) Int64(key string) int64 {
	switch value := m.Payload[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	default:
		return 0
	}
}

// Bool returns a payload value as bool, or false when absent.
func (m Message) Bool(key string) bool {
	value, ok := m.Payload[key].(bool)
	if !ok {
		return false
	}
	return value
}
