// Package pairing drives the trust handshake between two devices. The
// requester sends its public key plus a one-time PIN, the responder's user
// verifies the PIN and answers with its own key, and an encrypted confirm
// message proves both sides derived the same session key before either
// persists trust.
package pairing

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"winuxconnect/crypto"
	"winuxconnect/keystore"
	"winuxconnect/protocol"
	"winuxconnect/storage"
	"winuxconnect/transport"
)

// DefaultStepTimeout bounds each handshake step. A step past its timeout is
// Failed, never left pending.
const DefaultStepTimeout = 30 * time.Second

var (
	// ErrPairingInProgress indicates another pairing attempt is active.
	ErrPairingInProgress = errors.New("pairing: attempt already in progress")
	// ErrNoPendingRequest indicates no inbound request matches the device.
	ErrNoPendingRequest = errors.New("pairing: no pending request for device")
	// ErrCancelled indicates the attempt was cancelled by the user.
	ErrCancelled = errors.New("pairing: cancelled")
)

// State is the pairing state machine position.
type State string

const (
	StateIdle                   State = "IDLE"
	StateWaitingForConnection   State = "WAITING_FOR_CONNECTION"
	StateSendingRequest         State = "SENDING_REQUEST"
	StateWaitingForConfirmation State = "WAITING_FOR_CONFIRMATION"
	StateVerifyingPin           State = "VERIFYING_PIN"
	StatePaired                 State = "PAIRED"
	StateFailed                 State = "FAILED"
)

// StateChange is one transition on the pairing state stream. Reason is set
// for Failed, PeerDeviceID for Paired and VerifyingPin.
type StateChange struct {
	State        State
	Reason       string
	PeerDeviceID string
}

// Request is an inbound pairing request awaiting user accept/reject.
type Request struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	PublicKey  string
	PIN        string
}

// Config controls the handshake identity and timing.
type Config struct {
	LocalDeviceName  string
	LocalDeviceClass string
	StepTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.StepTimeout <= 0 {
		out.StepTimeout = DefaultStepTimeout
	}
	if out.LocalDeviceClass == "" {
		out.LocalDeviceClass = "desktop"
	}
	return out
}

// Coordinator owns the pairing state machine for both handshake roles.
type Coordinator struct {
	cfg     Config
	channel *transport.Channel
	engine  *crypto.Engine
	keys    *keystore.Store
	devices *storage.Store

	events   chan StateChange
	requests chan Request

	mu       sync.Mutex
	state    State
	pin      string
	cancelFn context.CancelFunc
	response chan protocol.Message
	confirm  chan protocol.Message

	// Responder-side requests waiting for user accept/reject, keyed by
	// requesting device ID.
	pending map[string]Request
}

// New creates a coordinator over the shared channel, engine and stores.
func New(cfg Config, channel *transport.Channel, engine *crypto.Engine, keys *keystore.Store, devices *storage.Store) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		channel:  channel,
		engine:   engine,
		keys:     keys,
		devices:  devices,
		events:   make(chan StateChange, 32),
		requests: make(chan Request, 8),
		state:    StateIdle,
		pending:  make(map[string]Request),
	}
}

// Events returns the pairing state transition stream.
func (c *Coordinator) Events() <-chan StateChange {
	return c.events
}

// Requests returns inbound pairing requests awaiting accept/reject.
func (c *Coordinator) Requests() <-chan Request {
	return c.requests
}

// State returns the current state machine position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GeneratePIN produces a fresh one-time PIN, invalidating any previous one.
func (c *Coordinator) GeneratePIN() (string, error) {
	pin, err := crypto.GeneratePIN()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.pin = pin
	c.mu.Unlock()
	return pin, nil
}

// VerifyPIN checks an entered PIN against the most recently generated one.
// Only the latest PIN verifies; generating a new PIN invalidates the old.
func (c *Coordinator) VerifyPIN(entered string) bool {
	c.mu.Lock()
	pin := c.pin
	c.mu.Unlock()
	if pin == "" || len(entered) != len(pin) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(entered), []byte(pin)) == 1
}

// StartPairing runs the requester side of the handshake against a discovered
// device. It blocks until the handshake reaches Paired or Failed, or the
// context is cancelled.
func (c *Coordinator) StartPairing(ctx context.Context, device storage.Device) error {
	// Claim the attempt slot before any side effect: a concurrent call must
	// not clobber the live attempt's PIN or tear down its connection.
	attemptCtx, err := c.beginAttempt(ctx)
	if err != nil {
		return err
	}
	defer c.endAttempt()

	pin, err := c.GeneratePIN()
	if err != nil {
		return c.fail(device.ID, fmt.Errorf("generate pin: %w", err))
	}

	// A binding left over from a previous peer would seal the plaintext
	// bootstrap under the wrong key.
	c.engine.Reset()

	// Manual-entry targets may not have been discovered yet.
	if err := c.devices.UpsertDiscovered(device); err != nil {
		return c.fail(device.ID, err)
	}

	c.setState(StateChange{State: StateWaitingForConnection, PeerDeviceID: device.ID})

	address := net.JoinHostPort(device.Address, strconv.Itoa(device.Port))
	if err := c.channel.Connect(attemptCtx, address); err != nil {
		return c.fail(device.ID, err)
	}

	if err := c.keys.Ensure(); err != nil {
		return c.fail(device.ID, err)
	}
	publicKey, err := c.keys.PublicKeyBase64()
	if err != nil {
		return c.fail(device.ID, err)
	}

	c.setState(StateChange{State: StateSendingRequest, PeerDeviceID: device.ID})

	request := protocol.New(protocol.TypePairingRequest, map[string]any{
		protocol.KeyDeviceID:   c.localDeviceID(),
		protocol.KeyPublicKey:  publicKey,
		protocol.KeyPIN:        pin,
		protocol.KeyDeviceName: c.cfg.LocalDeviceName,
		protocol.KeyDeviceType: c.cfg.LocalDeviceClass,
	})
	if err := c.channel.Send(request); err != nil {
		return c.fail(device.ID, err)
	}

	c.setState(StateChange{State: StateWaitingForConfirmation, PeerDeviceID: device.ID})

	var response protocol.Message
	select {
	case response = <-c.responseChan():
	case <-time.After(c.cfg.StepTimeout):
		return c.fail(device.ID, errors.New("pairing response timed out"))
	case <-attemptCtx.Done():
		c.setState(StateChange{State: StateIdle})
		return ErrCancelled
	}

	if !response.Bool(protocol.KeyAccepted) {
		reason := response.String(protocol.KeyReason)
		if reason == "" {
			reason = "pairing rejected by peer"
		}
		return c.fail(device.ID, errors.New(reason))
	}
	peerKey := response.String(protocol.KeyPublicKey)
	if peerKey == "" {
		return c.fail(device.ID, errors.New("pairing response carried no public key"))
	}

	if err := c.engine.SetPeerPublicKey(device.ID, peerKey); err != nil {
		return c.fail(device.ID, err)
	}

	// The confirm goes out under the freshly derived session key; the peer
	// decrypting it is the proof of key agreement.
	if err := c.channel.Send(protocol.New(protocol.TypePairingConfirm, map[string]any{
		protocol.KeyDeviceID: c.localDeviceID(),
	})); err != nil {
		c.engine.Reset()
		return c.fail(device.ID, err)
	}

	if err := c.keys.Trust(device.ID, peerKey); err != nil {
		c.engine.Reset()
		return c.fail(device.ID, err)
	}
	if err := c.devices.TouchConnected(device.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("pairing: touch connected %s: %v", device.ID, err)
	}

	c.setState(StateChange{State: StatePaired, PeerDeviceID: device.ID})
	return nil
}

// CancelPairing aborts any active attempt and returns to Idle, tearing down
// the connection. Safe to call from any state.
func (c *Coordinator) CancelPairing() {
	c.Reset()
}

// Reset returns unconditionally to Idle, cancelling any attempt, clearing
// pending requests and the last PIN, and closing the connection.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	cancel := c.cancelFn
	c.cancelFn = nil
	c.pin = ""
	c.pending = make(map[string]Request)
	alreadyIdle := c.state == StateIdle
	c.state = StateIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.channel.Disconnect()
	if !alreadyIdle {
		c.emit(StateChange{State: StateIdle})
	}
}

// Unpair clears the trust record for a device. If it is the currently
// connected peer the session is torn down first.
func (c *Coordinator) Unpair(deviceID string) error {
	if c.engine.PeerDeviceID() == deviceID && c.channel.Connected() {
		c.channel.Disconnect()
		c.engine.Reset()
	}
	return c.keys.Revoke(deviceID)
}

// Accept answers a pending inbound request: binds the requester's key, sends
// an accepting response, and waits for the encrypted confirm before
// persisting trust.
func (c *Coordinator) Accept(deviceID string) error {
	c.mu.Lock()
	request, ok := c.pending[deviceID]
	if ok {
		delete(c.pending, deviceID)
	}
	c.mu.Unlock()
	if !ok {
		return ErrNoPendingRequest
	}

	if err := c.keys.Ensure(); err != nil {
		return c.failResponder(deviceID, err)
	}
	publicKey, err := c.keys.PublicKeyBase64()
	if err != nil {
		return c.failResponder(deviceID, err)
	}

	// Respond in plaintext, then bind: the requester has no session key
	// until it reads our public key from this response. Any binding left
	// over from a previous peer must go first or the response gets sealed.
	c.engine.Reset()
	if err := c.channel.Send(protocol.New(protocol.TypePairingResponse, map[string]any{
		protocol.KeyAccepted:  true,
		protocol.KeyPublicKey: publicKey,
		protocol.KeyDeviceID:  c.localDeviceID(),
	})); err != nil {
		return c.failResponder(deviceID, err)
	}
	if err := c.engine.SetPeerPublicKey(deviceID, request.PublicKey); err != nil {
		return c.failResponder(deviceID, err)
	}

	select {
	case <-c.confirmChan():
	case <-time.After(c.cfg.StepTimeout):
		c.engine.Reset()
		return c.failResponder(deviceID, errors.New("pairing confirm timed out"))
	}

	record := storage.Device{
		ID:   deviceID,
		Name: request.DeviceName,
		Type: request.DeviceType,
	}
	// Discovery may already know the requester's address; keep it.
	if existing, err := c.devices.GetDevice(deviceID); err == nil {
		record.Hostname = existing.Hostname
		record.Address = existing.Address
		record.Port = existing.Port
		record.Capabilities = existing.Capabilities
		record.OSVersion = existing.OSVersion
	}
	if err := c.devices.UpsertDiscovered(record); err != nil {
		log.Printf("pairing: upsert requester %s: %v", deviceID, err)
	}
	if err := c.keys.Trust(deviceID, request.PublicKey); err != nil {
		c.engine.Reset()
		return c.failResponder(deviceID, err)
	}

	c.setState(StateChange{State: StatePaired, PeerDeviceID: deviceID})
	return nil
}

// Reject answers a pending inbound request negatively.
func (c *Coordinator) Reject(deviceID, reason string) error {
	c.mu.Lock()
	_, ok := c.pending[deviceID]
	if ok {
		delete(c.pending, deviceID)
	}
	c.mu.Unlock()
	if !ok {
		return ErrNoPendingRequest
	}
	if reason == "" {
		reason = "pairing rejected"
	}

	err := c.channel.Send(protocol.New(protocol.TypePairingResponse, map[string]any{
		protocol.KeyAccepted: false,
		protocol.KeyReason:   reason,
		protocol.KeyDeviceID: c.localDeviceID(),
	}))
	c.setState(StateChange{State: StateIdle})
	return err
}

// HandleMessage consumes pairing messages routed from the session layer.
// Non-pairing types are ignored.
func (c *Coordinator) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePairingRequest:
		c.handleRequest(msg)
	case protocol.TypePairingResponse:
		select {
		case c.responseChan() <- msg:
		default:
			log.Printf("pairing: dropping unexpected response")
		}
	case protocol.TypePairingConfirm:
		select {
		case c.confirmChan() <- msg:
		default:
			log.Printf("pairing: dropping unexpected confirm")
		}
	}
}

func (c *Coordinator) handleRequest(msg protocol.Message) {
	request := Request{
		DeviceID:   msg.String(protocol.KeyDeviceID),
		DeviceName: msg.String(protocol.KeyDeviceName),
		DeviceType: msg.String(protocol.KeyDeviceType),
		PublicKey:  msg.String(protocol.KeyPublicKey),
		PIN:        msg.String(protocol.KeyPIN),
	}
	if request.DeviceID == "" || request.PublicKey == "" {
		log.Printf("pairing: ignoring malformed request")
		return
	}

	c.mu.Lock()
	c.pending[request.DeviceID] = request
	c.mu.Unlock()

	c.setState(StateChange{State: StateVerifyingPin, PeerDeviceID: request.DeviceID})

	select {
	case c.requests <- request:
	default:
		log.Printf("pairing: request queue full, dropping request from %s", request.DeviceID)
	}
}

func (c *Coordinator) beginAttempt(parent context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelFn != nil {
		return nil, ErrPairingInProgress
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancelFn = cancel
	c.response = make(chan protocol.Message, 1)
	c.confirm = make(chan protocol.Message, 1)
	return ctx, nil
}

func (c *Coordinator) endAttempt() {
	c.mu.Lock()
	cancel := c.cancelFn
	c.cancelFn = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) responseChan() chan protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response == nil {
		c.response = make(chan protocol.Message, 1)
	}
	return c.response
}

func (c *Coordinator) confirmChan() chan protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirm == nil {
		c.confirm = make(chan protocol.Message, 1)
	}
	return c.confirm
}

func (c *Coordinator) fail(deviceID string, err error) error {
	c.channel.Disconnect()
	c.setState(StateChange{State: StateFailed, Reason: err.Error(), PeerDeviceID: deviceID})
	return err
}

func (c *Coordinator) failResponder(deviceID string, err error) error {
	c.setState(StateChange{State: StateFailed, Reason: err.Error(), PeerDeviceID: deviceID})
	return err
}

func (c *Coordinator) setState(change StateChange) {
	c.mu.Lock()
	c.state = change.State
	c.mu.Unlock()
	c.emit(change)
}

func (c *Coordinator) emit(change StateChange) {
	select {
	case c.events <- change:
	default:
	}
}

func (c *Coordinator) localDeviceID() string {
	// The engine is constructed with the local device identity.
	return c.engine.LocalDeviceID()
}
