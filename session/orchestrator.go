// Package session owns the single active transport channel. It routes
// inbound messages to feature handlers by type and supervises reconnection
// to the most recently connected paired device with bounded backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"winuxconnect/crypto"
	"winuxconnect/discovery"
	"winuxconnect/protocol"
	"winuxconnect/storage"
	"winuxconnect/transport"
)

const (
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectMaxAttempts = 5
)

// EventType identifies session stream updates.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnectFailed EventType = "reconnect_failed"
	EventReconnectGaveUp EventType = "reconnect_gave_up"
)

// Event is one update on the session stream.
type Event struct {
	Type     EventType
	DeviceID string
	Attempt  int
	Err      error
}

// Handler consumes one routed inbound message.
type Handler func(protocol.Message)

// Config controls reconnect pacing. The delay grows linearly with the
// attempt number and attempts stop at the cap.
type Config struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
}

func (c Config) withDefaults() Config {
	out := c
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if out.ReconnectMaxAttempts <= 0 {
		out.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	return out
}

// Orchestrator supervises the channel lifecycle and message routing.
type Orchestrator struct {
	cfg      Config
	channel  *transport.Channel
	engine   *crypto.Engine
	devices  *storage.Store
	listener *transport.Listener

	events chan Event

	mu              sync.Mutex
	handlers        map[protocol.Type]Handler
	started         bool
	armed           bool
	reconnecting    bool
	reconnectCancel context.CancelFunc
	ctx             context.Context
	cancel          context.CancelFunc
}

// New creates an orchestrator. The listener may be nil for outbound-only use.
func New(cfg Config, channel *transport.Channel, engine *crypto.Engine, devices *storage.Store, listener *transport.Listener) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		channel:  channel,
		engine:   engine,
		devices:  devices,
		listener: listener,
		events:   make(chan Event, 32),
		handlers: make(map[protocol.Type]Handler),
		armed:    true,
	}
}

// Events returns the session update stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Register binds a handler to a message type. Later registrations replace
// earlier ones for the same type.
func (o *Orchestrator) Register(msgType protocol.Type, handler Handler) {
	o.mu.Lock()
	o.handlers[msgType] = handler
	o.mu.Unlock()
}

// Send submits one message over the active channel.
func (o *Orchestrator) Send(msg protocol.Message) error {
	return o.channel.Send(msg)
}

// Connected reports whether a live connection exists.
func (o *Orchestrator) Connected() bool {
	return o.channel.Connected()
}

// Start launches the routing, state supervision, and accept loops.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(context.Background())
	ctx := o.ctx
	o.mu.Unlock()

	go o.routeLoop(ctx)
	go o.stateLoop(ctx)
	if o.listener != nil {
		go o.acceptLoop(ctx)
	}
}

// Stop cancels supervision and closes the active connection.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	o.mu.Unlock()

	o.cancelReconnect()
	cancel()
	o.channel.Disconnect()
}

// Connect opens a session to a device on explicit user intent. It re-arms
// automatic reconnection and binds the device's trusted key when paired.
func (o *Orchestrator) Connect(ctx context.Context, device storage.Device) error {
	o.mu.Lock()
	o.armed = true
	o.mu.Unlock()
	o.cancelReconnect()

	return o.connectTo(ctx, device)
}

// Disconnect closes the session deliberately; no reconnect is scheduled.
func (o *Orchestrator) Disconnect() {
	o.cancelReconnect()
	o.channel.Disconnect()
}

// HandleDiscovered records a discovered device and re-arms reconnection.
// A fresh sighting of a paired device while disconnected triggers an
// immediate reconnect cycle.
func (o *Orchestrator) HandleDiscovered(found discovery.Device) {
	if err := o.devices.UpsertDiscovered(storage.Device{
		ID:           found.ID,
		Name:         found.Name,
		Hostname:     found.Hostname,
		Address:      found.Address,
		Port:         found.Port,
		Type:         found.Type,
		Capabilities: found.Capabilities,
		OSVersion:    found.OSVersion,
	}); err != nil {
		log.Printf("session: record discovered device %s: %v", found.ID, err)
		return
	}

	o.mu.Lock()
	o.armed = true
	o.mu.Unlock()

	if o.channel.Connected() {
		return
	}
	device, err := o.devices.GetDevice(found.ID)
	if err != nil || !device.Paired {
		return
	}
	o.scheduleReconnect()
}

func (o *Orchestrator) routeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.channel.Inbound():
			if msg.Type == protocol.TypeIdentity {
				o.handleIdentity(msg)
				continue
			}
			o.mu.Lock()
			handler := o.handlers[msg.Type]
			o.mu.Unlock()
			if handler == nil {
				log.Printf("session: ignoring message type %q with no handler", msg.Type)
				continue
			}
			handler(msg)
		}
	}
}

func (o *Orchestrator) stateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-o.channel.StateChanges():
			switch change.State {
			case transport.StateConnected:
				o.cancelReconnect()
				o.announceIdentity()
				peerID := o.engine.PeerDeviceID()
				if peerID != "" {
					if err := o.devices.TouchConnected(peerID); err != nil && !errors.Is(err, storage.ErrNotFound) {
						log.Printf("session: touch connected %s: %v", peerID, err)
					}
				}
				o.emit(Event{Type: EventConnected, DeviceID: peerID})
			case transport.StateDisconnected:
				o.emit(Event{Type: EventDisconnected, DeviceID: o.engine.PeerDeviceID()})
				if change.Reason == transport.ReasonError {
					o.scheduleReconnect()
				}
			}
		}
	}
}

// announceIdentity tells the peer who we are so its accept side can bind our
// persisted trusted key before any encrypted traffic arrives.
func (o *Orchestrator) announceIdentity() {
	err := o.channel.Send(protocol.New(protocol.TypeIdentity, map[string]any{
		protocol.KeyDeviceID: o.engine.LocalDeviceID(),
	}))
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		log.Printf("session: announce identity: %v", err)
	}
}

// handleIdentity records the announced peer as connected. Trust binding
// already happened in the transport layer before this message was delivered.
func (o *Orchestrator) handleIdentity(msg protocol.Message) {
	deviceID := msg.String(protocol.KeyDeviceID)
	if deviceID == "" {
		return
	}
	if err := o.devices.TouchConnected(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("session: touch connected %s: %v", deviceID, err)
	}
	o.emit(Event{Type: EventConnected, DeviceID: deviceID})
}

func (o *Orchestrator) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-o.listener.Conns():
			if !ok {
				return
			}
			o.channel.Attach(conn)
		}
	}
}

func (o *Orchestrator) scheduleReconnect() {
	o.mu.Lock()
	if !o.started || !o.armed || o.reconnecting {
		o.mu.Unlock()
		return
	}
	o.reconnecting = true
	ctx, cancel := context.WithCancel(o.ctx)
	o.reconnectCancel = cancel
	o.mu.Unlock()

	go o.reconnectLoop(ctx)
}

func (o *Orchestrator) cancelReconnect() {
	o.mu.Lock()
	cancel := o.reconnectCancel
	o.reconnectCancel = nil
	o.reconnecting = false
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) reconnectLoop(ctx context.Context) {
	defer func() {
		o.mu.Lock()
		o.reconnecting = false
		o.mu.Unlock()
	}()

	target, err := o.devices.LastConnectedPaired()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("session: pick reconnect target: %v", err)
		}
		return
	}

	for attempt := 1; attempt <= o.cfg.ReconnectMaxAttempts; attempt++ {
		delay := o.cfg.ReconnectBaseDelay * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		o.emit(Event{Type: EventReconnecting, DeviceID: target.ID, Attempt: attempt})
		if err := o.connectTo(ctx, *target); err != nil {
			o.emit(Event{Type: EventReconnectFailed, DeviceID: target.ID, Attempt: attempt, Err: err})
			continue
		}
		return
	}

	// Cap reached: stay down until explicit connect or fresh discovery.
	o.mu.Lock()
	o.armed = false
	o.mu.Unlock()
	o.emit(Event{Type: EventReconnectGaveUp, DeviceID: target.ID, Attempt: o.cfg.ReconnectMaxAttempts})
}

func (o *Orchestrator) connectTo(ctx context.Context, device storage.Device) error {
	if device.Address == "" {
		return fmt.Errorf("device %q has no known address", device.ID)
	}
	if device.Paired && device.PublicKey != "" {
		if err := o.engine.SetPeerPublicKey(device.ID, device.PublicKey); err != nil {
			return err
		}
	}

	address := net.JoinHostPort(device.Address, strconv.Itoa(device.Port))
	if err := o.channel.Connect(ctx, address); err != nil {
		return err
	}
	if err := o.devices.TouchConnected(device.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("session: touch connected %s: %v", device.ID, err)
	}
	return nil
}

func (o *Orchestrator) emit(event Event) {
	select {
	case o.events <- event:
	default:
	}
}
