package session

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"winuxconnect/crypto"
	"winuxconnect/discovery"
	"winuxconnect/protocol"
	"winuxconnect/storage"
	"winuxconnect/transport"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newTestEngine(t *testing.T, id string) *crypto.Engine {
	t.Helper()

	privateKey, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	engine, err := crypto.NewEngine(id, privateKey)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func newOrchestrator(t *testing.T, cfg Config, listener *transport.Listener) (*Orchestrator, *transport.Channel, *storage.Store) {
	t.Helper()

	store := newTestStore(t)
	engine := newTestEngine(t, "local-device")
	channel := transport.NewChannel(engine, transport.Options{})
	t.Cleanup(channel.Disconnect)

	orch := New(cfg, channel, engine, store, listener)
	orch.Start()
	t.Cleanup(orch.Stop)
	return orch, channel, store
}

func waitForEvent(t *testing.T, events <-chan Event, eventType EventType, timeout time.Duration) Event {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event before timeout", eventType)
		}
	}
}

func TestRoutesMessagesByType(t *testing.T) {
	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	orch, _, _ := newOrchestrator(t, Config{}, listener)

	var batteryCount atomic.Int32
	received := make(chan protocol.Message, 1)
	orch.Register(protocol.TypeBatteryStatus, func(msg protocol.Message) {
		batteryCount.Add(1)
		received <- msg
	})

	conn, err := net.DialTimeout("tcp", listener.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// An unhandled type must be ignored, not fatal.
	if err := protocol.WriteMessage(conn, protocol.New(protocol.TypeFindDevice, nil)); err != nil {
		t.Fatalf("write unhandled message: %v", err)
	}
	if err := protocol.WriteMessage(conn, protocol.New(protocol.TypeBatteryStatus, map[string]any{
		protocol.KeyLevel:      float64(87),
		protocol.KeyIsCharging: true,
	})); err != nil {
		t.Fatalf("write battery status: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Int64(protocol.KeyLevel) != 87 || !msg.Bool(protocol.KeyIsCharging) {
			t.Fatalf("handler got wrong payload: %v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("battery handler never invoked")
	}
	if got := batteryCount.Load(); got != 1 {
		t.Fatalf("expected exactly one routed message, got %d", got)
	}
}

func TestReconnectStopsAtAttemptCap(t *testing.T) {
	const attemptCap = 3

	orch, channel, store := newOrchestrator(t, Config{
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxAttempts: attemptCap,
	}, nil)

	// A paired device whose port nothing listens on.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := dead.Addr().(*net.TCPAddr).Port
	_ = dead.Close()

	if err := store.UpsertDiscovered(storage.Device{
		ID:      "phone-1",
		Name:    "Pixel",
		Address: "127.0.0.1",
		Port:    port,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	peerEngine := newTestEngine(t, "phone-1")
	if err := store.MarkPaired("phone-1", peerEngine.PublicKeyBase64()); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := store.TouchConnected("phone-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// Simulate an error-caused disconnect to trigger the backoff loop.
	live, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = live.Close()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := channel.Connect(ctx, live.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := <-live.Conns()
	_ = peer.Close()

	// Consume the initial connect/disconnect pair so the loop below only
	// sees reconnect traffic.
	waitForEvent(t, orch.Events(), EventDisconnected, 2*time.Second)

	attempts := 0
	deadline := time.After(5 * time.Second)
	for attempts < attemptCap {
		select {
		case event := <-orch.Events():
			if event.Type == EventReconnectFailed {
				attempts++
			}
			if event.Type == EventConnected {
				t.Fatalf("unexpected successful reconnect")
			}
		case <-deadline:
			t.Fatalf("saw only %d failed attempts before timeout", attempts)
		}
	}

	waitForEvent(t, orch.Events(), EventReconnectGaveUp, 2*time.Second)

	// After the cap, no further automatic attempts.
	select {
	case event := <-orch.Events():
		if event.Type == EventReconnecting || event.Type == EventReconnectFailed {
			t.Fatalf("automatic attempt after give-up: %v", event.Type)
		}
	case <-time.After(200 * time.Millisecond):
	}

	// A fresh discovery event for the paired device re-arms reconnection.
	orch.HandleDiscovered(discovery.Device{
		ID:      "phone-1",
		Name:    "Pixel",
		Address: "127.0.0.1",
		Port:    port,
	})
	event := waitForEvent(t, orch.Events(), EventReconnecting, 2*time.Second)
	if event.DeviceID != "phone-1" {
		t.Fatalf("reconnect target %q, want phone-1", event.DeviceID)
	}
}

func TestSuccessfulConnectionCancelsReconnect(t *testing.T) {
	orch, channel, store := newOrchestrator(t, Config{
		ReconnectBaseDelay:   50 * time.Millisecond,
		ReconnectMaxAttempts: 10,
	}, nil)

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()
	port := listener.Addr().(*net.TCPAddr).Port

	if err := store.UpsertDiscovered(storage.Device{
		ID:      "phone-1",
		Name:    "Pixel",
		Address: "127.0.0.1",
		Port:    port,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.TouchConnected("phone-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	// Drop the first connection to trigger a disconnect; keep any later
	// connection alive so the explicit reconnect succeeds.
	go func() {
		first := true
		for conn := range listener.Conns() {
			if first {
				first = false
				time.Sleep(20 * time.Millisecond)
				_ = conn.Close()
				continue
			}
			go keepAlive(conn)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := channel.Connect(ctx, listener.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The device is unpaired, so the automatic loop has no target; an
	// explicit connect must still succeed and cancel pending work.
	waitForEvent(t, orch.Events(), EventDisconnected, 2*time.Second)

	device, err := store.GetDevice("phone-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if err := orch.Connect(context.Background(), *device); err != nil {
		t.Fatalf("explicit connect: %v", err)
	}
	waitForEvent(t, orch.Events(), EventConnected, 2*time.Second)
	if !orch.Connected() {
		t.Fatalf("expected live session after explicit connect")
	}
}

func TestInboundIdentityBindsTrustedKey(t *testing.T) {
	store := newTestStore(t)
	desktopEngine := newTestEngine(t, "desktop-1")

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	channel := transport.NewChannel(desktopEngine, transport.Options{
		ResolveTrust: func(deviceID string) (string, bool) {
			device, err := store.GetDevice(deviceID)
			if err != nil || !device.Paired || device.PublicKey == "" {
				return "", false
			}
			return device.PublicKey, true
		},
	})
	t.Cleanup(channel.Disconnect)

	orch := New(Config{}, channel, desktopEngine, store, listener)
	orch.Start()
	t.Cleanup(orch.Stop)

	// The phone paired in an earlier run; only its trust record survives a
	// daemon restart, not the in-memory key binding.
	phoneEngine := newTestEngine(t, "phone-1")
	if err := store.UpsertDiscovered(storage.Device{
		ID:      "phone-1",
		Name:    "Pixel",
		Address: "127.0.0.1",
		Port:    1,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.MarkPaired("phone-1", phoneEngine.PublicKeyBase64()); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := phoneEngine.SetPeerPublicKey("desktop-1", desktopEngine.PublicKeyBase64()); err != nil {
		t.Fatalf("bind desktop key on phone: %v", err)
	}

	received := make(chan protocol.Message, 1)
	orch.Register(protocol.TypeClipboardContent, func(msg protocol.Message) {
		received <- msg
	})

	phoneChannel := transport.NewChannel(phoneEngine, transport.Options{})
	t.Cleanup(phoneChannel.Disconnect)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := phoneChannel.Connect(ctx, listener.Addr().String()); err != nil {
		t.Fatalf("phone connect: %v", err)
	}

	// Announce, then send encrypted traffic right behind it. The accept side
	// must bind the trusted key before reading the next frame.
	if err := phoneChannel.Send(protocol.New(protocol.TypeIdentity, map[string]any{
		protocol.KeyDeviceID: "phone-1",
	})); err != nil {
		t.Fatalf("send identity: %v", err)
	}
	if err := phoneChannel.Send(protocol.New(protocol.TypeClipboardContent, map[string]any{
		protocol.KeyContent: "copied on the phone",
	})); err != nil {
		t.Fatalf("send clipboard: %v", err)
	}

	select {
	case msg := <-received:
		if got := msg.String(protocol.KeyContent); got != "copied on the phone" {
			t.Fatalf("clipboard content %q, want %q", got, "copied on the phone")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("encrypted message after identity never routed")
	}

	if desktopEngine.PeerDeviceID() != "phone-1" {
		t.Fatalf("expected bound peer phone-1, got %q", desktopEngine.PeerDeviceID())
	}

	// The identity also names the peer on the session event stream.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-orch.Events():
			if event.Type == EventConnected && event.DeviceID == "phone-1" {
				return
			}
		case <-deadline:
			t.Fatalf("no connected event naming phone-1")
		}
	}
}

func keepAlive(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
