package pairing

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"winuxconnect/crypto"
	"winuxconnect/keystore"
	"winuxconnect/protocol"
	"winuxconnect/storage"
	"winuxconnect/transport"
)

type endpoint struct {
	id      string
	devices *storage.Store
	keys    *keystore.Store
	engine  *crypto.Engine
	channel *transport.Channel
	coord   *Coordinator
}

func newEndpoint(t *testing.T, id string, stepTimeout time.Duration) *endpoint {
	t.Helper()

	dir := t.TempDir()
	devices, err := storage.OpenPath(filepath.Join(dir, "devices.db"))
	if err != nil {
		t.Fatalf("open device store: %v", err)
	}
	t.Cleanup(func() {
		_ = devices.Close()
	})

	keys := keystore.New(filepath.Join(dir, "identity.pem"), devices)
	if err := keys.Ensure(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	privateKey, err := keys.PrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	engine, err := crypto.NewEngine(id, privateKey)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	channel := transport.NewChannel(engine, transport.Options{})
	t.Cleanup(channel.Disconnect)

	coord := New(Config{
		LocalDeviceName: id,
		StepTimeout:     stepTimeout,
	}, channel, engine, keys, devices)

	go func() {
		for msg := range channel.Inbound() {
			coord.HandleMessage(msg)
		}
	}()

	return &endpoint{
		id:      id,
		devices: devices,
		keys:    keys,
		engine:  engine,
		channel: channel,
		coord:   coord,
	}
}

func listenerPort(t *testing.T, listener *transport.Listener) int {
	t.Helper()
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address type %T", listener.Addr())
	}
	return addr.Port
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestPairingEndToEnd(t *testing.T) {
	phone := newEndpoint(t, "device-a", 5*time.Second)
	desktop := newEndpoint(t, "device-b", 5*time.Second)

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	go func() {
		conn := <-listener.Conns()
		desktop.channel.Attach(conn)
	}()

	pinCh := make(chan string, 1)
	go func() {
		request := <-desktop.coord.Requests()
		pinCh <- request.PIN
		_ = desktop.coord.Accept(request.DeviceID)
	}()

	target := storage.Device{
		ID:      "device-b",
		Name:    "Desktop",
		Address: "127.0.0.1",
		Port:    listenerPort(t, listener),
		Type:    "desktop",
	}
	if err := phone.coord.StartPairing(context.Background(), target); err != nil {
		t.Fatalf("pairing failed: %v", err)
	}

	if state := phone.coord.State(); state != StatePaired {
		t.Fatalf("expected Paired on requester, got %s", state)
	}

	desktopKey, err := desktop.keys.PublicKeyBase64()
	if err != nil {
		t.Fatalf("desktop public key: %v", err)
	}
	stored, err := phone.devices.GetDevice("device-b")
	if err != nil {
		t.Fatalf("get paired device: %v", err)
	}
	if !stored.Paired || stored.PublicKey != desktopKey {
		t.Fatalf("requester trust record wrong: paired=%v key match=%v", stored.Paired, stored.PublicKey == desktopKey)
	}

	select {
	case pin := <-pinCh:
		if len(pin) != crypto.PINLength {
			t.Fatalf("unexpected pin %q", pin)
		}
	case <-time.After(time.Second):
		t.Fatalf("responder never saw the pairing request")
	}

	// The responder persists trust only after the encrypted confirm.
	waitForCondition(t, 5*time.Second, func() bool {
		device, err := desktop.devices.GetDevice("device-a")
		return err == nil && device.Paired
	})

	// Both engines must have derived a session key for the same peer.
	if !phone.engine.HasPeerKey() || !desktop.engine.HasPeerKey() {
		t.Fatalf("expected session keys bound on both sides")
	}
}

func TestVerifyPinOnlyMatchesMostRecent(t *testing.T) {
	endpoint := newEndpoint(t, "device-a", time.Second)
	coord := endpoint.coord

	coord.mu.Lock()
	coord.pin = "482913"
	coord.mu.Unlock()

	if !coord.VerifyPIN("482913") {
		t.Fatalf("expected current pin to verify")
	}
	if coord.VerifyPIN("482914") || coord.VerifyPIN("") {
		t.Fatalf("wrong pin must not verify")
	}

	fresh, err := coord.GeneratePIN()
	if err != nil {
		t.Fatalf("generate pin: %v", err)
	}
	if len(fresh) != crypto.PINLength {
		t.Fatalf("unexpected pin length %d", len(fresh))
	}
	if coord.VerifyPIN("482913") {
		t.Fatalf("generating a new pin must invalidate the previous one")
	}
	if !coord.VerifyPIN(fresh) {
		t.Fatalf("freshly generated pin must verify")
	}
}

func TestPairingRejectedByPeer(t *testing.T) {
	phone := newEndpoint(t, "device-a", 2*time.Second)

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	// Scripted responder: read the request, decline it.
	go func() {
		conn := <-listener.Conns()
		defer func() {
			_ = conn.Close()
		}()
		if _, err := protocol.ReadMessage(conn); err != nil {
			return
		}
		_ = protocol.WriteMessage(conn, protocol.New(protocol.TypePairingResponse, map[string]any{
			protocol.KeyAccepted: false,
			protocol.KeyReason:   "user declined",
		}))
	}()

	err = phone.coord.StartPairing(context.Background(), storage.Device{
		ID:      "device-b",
		Name:    "Desktop",
		Address: "127.0.0.1",
		Port:    listenerPort(t, listener),
	})
	if err == nil || !strings.Contains(err.Error(), "user declined") {
		t.Fatalf("expected rejection reason, got %v", err)
	}
	if state := phone.coord.State(); state != StateFailed {
		t.Fatalf("expected Failed after rejection, got %s", state)
	}
}

func TestPairingStepTimeout(t *testing.T) {
	phone := newEndpoint(t, "device-a", 150*time.Millisecond)

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	// Silent responder: accept and never answer.
	go func() {
		conn := <-listener.Conns()
		_, _ = protocol.ReadMessage(conn)
	}()

	err = phone.coord.StartPairing(context.Background(), storage.Device{
		ID:      "device-b",
		Name:    "Desktop",
		Address: "127.0.0.1",
		Port:    listenerPort(t, listener),
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected step timeout, got %v", err)
	}
	if state := phone.coord.State(); state != StateFailed {
		t.Fatalf("expected Failed after timeout, got %s", state)
	}
}

func TestCancelThenRestartStartsClean(t *testing.T) {
	phone := newEndpoint(t, "device-a", 5*time.Second)

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	go func() {
		for conn := range listener.Conns() {
			// Keep connections open, never answer.
			go func(c net.Conn) {
				_, _ = protocol.ReadMessage(c)
			}(conn)
		}
	}()

	target := storage.Device{
		ID:      "device-b",
		Name:    "Desktop",
		Address: "127.0.0.1",
		Port:    listenerPort(t, listener),
	}

	result := make(chan error, 1)
	go func() {
		result <- phone.coord.StartPairing(context.Background(), target)
	}()

	waitForCondition(t, 2*time.Second, func() bool {
		return phone.coord.State() == StateWaitingForConfirmation
	})

	phone.coord.CancelPairing()

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled attempt never returned")
	}

	if state := phone.coord.State(); state != StateIdle {
		t.Fatalf("expected Idle after cancel, got %s", state)
	}
	if phone.coord.VerifyPIN("482913") {
		t.Fatalf("cancel must clear the pending pin")
	}

	// A second attempt must start from scratch, not hit residual state.
	go func() {
		result <- phone.coord.StartPairing(context.Background(), target)
	}()
	waitForCondition(t, 2*time.Second, func() bool {
		return phone.coord.State() == StateWaitingForConfirmation
	})
	phone.coord.CancelPairing()

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled on second attempt, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second cancelled attempt never returned")
	}
}

func TestStaleSessionKeyClearedBeforePairingRequest(t *testing.T) {
	phone := newEndpoint(t, "device-a", 2*time.Second)

	// A session key left bound from an earlier peer must not seal the
	// plaintext bootstrap to a new one.
	stalePrivate, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate stale key: %v", err)
	}
	staleEngine, err := crypto.NewEngine("device-c", stalePrivate)
	if err != nil {
		t.Fatalf("stale engine: %v", err)
	}
	if err := phone.engine.SetPeerPublicKey("device-c", staleEngine.PublicKeyBase64()); err != nil {
		t.Fatalf("bind stale key: %v", err)
	}

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	firstFrame := make(chan protocol.Type, 1)
	go func() {
		conn := <-listener.Conns()
		defer func() {
			_ = conn.Close()
		}()
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		firstFrame <- msg.Type
		_ = protocol.WriteMessage(conn, protocol.New(protocol.TypePairingResponse, map[string]any{
			protocol.KeyAccepted: false,
			protocol.KeyReason:   "not now",
		}))
	}()

	_ = phone.coord.StartPairing(context.Background(), storage.Device{
		ID:      "device-b",
		Name:    "Desktop",
		Address: "127.0.0.1",
		Port:    listenerPort(t, listener),
	})

	select {
	case frameType := <-firstFrame:
		if frameType != protocol.TypePairingRequest {
			t.Fatalf("peer saw first frame %q, want %q", frameType, protocol.TypePairingRequest)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never received the pairing request")
	}
	if phone.engine.HasPeerKey() {
		t.Fatalf("rejected pairing must not leave a peer key bound")
	}
}

func TestAcceptRespondsPlaintextDespiteStaleKey(t *testing.T) {
	desktop := newEndpoint(t, "device-b", 500*time.Millisecond)

	stalePrivate, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate stale key: %v", err)
	}
	staleEngine, err := crypto.NewEngine("device-c", stalePrivate)
	if err != nil {
		t.Fatalf("stale engine: %v", err)
	}
	if err := desktop.engine.SetPeerPublicKey("device-c", staleEngine.PublicKeyBase64()); err != nil {
		t.Fatalf("bind stale key: %v", err)
	}

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()
	go func() {
		conn := <-listener.Conns()
		desktop.channel.Attach(conn)
	}()

	conn, err := net.DialTimeout("tcp", listener.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	requesterPrivate, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate requester key: %v", err)
	}
	requesterEngine, err := crypto.NewEngine("device-a", requesterPrivate)
	if err != nil {
		t.Fatalf("requester engine: %v", err)
	}
	if err := protocol.WriteMessage(conn, protocol.New(protocol.TypePairingRequest, map[string]any{
		protocol.KeyDeviceID:   "device-a",
		protocol.KeyPublicKey:  requesterEngine.PublicKeyBase64(),
		protocol.KeyPIN:        "123456",
		protocol.KeyDeviceName: "Pixel",
		protocol.KeyDeviceType: "phone",
	})); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var request Request
	select {
	case request = <-desktop.coord.Requests():
	case <-time.After(2 * time.Second):
		t.Fatalf("request never surfaced")
	}
	go func() {
		_ = desktop.coord.Accept(request.DeviceID)
	}()

	// The requester has no session key yet; the response must arrive in
	// plaintext even with a leftover binding on the responder.
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if msg.Type != protocol.TypePairingResponse {
		t.Fatalf("first frame %q, want %q", msg.Type, protocol.TypePairingResponse)
	}
	if !msg.Bool(protocol.KeyAccepted) {
		t.Fatalf("expected an accepting response")
	}
}

func TestSecondAttemptDoesNotDisturbActivePairing(t *testing.T) {
	phone := newEndpoint(t, "device-a", 5*time.Second)

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()
	go func() {
		for conn := range listener.Conns() {
			go func(c net.Conn) {
				_, _ = protocol.ReadMessage(c)
			}(conn)
		}
	}()

	target := storage.Device{
		ID:      "device-b",
		Name:    "Desktop",
		Address: "127.0.0.1",
		Port:    listenerPort(t, listener),
	}

	result := make(chan error, 1)
	go func() {
		result <- phone.coord.StartPairing(context.Background(), target)
	}()
	waitForCondition(t, 2*time.Second, func() bool {
		return phone.coord.State() == StateWaitingForConfirmation
	})

	phone.coord.mu.Lock()
	activePIN := phone.coord.pin
	phone.coord.mu.Unlock()

	if err := phone.coord.StartPairing(context.Background(), target); !errors.Is(err, ErrPairingInProgress) {
		t.Fatalf("expected ErrPairingInProgress, got %v", err)
	}

	// The live attempt keeps its PIN and its connection.
	if !phone.coord.VerifyPIN(activePIN) {
		t.Fatalf("second attempt must not invalidate the active pin")
	}
	if !phone.channel.Connected() {
		t.Fatalf("second attempt must not tear down the active connection")
	}

	phone.coord.CancelPairing()
	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("active attempt never returned")
	}
}

func TestUnpairTearsDownActiveSession(t *testing.T) {
	phone := newEndpoint(t, "device-a", 5*time.Second)
	desktop := newEndpoint(t, "device-b", 5*time.Second)

	listener, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	go func() {
		conn := <-listener.Conns()
		desktop.channel.Attach(conn)
	}()
	go func() {
		request := <-desktop.coord.Requests()
		_ = desktop.coord.Accept(request.DeviceID)
	}()

	if err := phone.coord.StartPairing(context.Background(), storage.Device{
		ID:      "device-b",
		Name:    "Desktop",
		Address: "127.0.0.1",
		Port:    listenerPort(t, listener),
	}); err != nil {
		t.Fatalf("pairing failed: %v", err)
	}

	if err := phone.coord.Unpair("device-b"); err != nil {
		t.Fatalf("unpair: %v", err)
	}

	device, err := phone.devices.GetDevice("device-b")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Paired || device.PublicKey != "" {
		t.Fatalf("unpair must clear trust, got paired=%v key=%q", device.Paired, device.PublicKey)
	}
	if phone.engine.HasPeerKey() {
		t.Fatalf("unpair of the active peer must reset the session key")
	}
	if phone.channel.Connected() {
		t.Fatalf("unpair of the active peer must close the connection")
	}
}
