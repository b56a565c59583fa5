// Package transport maintains the single framed TCP channel to the active
// peer. Frames carry JSON messages; once a session key is bound in the
// crypto engine every outbound message is wrapped in an encrypted envelope
// and inbound envelopes that fail to decrypt are dropped, never surfaced.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"winuxconnect/crypto"
	"winuxconnect/protocol"
)

const (
	DefaultDialTimeout       = 5 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultKeepAliveTimeout  = 20 * time.Second
)

var (
	// ErrNotConnected indicates no live connection exists.
	ErrNotConnected = errors.New("transport: not connected")
)

// State is the lifecycle state of the channel.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

// DisconnectReason records why a connection ended. Reconnect logic only
// re-arms on error-caused disconnects, never on deliberate ones.
type DisconnectReason string

const (
	ReasonNone   DisconnectReason = ""
	ReasonLocal  DisconnectReason = "local"
	ReasonRemote DisconnectReason = "remote"
	ReasonError  DisconnectReason = "error"
)

// StateChange is one transition on the channel state stream.
type StateChange struct {
	State  State
	Reason DisconnectReason
}

// Options controls dial and keep-alive behavior.
type Options struct {
	DialTimeout       time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// ResolveTrust maps a device ID announced in an identity message to its
	// persisted trusted public key. When set, the key is bound to the crypto
	// engine before the next frame is read, so encrypted traffic that follows
	// an identity announcement decrypts on the accept side too.
	ResolveTrust func(deviceID string) (publicKeyBase64 string, ok bool)
}

func (o Options) withDefaults() Options {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	return out
}

// link is one live connection. The channel holds at most one; adopting a new
// connection closes the previous link first.
type link struct {
	conn net.Conn

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	reason    DisconnectReason

	mu           sync.Mutex
	lastActivity time.Time
	pongDeadline time.Time
}

func (l *link) touch() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.pongDeadline = time.Time{}
	l.mu.Unlock()
}

// Channel owns the single peer connection, the ordered inbound message
// stream, and the state transition stream.
type Channel struct {
	engine *crypto.Engine
	opts   Options

	inbound chan protocol.Message
	states  chan StateChange

	mu   sync.Mutex
	link *link
}

// NewChannel creates a channel bound to the given crypto engine.
func NewChannel(engine *crypto.Engine, opts Options) *Channel {
	return &Channel{
		engine:  engine,
		opts:    opts.withDefaults(),
		inbound: make(chan protocol.Message, 64),
		states:  make(chan StateChange, 16),
	}
}

// Inbound returns the ordered stream of decrypted peer messages.
func (c *Channel) Inbound() <-chan protocol.Message {
	return c.inbound
}

// StateChanges returns the channel state transition stream.
func (c *Channel) StateChanges() <-chan StateChange {
	return c.states
}

// Connected reports whether a live connection exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// RemoteAddr returns the remote address of the live connection, or "".
func (c *Channel) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return ""
	}
	return c.link.conn.RemoteAddr().String()
}

// Connect dials the peer and adopts the connection, replacing any previous
// one. A dial failure emits a Disconnected(error) transition and returns.
func (c *Channel) Connect(ctx context.Context, address string) error {
	c.emitState(StateChange{State: StateConnecting})

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		c.emitState(StateChange{State: StateDisconnected, Reason: ReasonError})
		return fmt.Errorf("dial %q: %w", address, err)
	}

	c.adopt(conn)
	return nil
}

// Attach adopts an already accepted connection, replacing any previous one.
func (c *Channel) Attach(conn net.Conn) {
	c.adopt(conn)
}

func (c *Channel) adopt(conn net.Conn) {
	l := &link{
		conn:   conn,
		closed: make(chan struct{}),
	}
	l.touch()

	c.mu.Lock()
	prior := c.link
	c.link = l
	c.mu.Unlock()

	if prior != nil {
		c.closeLink(prior, ReasonLocal)
	}

	go c.readLoop(l)
	go c.keepAliveLoop(l)

	c.emitState(StateChange{State: StateConnected})
}

// Send writes one message. With a session key bound the message is sealed in
// an encrypted envelope; before binding it goes out in plaintext, which is
// how the pairing exchange bootstraps.
func (c *Channel) Send(msg protocol.Message) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	// Identity travels in plaintext even with a key bound: the receiver needs
	// to learn who connected before it can pick a key to decrypt with.
	out := msg
	if msg.Type != protocol.TypeEncrypted && msg.Type != protocol.TypeIdentity &&
		c.engine != nil && c.engine.HasPeerKey() {
		sealed, err := c.seal(msg)
		if err != nil {
			return err
		}
		out = sealed
	}

	l.sendMu.Lock()
	err := protocol.WriteMessage(l.conn, out)
	l.sendMu.Unlock()
	if err != nil {
		c.closeLink(l, ReasonError)
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Disconnect tells the peer the session is over and closes the connection.
// It is idempotent and safe when no connection exists.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return
	}

	// Best effort: the peer may already be gone.
	l.sendMu.Lock()
	_ = protocol.WriteMessage(l.conn, protocol.New(protocol.TypeDisconnect, nil))
	l.sendMu.Unlock()

	c.closeLink(l, ReasonLocal)
}

func (c *Channel) closeLink(l *link, reason DisconnectReason) {
	l.closeOnce.Do(func() {
		l.reason = reason
		close(l.closed)
		_ = l.conn.Close()

		c.mu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.mu.Unlock()

		c.emitState(StateChange{State: StateDisconnected, Reason: reason})
	})
}

func (c *Channel) readLoop(l *link) {
	for {
		msg, err := protocol.ReadMessage(l.conn)
		if err != nil {
			select {
			case <-l.closed:
			default:
				log.Printf("transport: read failed: %v", err)
			}
			c.closeLink(l, ReasonError)
			return
		}
		l.touch()

		if msg.Type == protocol.TypeEncrypted {
			inner, err := c.open(msg)
			if err != nil {
				log.Printf("transport: dropping undecryptable frame: %v", err)
				continue
			}
			msg = inner
		}

		// Bind before reading the next frame: a trusted peer sends encrypted
		// traffic immediately after announcing itself.
		if msg.Type == protocol.TypeIdentity {
			c.bindIdentity(msg)
		}

		switch msg.Type {
		case protocol.TypePing:
			go func() {
				_ = c.Send(protocol.New(protocol.TypePong, nil))
			}()
		case protocol.TypePong:
			// Activity already recorded.
		case protocol.TypeDisconnect:
			c.closeLink(l, ReasonRemote)
			return
		default:
			select {
			case c.inbound <- msg:
			case <-l.closed:
				return
			}
		}
	}
}

// bindIdentity binds the announced peer's persisted trusted key, if any.
// Unknown or unpaired peers stay unbound and their encrypted frames drop.
func (c *Channel) bindIdentity(msg protocol.Message) {
	if c.opts.ResolveTrust == nil || c.engine == nil {
		return
	}
	deviceID := msg.String(protocol.KeyDeviceID)
	if deviceID == "" {
		return
	}
	if c.engine.HasPeerKey() && c.engine.PeerDeviceID() == deviceID {
		return
	}
	publicKey, ok := c.opts.ResolveTrust(deviceID)
	if !ok {
		return
	}
	if err := c.engine.SetPeerPublicKey(deviceID, publicKey); err != nil {
		log.Printf("transport: bind trusted key for %s: %v", deviceID, err)
	}
}

func (c *Channel) keepAliveLoop(l *link) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			idle := now.Sub(l.lastActivity)
			deadline := l.pongDeadline
			l.mu.Unlock()

			if !deadline.IsZero() {
				if now.After(deadline) {
					log.Printf("transport: keep-alive timed out, closing connection")
					c.closeLink(l, ReasonError)
					return
				}
				continue
			}
			if idle < c.opts.KeepAliveInterval {
				continue
			}

			l.mu.Lock()
			l.pongDeadline = now.Add(c.opts.KeepAliveTimeout)
			l.mu.Unlock()
			if err := c.Send(protocol.New(protocol.TypePing, nil)); err != nil {
				return
			}
		}
	}
}

func (c *Channel) seal(msg protocol.Message) (protocol.Message, error) {
	plaintext, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	ciphertext, iv, err := c.engine.EncryptPayload(plaintext)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("seal %s: %w", msg.Type, err)
	}
	return protocol.New(protocol.TypeEncrypted, map[string]any{
		protocol.KeyData: base64.StdEncoding.EncodeToString(ciphertext),
		protocol.KeyIV:   base64.StdEncoding.EncodeToString(iv),
	}), nil
}

func (c *Channel) open(msg protocol.Message) (protocol.Message, error) {
	if c.engine == nil {
		return protocol.Message{}, crypto.ErrNoPeerKey
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.String(protocol.KeyData))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("decode envelope data: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(msg.String(protocol.KeyIV))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("decode envelope iv: %w", err)
	}
	plaintext, err := c.engine.DecryptPayload(iv, ciphertext)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(plaintext)
}

func (c *Channel) emitState(change StateChange) {
	select {
	case c.states <- change:
	default:
	}
}
