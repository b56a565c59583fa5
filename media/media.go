// Package media relays playback control between paired devices: the peer can
// drive the local player and mirror its now-playing state.
package media

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"winuxconnect/protocol"
)

// Action is one remote playback command.
type Action string

const (
	ActionPlay      Action = "play"
	ActionPause     Action = "pause"
	ActionPlayPause Action = "playpause"
	ActionNext      Action = "next"
	ActionPrevious  Action = "previous"
	ActionStop      Action = "stop"
)

var (
	// ErrNoMediaStatus indicates the peer has not reported playback yet.
	ErrNoMediaStatus = errors.New("media: no playback status from peer")
	// ErrUnknownAction indicates a command outside the playback action set.
	ErrUnknownAction = errors.New("media: unknown action")
)

// Status is the now-playing state of a device.
type Status struct {
	AppName   string
	Title     string
	Artist    string
	IsPlaying bool
}

// Player adapts the local playback stack, MPRIS over D-Bus on a Linux
// desktop. Hosts without one run with a nil player and ignore commands.
type Player interface {
	Status() (Status, error)
	Apply(action Action) error
}

// Sender submits messages to the active session.
type Sender interface {
	Send(msg protocol.Message) error
}

// Control caches the peer's playback state and applies incoming commands to
// the local player.
type Control struct {
	sender Sender
	player Player

	updates chan Status

	mu         sync.Mutex
	peerStatus Status
	hasStatus  bool
}

// New creates a control. player may be nil on hosts without local playback.
func New(sender Sender, player Player) *Control {
	return &Control{
		sender:  sender,
		player:  player,
		updates: make(chan Status, 16),
	}
}

// Updates returns peer playback reports as they arrive.
func (c *Control) Updates() <-chan Status {
	return c.updates
}

// PeerStatus returns the most recent playback report from the peer.
func (c *Control) PeerStatus() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasStatus {
		return Status{}, ErrNoMediaStatus
	}
	return c.peerStatus, nil
}

// SendControl asks the peer to apply a playback action.
func (c *Control) SendControl(action Action) error {
	if !validAction(action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return c.sender.Send(protocol.New(protocol.TypeMediaControl, map[string]any{
		protocol.KeyAction: string(action),
	}))
}

// RequestStatus asks the peer for a fresh playback report.
func (c *Control) RequestStatus() error {
	return c.sender.Send(protocol.New(protocol.TypeMediaRequest, nil))
}

// PublishStatus pushes the local playback state to the peer.
func (c *Control) PublishStatus(status Status) error {
	return c.sender.Send(protocol.New(protocol.TypeMediaStatus, map[string]any{
		protocol.KeyAppName:   status.AppName,
		protocol.KeyTitle:     status.Title,
		protocol.KeyArtist:    status.Artist,
		protocol.KeyIsPlaying: status.IsPlaying,
	}))
}

// HandleMessage consumes media messages routed from the session layer.
func (c *Control) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeMediaStatus:
		status := Status{
			AppName:   msg.String(protocol.KeyAppName),
			Title:     msg.String(protocol.KeyTitle),
			Artist:    msg.String(protocol.KeyArtist),
			IsPlaying: msg.Bool(protocol.KeyIsPlaying),
		}
		c.mu.Lock()
		c.peerStatus = status
		c.hasStatus = true
		c.mu.Unlock()
		select {
		case c.updates <- status:
		default:
		}
	case protocol.TypeMediaRequest:
		if c.player == nil {
			return
		}
		status, err := c.player.Status()
		if err != nil {
			log.Printf("media: local player unavailable: %v", err)
			return
		}
		if err := c.PublishStatus(status); err != nil {
			log.Printf("media: answer status request: %v", err)
		}
	case protocol.TypeMediaControl:
		if c.player == nil {
			return
		}
		action := Action(msg.String(protocol.KeyAction))
		if !validAction(action) {
			log.Printf("media: ignoring unknown action %q", action)
			return
		}
		if err := c.player.Apply(action); err != nil {
			log.Printf("media: apply %s: %v", action, err)
			return
		}
		// Report the resulting state so the remote control stays current.
		status, err := c.player.Status()
		if err != nil {
			return
		}
		if err := c.PublishStatus(status); err != nil {
			log.Printf("media: publish status after %s: %v", action, err)
		}
	}
}

func validAction(action Action) bool {
	switch action {
	case ActionPlay, ActionPause, ActionPlayPause, ActionNext, ActionPrevious, ActionStop:
		return true
	}
	return false
}
