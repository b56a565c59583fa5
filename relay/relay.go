// Package relay carries the small status messages between paired devices:
// battery level, notifications, and the remote "find device" ring.
package relay

import (
	"errors"
	"log"
	"sync"

	"winuxconnect/protocol"
)

// ErrNoBatteryStatus indicates the peer has not reported battery yet.
var ErrNoBatteryStatus = errors.New("relay: no battery status from peer")

// BatteryStatus is the last reported charge state of a device.
type BatteryStatus struct {
	Level        int
	IsCharging   bool
	ChargingType string
}

// Notification is one forwarded notification.
type Notification struct {
	AppName string
	Title   string
	Text    string
}

// BatteryProvider reports the local battery for answering peer requests.
// Hosts without a battery return an error and requests go unanswered.
type BatteryProvider func() (BatteryStatus, error)

// Sender submits messages to the active session.
type Sender interface {
	Send(msg protocol.Message) error
}

// Relay caches peer battery state and surfaces notification and ring events.
type Relay struct {
	sender   Sender
	provider BatteryProvider

	notifications chan Notification
	batteries     chan BatteryStatus
	rings         chan struct{}

	mu          sync.Mutex
	peerBattery BatteryStatus
	hasBattery  bool
}

// New creates a relay. provider may be nil on hosts without a battery.
func New(sender Sender, provider BatteryProvider) *Relay {
	return &Relay{
		sender:        sender,
		provider:      provider,
		notifications: make(chan Notification, 16),
		batteries:     make(chan BatteryStatus, 16),
		rings:         make(chan struct{}, 4),
	}
}

// Notifications returns forwarded peer notifications.
func (r *Relay) Notifications() <-chan Notification {
	return r.notifications
}

// BatteryUpdates returns peer battery reports as they arrive.
func (r *Relay) BatteryUpdates() <-chan BatteryStatus {
	return r.batteries
}

// Rings signals each incoming find-device command.
func (r *Relay) Rings() <-chan struct{} {
	return r.rings
}

// PeerBattery returns the most recent battery report from the peer.
func (r *Relay) PeerBattery() (BatteryStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasBattery {
		return BatteryStatus{}, ErrNoBatteryStatus
	}
	return r.peerBattery, nil
}

// RequestBattery asks the peer for a fresh battery report.
func (r *Relay) RequestBattery() error {
	return r.sender.Send(protocol.New(protocol.TypeBatteryRequest, nil))
}

// Ring tells the peer to make itself audible.
func (r *Relay) Ring() error {
	return r.sender.Send(protocol.New(protocol.TypeFindDevice, nil))
}

// PublishBattery pushes the local battery state to the peer.
func (r *Relay) PublishBattery(status BatteryStatus) error {
	return r.sender.Send(protocol.New(protocol.TypeBatteryStatus, map[string]any{
		protocol.KeyLevel:        status.Level,
		protocol.KeyIsCharging:   status.IsCharging,
		protocol.KeyChargingType: status.ChargingType,
	}))
}

// ForwardNotification pushes a local notification to the peer.
func (r *Relay) ForwardNotification(n Notification) error {
	return r.sender.Send(protocol.New(protocol.TypeNotification, map[string]any{
		protocol.KeyAppName: n.AppName,
		protocol.KeyTitle:   n.Title,
		protocol.KeyText:    n.Text,
	}))
}

// HandleMessage consumes relay messages routed from the session layer.
func (r *Relay) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeBatteryStatus:
		status := BatteryStatus{
			Level:        int(msg.Int64(protocol.KeyLevel)),
			IsCharging:   msg.Bool(protocol.KeyIsCharging),
			ChargingType: msg.String(protocol.KeyChargingType),
		}
		r.mu.Lock()
		r.peerBattery = status
		r.hasBattery = true
		r.mu.Unlock()
		select {
		case r.batteries <- status:
		default:
		}
	case protocol.TypeBatteryRequest:
		if r.provider == nil {
			return
		}
		status, err := r.provider()
		if err != nil {
			log.Printf("relay: local battery unavailable: %v", err)
			return
		}
		if err := r.PublishBattery(status); err != nil {
			log.Printf("relay: answer battery request: %v", err)
		}
	case protocol.TypeNotification:
		n := Notification{
			AppName: msg.String(protocol.KeyAppName),
			Title:   msg.String(protocol.KeyTitle),
			Text:    msg.String(protocol.KeyText),
		}
		select {
		case r.notifications <- n:
		default:
			log.Printf("relay: notification queue full, dropping %q", n.Title)
		}
	case protocol.TypeFindDevice:
		select {
		case r.rings <- struct{}{}:
		default:
		}
	}
}
