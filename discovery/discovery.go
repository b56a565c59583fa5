package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service identifier without domain suffix.
	ServiceType = "_winuxconnect._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second

	// DefaultCapabilities is assumed when a peer advertises none.
	DefaultCapabilities = "notifications,clipboard,files,media"
	// DefaultOSVersion is assumed when a peer advertises no os attribute.
	DefaultOSVersion = "Winux"
	// DefaultDeviceClass is assumed when a peer advertises no type attribute.
	DefaultDeviceClass = "desktop"
)

// EventType identifies discovery stream updates.
type EventType string

const (
	EventStarted     EventType = "started"
	EventDeviceFound EventType = "device_found"
	EventDeviceLost  EventType = "device_lost"
	EventError       EventType = "error"
	EventStopped     EventType = "stopped"
)

// Device is a reachable peer assembled from a resolved advertisement.
type Device struct {
	ID           string
	Name         string
	Hostname     string
	Address      string
	Port         int
	Type         string
	Capabilities []string
	OSVersion    string
	Fingerprint  string
	LastSeen     time.Time
}

// Event is one update on the discovery stream. Device is set for
// DeviceFound, Name for DeviceLost, Err for Error.
type Event struct {
	Type   EventType
	Device Device
	Name   string
	Err    error
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement content and browse behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	Port         int
	DeviceClass  string
	Capabilities []string
	OSVersion    string
	Fingerprint  string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = ServiceType
	}
	if out.Domain == "" {
		out.Domain = Domain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.DeviceClass == "" {
		out.DeviceClass = DefaultDeviceClass
	}
	if out.OSVersion == "" {
		out.OSVersion = DefaultOSVersion
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.Port <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

// Service advertises the local device and browses for peers, producing a
// live deduplicated device set keyed by advertised device identity.
type Service struct {
	cfg    Config
	browse browseFunc

	events chan Event

	mu      sync.Mutex
	running bool
	server  *zeroconf.Server
	devices map[string]Device
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a discovery service. The event channel outlives individual
// Start/Stop cycles so a stopped service can be started again.
func New(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Service{
		cfg:     cfg,
		browse:  cfg.browseFn,
		events:  make(chan Event, 128),
		devices: make(map[string]Device),
	}, nil
}

// Events provides the discovery update stream.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Devices returns the current deduplicated device snapshot.
func (s *Service) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Device, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Start begins advertising and browsing. A start failure emits a single
// Error event and leaves the service stopped, never partially started.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	txt := []string{
		"id=" + s.cfg.SelfDeviceID,
		"type=" + s.cfg.DeviceClass,
		"capabilities=" + capabilityAttr(s.cfg.Capabilities),
		"os=" + s.cfg.OSVersion,
		"fp=" + s.cfg.Fingerprint,
	}

	server, err := s.cfg.registerFn(s.cfg.DeviceName, s.cfg.Service, s.cfg.Domain, s.cfg.Port, txt, nil)
	if err != nil {
		err = fmt.Errorf("register mDNS service: %w", err)
		s.emit(Event{Type: EventError, Err: err})
		return err
	}

	browse := s.browse
	if browse == nil {
		resolver, resolverErr := zeroconf.NewResolver(nil)
		if resolverErr != nil {
			server.Shutdown()
			err := fmt.Errorf("create mDNS resolver: %w", resolverErr)
			s.emit(Event{Type: EventError, Err: err})
			return err
		}
		browse = resolver.Browse
	}

	s.server = server
	s.browse = browse
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.emit(Event{Type: EventStarted})

	s.wg.Add(1)
	go s.loop(s.ctx)

	return nil
}

// Stop is idempotent and safe to call even when discovery was never started.
// The cancel releases the advertisement and browse loop before returning.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	server := s.server
	s.server = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	if server != nil {
		server.Shutdown()
	}

	s.mu.Lock()
	s.devices = make(map[string]Device)
	s.mu.Unlock()

	s.emit(Event{Type: EventStopped})
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	// Prime the device set immediately.
	s.runScan(ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runScan(parent context.Context) {
	scanCtx, cancel := context.WithTimeout(parent, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Device)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				device, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				device.LastSeen = time.Now()
				collectedMu.Lock()
				collected[device.ID] = device
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		s.emit(Event{Type: EventError, Err: fmt.Errorf("browse mDNS: %w", err)})
		return
	}

	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)
}

func (s *Service) applySnapshot(next map[string]Device) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	previous := s.devices
	s.devices = next
	s.mu.Unlock()

	for id, device := range next {
		old, exists := previous[id]
		if !exists || !devicesEqual(old, device) {
			s.emit(Event{Type: EventDeviceFound, Device: device})
		}
	}

	for id, device := range previous {
		if _, exists := next[id]; !exists {
			s.emit(Event{Type: EventDeviceLost, Name: device.Name, Device: Device{ID: id, Name: device.Name}})
		}
	}
}

func (s *Service) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry builds a Device from a resolved service entry. Entries without
// an identity or without any resolved address are dropped: resolution races
// on flaky networks are expected and must not surface as hard errors.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Device, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Device{}, false
	}

	address := firstAddress(entry)
	if address == "" {
		log.Printf("discovery: dropping %q, resolution returned no address", entry.Instance)
		return Device{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	deviceClass := txt["type"]
	if deviceClass == "" {
		deviceClass = DefaultDeviceClass
	}
	capabilities := txt["capabilities"]
	if capabilities == "" {
		capabilities = DefaultCapabilities
	}
	osVersion := txt["os"]
	if osVersion == "" {
		osVersion = DefaultOSVersion
	}

	return Device{
		ID:           deviceID,
		Name:         name,
		Hostname:     entry.HostName,
		Address:      address,
		Port:         entry.Port,
		Type:         deviceClass,
		Capabilities: splitCapabilities(capabilities),
		OSVersion:    osVersion,
		Fingerprint:  strings.TrimSpace(txt["fp"]),
	}, true
}

func firstAddress(entry *zeroconf.ServiceEntry) string {
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if raw := ip.String(); raw != "" {
			return raw
		}
	}
	return ""
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func capabilityAttr(capabilities []string) string {
	if len(capabilities) == 0 {
		return DefaultCapabilities
	}
	return strings.Join(capabilities, ",")
}

func splitCapabilities(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func devicesEqual(a, b Device) bool {
	if a.ID != b.ID ||
		a.Name != b.Name ||
		a.Hostname != b.Hostname ||
		a.Address != b.Address ||
		a.Port != b.Port ||
		a.Type != b.Type ||
		a.OSVersion != b.OSVersion ||
		a.Fingerprint != b.Fingerprint ||
		len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
