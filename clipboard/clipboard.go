// Package clipboard mirrors clipboard content with the connected peer.
// The echo-loop invariant: content equal to the last value sent to or
// received from the peer is never re-sent, so two synced devices cannot
// ping-pong the same content forever.
package clipboard

import (
	"context"
	"log"
	"sync"
	"time"

	atotto "github.com/atotto/clipboard"

	"winuxconnect/protocol"
)

const (
	// DefaultMaxContentSize is the sync ceiling; larger content is skipped
	// outright, never truncated.
	DefaultMaxContentSize = 1 << 20
	// DefaultPollInterval is how often the local clipboard is observed.
	DefaultPollInterval = time.Second
)

// Board abstracts the platform clipboard so tests and headless hosts can
// substitute their own.
type Board interface {
	Read() (string, error)
	Write(content string) error
}

// SystemBoard is the desktop clipboard.
type SystemBoard struct{}

func (SystemBoard) Read() (string, error) {
	return atotto.ReadAll()
}

func (SystemBoard) Write(content string) error {
	return atotto.WriteAll(content)
}

// Sender submits messages to the active session.
type Sender interface {
	Send(msg protocol.Message) error
}

// Config controls sync limits and observation cadence.
type Config struct {
	MaxContentSize int
	PollInterval   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxContentSize <= 0 {
		out.MaxContentSize = DefaultMaxContentSize
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	return out
}

// Syncer observes the local clipboard and exchanges content messages.
type Syncer struct {
	cfg    Config
	board  Board
	sender Sender

	mu           sync.Mutex
	lastSent     string
	lastReceived string
	lastObserved string
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewSyncer creates a syncer over the given board and sender.
func NewSyncer(cfg Config, board Board, sender Sender) *Syncer {
	return &Syncer{
		cfg:    cfg.withDefaults(),
		board:  board,
		sender: sender,
	}
}

// Start begins observing the local clipboard.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())

	// Seed the observer so pre-existing content is not pushed on startup.
	if current, err := s.board.Read(); err == nil {
		s.lastObserved = current
	}

	s.wg.Add(1)
	go s.observe(ctx)
}

// Stop is idempotent.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Syncer) observe(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			content, err := s.board.Read()
			if err != nil {
				continue
			}
			s.mu.Lock()
			changed := content != s.lastObserved
			s.lastObserved = content
			s.mu.Unlock()
			if changed {
				s.OnLocalChange(content)
			}
		}
	}
}

// OnLocalChange pushes new local content to the peer unless it matches the
// last content sent or received, or exceeds the size ceiling.
func (s *Syncer) OnLocalChange(content string) {
	s.mu.Lock()
	duplicate := content == s.lastSent || content == s.lastReceived
	s.mu.Unlock()
	if duplicate {
		return
	}
	if len(content) > s.cfg.MaxContentSize {
		log.Printf("clipboard: skipping %d byte content above sync ceiling", len(content))
		return
	}

	s.push(content)
}

// HandleMessage consumes clipboard messages routed from the session layer.
func (s *Syncer) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeClipboardContent:
		content := msg.String(protocol.KeyContent)

		// Record before applying so the observer does not re-send it.
		s.mu.Lock()
		s.lastReceived = content
		s.lastObserved = content
		s.mu.Unlock()

		if err := s.board.Write(content); err != nil {
			log.Printf("clipboard: apply received content: %v", err)
		}
	case protocol.TypeClipboardRequest:
		content, err := s.board.Read()
		if err != nil {
			log.Printf("clipboard: read for request: %v", err)
			return
		}
		if len(content) > s.cfg.MaxContentSize {
			log.Printf("clipboard: skipping %d byte content above sync ceiling", len(content))
			return
		}
		// An explicit request bypasses the dedup check.
		s.push(content)
	}
}

// RequestPeerContent asks the peer for its current clipboard.
func (s *Syncer) RequestPeerContent() error {
	return s.sender.Send(protocol.New(protocol.TypeClipboardRequest, nil))
}

func (s *Syncer) push(content string) {
	err := s.sender.Send(protocol.New(protocol.TypeClipboardContent, map[string]any{
		protocol.KeyContent: content,
	}))
	if err != nil {
		log.Printf("clipboard: push content: %v", err)
		return
	}
	s.mu.Lock()
	s.lastSent = content
	s.mu.Unlock()
}
