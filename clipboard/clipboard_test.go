package clipboard

import (
	"strings"
	"sync"
	"testing"
	"time"

	"winuxconnect/protocol"
)

type fakeBoard struct {
	mu      sync.Mutex
	content string
	writes  int
}

func (b *fakeBoard) Read() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content, nil
}

func (b *fakeBoard) Write(content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content = content
	b.writes++
	return nil
}

func (b *fakeBoard) set(content string) {
	b.mu.Lock()
	b.content = content
	b.mu.Unlock()
}

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (s *fakeSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) last() protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return protocol.Message{}
	}
	return s.sent[len(s.sent)-1]
}

func TestLocalChangePushedToPeer(t *testing.T) {
	board := &fakeBoard{}
	sender := &fakeSender{}
	syncer := NewSyncer(Config{}, board, sender)

	syncer.OnLocalChange("hello")

	if sender.count() != 1 {
		t.Fatalf("expected one push, got %d", sender.count())
	}
	msg := sender.last()
	if msg.Type != protocol.TypeClipboardContent || msg.String(protocol.KeyContent) != "hello" {
		t.Fatalf("unexpected push %v", msg)
	}
}

func TestNoEchoLoop(t *testing.T) {
	board := &fakeBoard{}
	sender := &fakeSender{}
	syncer := NewSyncer(Config{}, board, sender)

	// Local change X is pushed, the peer echoes X back, and the observer
	// then notices the applied content. None of that may re-send X.
	syncer.OnLocalChange("X")
	if sender.count() != 1 {
		t.Fatalf("expected initial push, got %d sends", sender.count())
	}

	syncer.HandleMessage(protocol.New(protocol.TypeClipboardContent, map[string]any{
		protocol.KeyContent: "X",
	}))
	if board.content != "X" {
		t.Fatalf("received content not applied, board=%q", board.content)
	}

	syncer.OnLocalChange("X")
	if sender.count() != 1 {
		t.Fatalf("echo loop: content X re-sent, %d sends", sender.count())
	}
}

func TestReceivedContentNotReSentByObserver(t *testing.T) {
	board := &fakeBoard{}
	sender := &fakeSender{}
	syncer := NewSyncer(Config{PollInterval: 10 * time.Millisecond}, board, sender)

	syncer.Start()
	defer syncer.Stop()

	syncer.HandleMessage(protocol.New(protocol.TypeClipboardContent, map[string]any{
		protocol.KeyContent: "from peer",
	}))

	time.Sleep(100 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("observer re-sent received content, %d sends", sender.count())
	}

	// A genuinely new local value is still picked up.
	board.set("typed locally")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 || sender.last().String(protocol.KeyContent) != "typed locally" {
		t.Fatalf("local change not pushed, sends=%d", sender.count())
	}
}

func TestOversizedContentSkipped(t *testing.T) {
	board := &fakeBoard{}
	sender := &fakeSender{}
	syncer := NewSyncer(Config{MaxContentSize: 16}, board, sender)

	syncer.OnLocalChange(strings.Repeat("a", 17))
	if sender.count() != 0 {
		t.Fatalf("oversized content must be skipped, got %d sends", sender.count())
	}

	syncer.OnLocalChange("small")
	if sender.count() != 1 {
		t.Fatalf("expected small content to sync, got %d sends", sender.count())
	}
}

func TestRequestBypassesDedup(t *testing.T) {
	board := &fakeBoard{content: "current"}
	sender := &fakeSender{}
	syncer := NewSyncer(Config{}, board, sender)

	syncer.OnLocalChange("current")
	if sender.count() != 1 {
		t.Fatalf("expected initial push, got %d", sender.count())
	}

	// The same content would be deduplicated, but a request forces it.
	syncer.HandleMessage(protocol.New(protocol.TypeClipboardRequest, nil))
	if sender.count() != 2 {
		t.Fatalf("request must force a send, got %d sends", sender.count())
	}
	if sender.last().String(protocol.KeyContent) != "current" {
		t.Fatalf("unexpected forced content %q", sender.last().String(protocol.KeyContent))
	}
}
