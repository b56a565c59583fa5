// Package transfer moves files between paired devices. Each transfer walks
// Pending → InProgress → {Completed | Failed | Cancelled}; terminal states
// are final and persisted for history. Bytes-moved only grows and never
// exceeds the declared size: a mismatch at completion fails the transfer
// rather than silently truncating or padding it.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"winuxconnect/protocol"
	"winuxconnect/storage"
)

// DefaultChunkSize keeps chunk frames small; base64 expansion still leaves
// them far under the frame cap.
const DefaultChunkSize = 64 * 1024

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

var (
	// ErrUnknownTransfer indicates no transfer matches the given ID.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrNotPending indicates the transfer already left the Pending state.
	ErrNotPending = errors.New("transfer: not pending")
)

// State is a transfer lifecycle position.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Transfer is the observable snapshot of one file movement.
type Transfer struct {
	ID           string
	PeerDeviceID string
	Direction    string
	FileName     string
	FileSize     int64
	BytesMoved   int64
	State        State
	Reason       string
	Path         string
}

// Progress returns completion as a 0-100 percentage.
func (t Transfer) Progress() int {
	if t.FileSize <= 0 {
		return 0
	}
	return int(t.BytesMoved * 100 / t.FileSize)
}

// Sender submits messages to the active session.
type Sender interface {
	Send(msg protocol.Message) error
}

// Config controls chunking and incoming file placement.
type Config struct {
	ChunkSize   int
	DownloadDir string
}

func (c Config) withDefaults() Config {
	out := c
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.DownloadDir == "" {
		out.DownloadDir = "."
	}
	return out
}

type transferState struct {
	Transfer
	file   *os.File
	cancel chan struct{}
}

// Manager owns all transfers for the active session.
type Manager struct {
	cfg     Config
	sender  Sender
	history *storage.Store
	peerID  func() string

	offers chan Transfer
	events chan Transfer

	mu        sync.Mutex
	transfers map[string]*transferState
}

// NewManager creates a manager. peerID resolves the currently bound peer for
// history records; history may be nil when persistence is not wanted.
func NewManager(cfg Config, sender Sender, history *storage.Store, peerID func() string) *Manager {
	if peerID == nil {
		peerID = func() string { return "" }
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		sender:    sender,
		history:   history,
		peerID:    peerID,
		offers:    make(chan Transfer, 8),
		events:    make(chan Transfer, 64),
		transfers: make(map[string]*transferState),
	}
}

// Offers returns incoming transfer offers awaiting accept/reject.
func (m *Manager) Offers() <-chan Transfer {
	return m.offers
}

// Events returns transfer progress and state updates.
func (m *Manager) Events() <-chan Transfer {
	return m.events
}

// Get returns the snapshot of one transfer.
func (m *Manager) Get(id string) (Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return ts.Transfer, true
}

// List returns snapshots of all transfers, newest ID order not guaranteed.
func (m *Manager) List() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, ts := range m.transfers {
		out = append(out, ts.Transfer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendFile offers a local file to the peer. The transfer stays Pending until
// the peer answers the offer.
func (m *Manager) SendFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%q is a directory", path)
	}

	ts := &transferState{
		Transfer: Transfer{
			ID:           uuid.NewString(),
			PeerDeviceID: m.peerID(),
			Direction:    DirectionOutgoing,
			FileName:     filepath.Base(path),
			FileSize:     info.Size(),
			State:        StatePending,
			Path:         path,
		},
		cancel: make(chan struct{}),
	}

	m.mu.Lock()
	m.transfers[ts.ID] = ts
	m.mu.Unlock()

	err = m.sender.Send(protocol.New(protocol.TypeTransferOffer, map[string]any{
		protocol.KeyTransferID: ts.ID,
		protocol.KeyFileName:   ts.FileName,
		protocol.KeyFileSize:   ts.FileSize,
	}))
	if err != nil {
		m.finish(ts.ID, StateFailed, err.Error())
		return ts.ID, err
	}

	m.emit(ts.Transfer)
	return ts.ID, nil
}

// Accept opens local storage for a pending incoming offer and tells the
// peer to start streaming.
func (m *Manager) Accept(id string) error {
	m.mu.Lock()
	ts, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTransfer
	}
	if ts.State != StatePending || ts.Direction != DirectionIncoming {
		m.mu.Unlock()
		return ErrNotPending
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.cfg.DownloadDir, 0o755); err != nil {
		m.finish(id, StateFailed, err.Error())
		return err
	}
	partPath := filepath.Join(m.cfg.DownloadDir, ts.FileName+".part")
	file, err := os.Create(partPath)
	if err != nil {
		m.finish(id, StateFailed, err.Error())
		return err
	}

	m.mu.Lock()
	ts.file = file
	ts.Path = partPath
	ts.State = StateInProgress
	snapshot := ts.Transfer
	m.mu.Unlock()
	m.emit(snapshot)

	return m.sender.Send(protocol.New(protocol.TypeTransferResponse, map[string]any{
		protocol.KeyTransferID: id,
		protocol.KeyAccepted:   true,
	}))
}

// Reject declines a pending incoming offer.
func (m *Manager) Reject(id, reason string) error {
	m.mu.Lock()
	ts, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTransfer
	}
	if ts.State != StatePending || ts.Direction != DirectionIncoming {
		m.mu.Unlock()
		return ErrNotPending
	}
	m.mu.Unlock()

	if reason == "" {
		reason = "transfer rejected"
	}
	err := m.sender.Send(protocol.New(protocol.TypeTransferResponse, map[string]any{
		protocol.KeyTransferID: id,
		protocol.KeyAccepted:   false,
		protocol.KeyReason:     reason,
	}))
	m.finish(id, StateCancelled, reason)
	return err
}

// Cancel terminates a transfer locally, releases its resources before
// returning, and notifies the peer.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	ts, ok := m.transfers[id]
	if !ok || ts.State.terminal() {
		m.mu.Unlock()
		if !ok {
			return ErrUnknownTransfer
		}
		return nil
	}
	m.mu.Unlock()

	_ = m.sender.Send(protocol.New(protocol.TypeTransferCancel, map[string]any{
		protocol.KeyTransferID: id,
	}))
	m.finish(id, StateCancelled, "cancelled by user")
	return nil
}

// HandleMessage consumes transfer messages routed from the session layer.
func (m *Manager) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeTransferOffer:
		m.handleOffer(msg)
	case protocol.TypeTransferResponse:
		m.handleResponse(msg)
	case protocol.TypeTransferChunk:
		m.handleChunk(msg)
	case protocol.TypeTransferComplete:
		m.handleComplete(msg)
	case protocol.TypeTransferCancel:
		id := msg.String(protocol.KeyTransferID)
		if _, ok := m.Get(id); ok {
			m.finish(id, StateCancelled, "cancelled by peer")
		}
	}
}

func (m *Manager) handleOffer(msg protocol.Message) {
	id := msg.String(protocol.KeyTransferID)
	name := msg.String(protocol.KeyFileName)
	size := msg.Int64(protocol.KeyFileSize)
	if id == "" || name == "" || size < 0 {
		log.Printf("transfer: ignoring malformed offer")
		return
	}

	ts := &transferState{
		Transfer: Transfer{
			ID:           id,
			PeerDeviceID: m.peerID(),
			Direction:    DirectionIncoming,
			FileName:     filepath.Base(name),
			FileSize:     size,
			State:        StatePending,
		},
		cancel: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.transfers[id]; exists {
		m.mu.Unlock()
		log.Printf("transfer: duplicate offer %s ignored", id)
		return
	}
	m.transfers[id] = ts
	m.mu.Unlock()

	select {
	case m.offers <- ts.Transfer:
	default:
		log.Printf("transfer: offer queue full, dropping offer %s", id)
	}
}

func (m *Manager) handleResponse(msg protocol.Message) {
	id := msg.String(protocol.KeyTransferID)

	m.mu.Lock()
	ts, ok := m.transfers[id]
	if !ok || ts.Direction != DirectionOutgoing || ts.State != StatePending {
		m.mu.Unlock()
		log.Printf("transfer: ignoring response for %q", id)
		return
	}

	if !msg.Bool(protocol.KeyAccepted) {
		m.mu.Unlock()
		reason := msg.String(protocol.KeyReason)
		if reason == "" {
			reason = "transfer rejected by peer"
		}
		m.finish(id, StateFailed, reason)
		return
	}

	file, err := os.Open(ts.Path)
	if err != nil {
		m.mu.Unlock()
		m.finish(id, StateFailed, err.Error())
		return
	}
	ts.file = file
	ts.State = StateInProgress
	snapshot := ts.Transfer
	m.mu.Unlock()

	m.emit(snapshot)
	go m.stream(ts)
}

func (m *Manager) stream(ts *transferState) {
	buf := make([]byte, m.cfg.ChunkSize)
	var offset int64

	for {
		select {
		case <-ts.cancel:
			return
		default:
		}

		n, err := ts.file.Read(buf)
		if n > 0 {
			sendErr := m.sender.Send(protocol.New(protocol.TypeTransferChunk, map[string]any{
				protocol.KeyTransferID: ts.ID,
				protocol.KeyData:       base64.StdEncoding.EncodeToString(buf[:n]),
				protocol.KeyOffset:     offset,
			}))
			if sendErr != nil {
				m.finish(ts.ID, StateFailed, sendErr.Error())
				return
			}
			offset += int64(n)
			m.advance(ts, int64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			m.finish(ts.ID, StateFailed, err.Error())
			return
		}
	}

	if err := m.sender.Send(protocol.New(protocol.TypeTransferComplete, map[string]any{
		protocol.KeyTransferID: ts.ID,
	})); err != nil {
		m.finish(ts.ID, StateFailed, err.Error())
		return
	}
	m.finish(ts.ID, StateCompleted, "")
}

func (m *Manager) handleChunk(msg protocol.Message) {
	id := msg.String(protocol.KeyTransferID)

	m.mu.Lock()
	ts, ok := m.transfers[id]
	if !ok || ts.Direction != DirectionIncoming || ts.State != StateInProgress {
		m.mu.Unlock()
		return
	}
	file := ts.file
	expected := ts.BytesMoved
	declared := ts.FileSize
	m.mu.Unlock()

	data, err := base64.StdEncoding.DecodeString(msg.String(protocol.KeyData))
	if err != nil {
		m.finish(id, StateFailed, "undecodable chunk data")
		return
	}
	if msg.Int64(protocol.KeyOffset) != expected {
		m.finish(id, StateFailed, "out of order chunk")
		return
	}
	if expected+int64(len(data)) > declared {
		m.finish(id, StateFailed, "declared size exceeded")
		return
	}

	if _, err := file.Write(data); err != nil {
		m.finish(id, StateFailed, err.Error())
		return
	}
	m.advance(ts, int64(len(data)))
}

func (m *Manager) handleComplete(msg protocol.Message) {
	id := msg.String(protocol.KeyTransferID)

	m.mu.Lock()
	ts, ok := m.transfers[id]
	if !ok || ts.Direction != DirectionIncoming || ts.State != StateInProgress {
		m.mu.Unlock()
		return
	}
	moved := ts.BytesMoved
	declared := ts.FileSize
	partPath := ts.Path
	m.mu.Unlock()

	if moved != declared {
		m.finish(id, StateFailed, fmt.Sprintf("size mismatch: got %d of %d bytes", moved, declared))
		return
	}

	m.mu.Lock()
	if ts.file != nil {
		_ = ts.file.Close()
		ts.file = nil
	}
	m.mu.Unlock()

	finalPath := uniquePath(filepath.Join(m.cfg.DownloadDir, ts.FileName))
	if err := os.Rename(partPath, finalPath); err != nil {
		m.finish(id, StateFailed, err.Error())
		return
	}

	m.mu.Lock()
	ts.Path = finalPath
	m.mu.Unlock()
	m.finish(id, StateCompleted, "")
}

func (m *Manager) advance(ts *transferState, n int64) {
	m.mu.Lock()
	ts.BytesMoved += n
	if ts.BytesMoved > ts.FileSize {
		ts.BytesMoved = ts.FileSize
	}
	snapshot := ts.Transfer
	m.mu.Unlock()
	m.emit(snapshot)
}

// finish moves a transfer to a terminal state, releasing its file handle
// synchronously and persisting the record.
func (m *Manager) finish(id string, state State, reason string) {
	m.mu.Lock()
	ts, ok := m.transfers[id]
	if !ok || ts.State.terminal() {
		m.mu.Unlock()
		return
	}
	ts.State = state
	ts.Reason = reason
	if ts.file != nil {
		_ = ts.file.Close()
		ts.file = nil
	}
	select {
	case <-ts.cancel:
	default:
		close(ts.cancel)
	}
	snapshot := ts.Transfer
	m.mu.Unlock()

	// Drop the partial file of an unfinished incoming transfer.
	if snapshot.Direction == DirectionIncoming && state != StateCompleted && snapshot.Path != "" {
		_ = os.Remove(snapshot.Path)
	}

	m.emit(snapshot)
	m.record(snapshot)
}

func (m *Manager) record(t Transfer) {
	if m.history == nil {
		return
	}
	err := m.history.RecordTransfer(storage.TransferRecord{
		ID:           t.ID,
		PeerDeviceID: t.PeerDeviceID,
		Direction:    t.Direction,
		FileName:     t.FileName,
		FileSize:     t.FileSize,
		BytesMoved:   t.BytesMoved,
		State:        string(t.State),
		Reason:       t.Reason,
		FinishedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("transfer: persist record %s: %v", t.ID, err)
	}
}

func (m *Manager) emit(t Transfer) {
	select {
	case m.events <- t:
	default:
	}
}

// uniquePath appends a counter suffix until the path does not exist.
func uniquePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
