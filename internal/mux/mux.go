package mux

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/skywang16/orbitx/internal/errdef"
)

// subscriberBuffer bounds each output subscriber. On overrun the oldest
// chunk is dropped and a DroppedBytes notification emitted; delivered bytes
// stay in source order.
const subscriberBuffer = 128

// maxPanes caps concurrent PTY children.
const maxPanes = 64

// OutputTap observes flushed pane output before subscribers receive it.
// Shell integration registers here so it always sees bytes in source order
// ahead of any derived events.
type OutputTap interface {
	ProcessOutput(id PaneID, data []byte)
	PaneClosed(id PaneID)
}

type subscriber struct {
	ch chan []byte
	id int
}

type paneEntry struct {
	pane *Pane

	mu     sync.Mutex
	subs   []*subscriber
	nextID int
}

// TerminalMux owns the pane registry and the batch pool.
type TerminalMux struct {
	mu     sync.RWMutex
	panes  map[PaneID]*paneEntry
	nextID atomic.Uint32

	batch *BatchProcessor
	taps  []OutputTap

	notifyMu  sync.RWMutex
	notifiers []func(Notification)
}

// NewTerminalMux creates the mux with the given batch configuration.
func NewTerminalMux(cfg BatchConfig) *TerminalMux {
	m := &TerminalMux{panes: make(map[PaneID]*paneEntry)}
	m.batch = NewBatchProcessor(cfg, m.handleFlush, m.handleExit)
	return m
}

// AddOutputTap registers a pre-subscriber output observer. Call before any
// pane is created.
func (m *TerminalMux) AddOutputTap(tap OutputTap) {
	m.mu.Lock()
	m.taps = append(m.taps, tap)
	m.mu.Unlock()
}

// AddNotifier registers a notification callback (PaneExited, DroppedBytes).
func (m *TerminalMux) AddNotifier(fn func(Notification)) {
	m.notifyMu.Lock()
	m.notifiers = append(m.notifiers, fn)
	m.notifyMu.Unlock()
}

func (m *TerminalMux) notify(n Notification) {
	m.notifyMu.RLock()
	defer m.notifyMu.RUnlock()
	for _, fn := range m.notifiers {
		fn(n)
	}
}

// CreatePane spawns a PTY child and registers it with the batch pool.
func (m *TerminalMux) CreatePane(spec PaneSpec) (PaneID, error) {
	if spec.Cols == 0 {
		spec.Cols = 80
	}
	if spec.Rows == 0 {
		spec.Rows = 24
	}

	m.mu.Lock()
	if len(m.panes) >= maxPanes {
		m.mu.Unlock()
		return 0, errdef.New(errdef.KindResourceExhausted, "pane limit reached (%d)", maxPanes)
	}
	id := PaneID(m.nextID.Add(1))
	m.mu.Unlock()

	pane, err := startPane(id, spec)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.panes[id] = &paneEntry{pane: pane}
	m.mu.Unlock()

	if err := m.batch.Register(pane); err != nil {
		m.removePane(id)
		pane.Close()
		return 0, err
	}

	slog.Info("pane created", "pane", id, "shell", spec.Shell, "cols", spec.Cols, "rows", spec.Rows)
	return id, nil
}

// Write sends input bytes to a pane's PTY.
func (m *TerminalMux) Write(id PaneID, data []byte) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	return entry.pane.Write(data)
}

// Resize propagates new dimensions.
func (m *TerminalMux) Resize(id PaneID, cols, rows uint16) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	return entry.pane.Resize(cols, rows)
}

// ClosePane terminates a pane. Idempotent: closing a missing or already
// closed pane is a no-op.
func (m *TerminalMux) ClosePane(id PaneID) {
	m.mu.RLock()
	entry, ok := m.panes[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	entry.pane.Close()
	m.batch.Unregister(id)
	// Final teardown (subscriber end-of-stream, registry removal, tap wipe)
	// happens in handleExit when the batch worker releases the pane.
}

// PaneExists reports whether the pane is registered.
func (m *TerminalMux) PaneExists(id PaneID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.panes[id]
	return ok
}

// ListPanes returns the live pane ids.
func (m *TerminalMux) ListPanes() []PaneID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]PaneID, 0, len(m.panes))
	for id := range m.panes {
		ids = append(ids, id)
	}
	return ids
}

// Pane returns the pane handle.
func (m *TerminalMux) Pane(id PaneID) (*Pane, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return entry.pane, nil
}

// SubscribeOutput returns an ordered byte stream for one pane. Multiple
// subscribers are allowed; each gets the same byte sequence (possibly
// truncated by drops). Cancel with the returned func; the channel closes on
// pane exit.
func (m *TerminalMux) SubscribeOutput(id PaneID) (<-chan []byte, func(), error) {
	m.mu.RLock()
	entry, ok := m.panes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, errdef.New(errdef.KindPane, "pane %d does not exist", id)
	}

	entry.mu.Lock()
	entry.nextID++
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer), id: entry.nextID}
	entry.subs = append(entry.subs, sub)
	entry.mu.Unlock()

	cancel := func() {
		entry.mu.Lock()
		for i, s := range entry.subs {
			if s.id == sub.id {
				entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		entry.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Shutdown closes every pane and stops the batch pool.
func (m *TerminalMux) Shutdown() {
	m.mu.RLock()
	ids := make([]PaneID, 0, len(m.panes))
	for id := range m.panes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.ClosePane(id)
	}
	m.batch.Shutdown()
}

func (m *TerminalMux) entry(id PaneID) (*paneEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.panes[id]
	if !ok {
		return nil, errdef.New(errdef.KindPane, "pane %d does not exist", id)
	}
	return entry, nil
}

func (m *TerminalMux) removePane(id PaneID) {
	m.mu.Lock()
	delete(m.panes, id)
	m.mu.Unlock()
}

// handleFlush runs on a batch worker: taps first (shell integration), then
// subscriber fan-out with drop-oldest backpressure.
func (m *TerminalMux) handleFlush(id PaneID, data []byte) {
	m.mu.RLock()
	taps := m.taps
	entry, ok := m.panes[id]
	m.mu.RUnlock()

	for _, tap := range taps {
		tap.ProcessOutput(id, data)
	}
	if !ok {
		return
	}

	entry.mu.Lock()
	subs := make([]*subscriber, len(entry.subs))
	copy(subs, entry.subs)
	entry.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- data:
		default:
			dropped := 0
			select {
			case <-sub.ch:
				dropped++
			default:
			}
			select {
			case sub.ch <- data:
			default:
				dropped++
			}
			if dropped > 0 {
				m.notify(DroppedBytes{PaneID: id, Count: dropped})
			}
		}
	}
}

// handleExit runs once per pane after its residual buffer flushed: wipe
// dependent state synchronously, close subscriber streams, emit PaneExited.
func (m *TerminalMux) handleExit(id PaneID, exitCode *int) {
	m.mu.RLock()
	entry, ok := m.panes[id]
	taps := m.taps
	m.mu.RUnlock()

	for _, tap := range taps {
		tap.PaneClosed(id)
	}

	if ok {
		entry.mu.Lock()
		for _, sub := range entry.subs {
			close(sub.ch)
		}
		entry.subs = nil
		entry.mu.Unlock()
		m.removePane(id)
	}

	m.notify(PaneExited{PaneID: id, ExitCode: exitCode})
	slog.Info("pane exited", "pane", id)
}
