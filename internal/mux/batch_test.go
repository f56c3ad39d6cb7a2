package mux

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// fakePane builds a Pane backed by a plain channel, no PTY. The batch pool
// only touches data, ID, IsDead and ExitCode, so this exercises the real
// flush path.
func fakePane(id PaneID) *Pane {
	return &Pane{id: id, data: make(chan []byte, paneDataBuffer)}
}

type flushCollector struct {
	mu     sync.Mutex
	flushes map[PaneID][]byte
	exits   map[PaneID]int
}

func newFlushCollector() *flushCollector {
	return &flushCollector{flushes: make(map[PaneID][]byte), exits: make(map[PaneID]int)}
}

func (c *flushCollector) onFlush(id PaneID, data []byte) {
	c.mu.Lock()
	c.flushes[id] = append(c.flushes[id], data...)
	c.mu.Unlock()
}

func (c *flushCollector) onExit(id PaneID, _ *int) {
	c.mu.Lock()
	c.exits[id]++
	c.mu.Unlock()
}

func (c *flushCollector) bytesFor(id PaneID) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.flushes[id]...)
}

func (c *flushCollector) exitsFor(id PaneID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exits[id]
}

func testBatchConfig() BatchConfig {
	return BatchConfig{Workers: 2, BatchSize: 16, FlushInterval: 5 * time.Millisecond, QueueCapacity: 100}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBatchProcessor_FlushPreservesOrder(t *testing.T) {
	col := newFlushCollector()
	bp := NewBatchProcessor(testBatchConfig(), col.onFlush, col.onExit)
	defer bp.Shutdown()

	p := fakePane(1)
	if err := bp.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var want []byte
	for i := 0; i < 50; i++ {
		chunk := []byte{byte(i), byte(i + 1)}
		want = append(want, chunk...)
		p.data <- append([]byte(nil), chunk...)
	}

	waitFor(t, time.Second, func() bool { return len(col.bytesFor(1)) == len(want) })
	if got := col.bytesFor(1); !bytes.Equal(got, want) {
		t.Errorf("flushed bytes out of order:\n got %v\nwant %v", got, want)
	}
}

func TestBatchProcessor_ResidualFlushAndExitOnDeath(t *testing.T) {
	col := newFlushCollector()
	bp := NewBatchProcessor(testBatchConfig(), col.onFlush, col.onExit)
	defer bp.Shutdown()

	p := fakePane(2)
	if err := bp.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p.data <- []byte("tail")
	close(p.data) // reader EOF
	p.dead.Store(true)

	waitFor(t, time.Second, func() bool { return col.exitsFor(2) == 1 })
	if got := col.bytesFor(2); !bytes.Equal(got, []byte("tail")) {
		t.Errorf("residual buffer not flushed before exit: %q", got)
	}
}

func TestBatchProcessor_SizeThresholdFlushes(t *testing.T) {
	col := newFlushCollector()
	cfg := testBatchConfig()
	cfg.FlushInterval = time.Hour // only the size threshold can trigger
	bp := NewBatchProcessor(cfg, col.onFlush, col.onExit)
	defer bp.Shutdown()

	p := fakePane(3)
	if err := bp.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p.data <- bytes.Repeat([]byte{'x'}, cfg.BatchSize)

	waitFor(t, time.Second, func() bool { return len(col.bytesFor(3)) == cfg.BatchSize })
}

func TestBatchProcessor_MultiplePanesIndependent(t *testing.T) {
	col := newFlushCollector()
	bp := NewBatchProcessor(testBatchConfig(), col.onFlush, col.onExit)
	defer bp.Shutdown()

	panes := []*Pane{fakePane(10), fakePane(11), fakePane(12)}
	for _, p := range panes {
		if err := bp.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	for i, p := range panes {
		p.data <- bytes.Repeat([]byte{byte('a' + i)}, 8)
	}

	waitFor(t, time.Second, func() bool {
		for i := range panes {
			if len(col.bytesFor(PaneID(10+i))) != 8 {
				return false
			}
		}
		return true
	})
	for i := range panes {
		got := col.bytesFor(PaneID(10 + i))
		if !bytes.Equal(got, bytes.Repeat([]byte{byte('a' + i)}, 8)) {
			t.Errorf("pane %d got cross-contaminated output: %q", 10+i, got)
		}
	}
}
