package mux

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func TestTerminalMux_ClosePaneIdempotent(t *testing.T) {
	m := NewTerminalMux(testBatchConfig())
	defer m.Shutdown()

	// Closing a pane that never existed is a no-op.
	m.ClosePane(999)
	m.ClosePane(999)
}

func TestTerminalMux_SubscribeUnknownPane(t *testing.T) {
	m := NewTerminalMux(testBatchConfig())
	defer m.Shutdown()

	if _, _, err := m.SubscribeOutput(42); err == nil {
		t.Fatal("subscribing to a missing pane should fail")
	}
}

func TestTerminalMux_PTYEcho(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}

	m := NewTerminalMux(testBatchConfig())
	defer m.Shutdown()

	id, err := m.CreatePane(PaneSpec{Shell: "/bin/cat", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	if !m.PaneExists(id) {
		t.Fatal("pane should exist after create")
	}

	sub1, cancel1, err := m.SubscribeOutput(id)
	if err != nil {
		t.Fatalf("SubscribeOutput: %v", err)
	}
	defer cancel1()
	sub2, cancel2, err := m.SubscribeOutput(id)
	if err != nil {
		t.Fatalf("SubscribeOutput: %v", err)
	}
	defer cancel2()

	if err := m.Write(id, []byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Both subscribers must observe prefixes of the same byte sequence.
	got1 := collect(t, sub1, 2*time.Second)
	got2 := collect(t, sub2, 2*time.Second)
	if !bytes.Contains(got1, []byte("hello")) {
		t.Errorf("subscriber 1 missing echoed bytes: %q", got1)
	}
	if !bytes.Contains(got2, []byte("hello")) {
		t.Errorf("subscriber 2 missing echoed bytes: %q", got2)
	}

	m.ClosePane(id)
	m.ClosePane(id) // idempotent on a real pane too

	waitFor(t, 2*time.Second, func() bool { return !m.PaneExists(id) })
}

func TestTerminalMux_ResizeDeadPaneFails(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}

	m := NewTerminalMux(testBatchConfig())
	defer m.Shutdown()

	id, err := m.CreatePane(PaneSpec{Shell: "/bin/cat"})
	if err != nil {
		t.Fatalf("CreatePane: %v", err)
	}
	if err := m.Resize(id, 100, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	m.ClosePane(id)
	waitFor(t, 2*time.Second, func() bool { return !m.PaneExists(id) })

	if err := m.Resize(id, 90, 30); err == nil {
		t.Error("resize after close should fail")
	}
}

// collect drains a subscriber channel until data stops arriving or the
// deadline passes.
func collect(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	var out []byte
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk...)
			if len(out) > 0 {
				// Give trailing chunks a moment, then settle.
				select {
				case more, ok := <-ch:
					if ok {
						out = append(out, more...)
						continue
					}
					return out
				case <-time.After(200 * time.Millisecond):
					return out
				}
			}
		case <-deadline:
			return out
		}
	}
}
