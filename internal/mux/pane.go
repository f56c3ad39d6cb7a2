// Package mux owns PTY child processes and ships their output to subscribers
// with bounded latency. Each pane has a dedicated blocking reader; a shared
// batch-processor pool coalesces reads into flush-sized chunks.
package mux

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"

	"github.com/skywang16/orbitx/internal/errdef"
)

// PaneID identifies one live PTY child. IDs are never reused while the pane
// is alive.
type PaneID uint32

// readBufferSize is the fixed buffer for the blocking PTY reader.
const readBufferSize = 8192

// paneDataBuffer bounds the reader→batch channel; on overrun the oldest
// chunk is dropped so the reader never blocks on a slow batch worker.
const paneDataBuffer = 256

// Pane is a single PTY child plus its I/O state.
type Pane struct {
	id    PaneID
	shell string
	cmd   *exec.Cmd
	ptmx  *os.File

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	dead   atomic.Bool
	closed atomic.Bool

	// data carries raw output chunks to the batch processor. Closed by the
	// reader goroutine on EOF.
	data chan []byte

	exitCode atomic.Int32
	hasExit  atomic.Bool
}

// PaneSpec describes a pane to create.
type PaneSpec struct {
	Shell string
	Args  []string
	Cwd   string
	Env   []string
	Cols  uint16
	Rows  uint16
}

func startPane(id PaneID, spec PaneSpec) (*Pane, error) {
	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), spec.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "spawn pty for %s", spec.Shell)
	}

	p := &Pane{
		id:    id,
		shell: spec.Shell,
		cmd:   cmd,
		ptmx:  ptmx,
		cols:  spec.Cols,
		rows:  spec.Rows,
		data:  make(chan []byte, paneDataBuffer),
	}
	go p.readLoop()
	go p.waitLoop()
	return p, nil
}

// readLoop blocks on the PTY master and forwards chunks. It runs until EOF
// or close; PTY reads never suspend the cooperative runtime.
func (p *Pane) readLoop() {
	defer close(p.data)
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.data <- chunk:
			default:
				// Reader is ahead of the batch pool: drop the oldest chunk
				// to keep bounded memory, then enqueue the new one.
				select {
				case <-p.data:
				default:
				}
				select {
				case p.data <- chunk:
				default:
				}
				slog.Debug("pane reader dropped oldest chunk", "pane", p.id)
			}
		}
		if err != nil {
			if err != io.EOF && !p.closed.Load() {
				slog.Debug("pane read ended", "pane", p.id, "error", err)
			}
			p.dead.Store(true)
			return
		}
	}
}

// waitLoop reaps the child and records its exit code.
func (p *Pane) waitLoop() {
	err := p.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	p.exitCode.Store(int32(code))
	p.hasExit.Store(true)
	p.dead.Store(true)
}

// ID returns the pane id.
func (p *Pane) ID() PaneID { return p.id }

// Shell returns the shell program path the pane was spawned with.
func (p *Pane) Shell() string { return p.shell }

// Size returns the current terminal dimensions.
func (p *Pane) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// IsDead reports whether the child has exited or the pane was closed.
func (p *Pane) IsDead() bool { return p.dead.Load() }

// ExitCode returns the child's exit code once known.
func (p *Pane) ExitCode() (int, bool) {
	if !p.hasExit.Load() {
		return 0, false
	}
	return int(p.exitCode.Load()), true
}

// Write sends bytes to the child's stdin.
func (p *Pane) Write(data []byte) error {
	if p.dead.Load() {
		return errdef.New(errdef.KindPane, "pane %d is dead", p.id)
	}
	if _, err := p.ptmx.Write(data); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "write to pane %d", p.id)
	}
	return nil
}

// Resize propagates a new terminal size to the PTY.
func (p *Pane) Resize(cols, rows uint16) error {
	if p.dead.Load() {
		return errdef.New(errdef.KindPane, "pane %d is dead", p.id)
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "resize pane %d", p.id)
	}
	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	return nil
}

// Close terminates the pane. Idempotent: the second call is a no-op.
func (p *Pane) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.dead.Store(true)
	p.ptmx.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
