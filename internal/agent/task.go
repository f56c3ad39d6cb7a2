// Package agent runs LLM-driven tasks: prompt assembly, streaming, tool
// execution, conversation compaction and context snapshots, all under strict
// cancellation and failure semantics.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/skywang16/orbitx/internal/storage"
)

// errCancelled is the cancel cause distinguishing a user cancel from other
// context failures.
var errCancelled = errors.New("task cancelled")

// taskHandle is the in-memory side of one running task.
type taskHandle struct {
	taskID string
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{} // closed to release a paused loop

	status storage.TaskStatus
}

func newTaskHandle(taskID string, cancel context.CancelCauseFunc) *taskHandle {
	return &taskHandle{taskID: taskID, cancel: cancel, status: storage.TaskCreated}
}

// setStatus records the in-memory status, refusing to leave terminal states.
func (h *taskHandle) setStatus(s storage.TaskStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false
	}
	h.status = s
	return true
}

func (h *taskHandle) getStatus() storage.TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// pause flips the gate; the loop blocks at its next iteration boundary.
func (h *taskHandle) pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused || h.status.IsTerminal() {
		return false
	}
	h.paused = true
	h.resume = make(chan struct{})
	h.status = storage.TaskPaused
	return true
}

// unpause releases a paused loop.
func (h *taskHandle) unpause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return false
	}
	h.paused = false
	h.status = storage.TaskRunning
	close(h.resume)
	h.resume = nil
	return true
}

// waitIfPaused blocks while the task is paused. Returns false if the context
// ended while waiting.
func (h *taskHandle) waitIfPaused(ctx context.Context) bool {
	h.mu.Lock()
	resume := h.resume
	paused := h.paused
	h.mu.Unlock()
	if !paused {
		return true
	}
	select {
	case <-resume:
		return true
	case <-ctx.Done():
		return false
	}
}
