package mux

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
)

// BatchConfig tunes the shared batch-processor pool.
type BatchConfig struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
}

// DefaultBatchConfig sizes the pool from available parallelism: 2-4 workers,
// 1 KiB batches flushed at ~60 FPS.
func DefaultBatchConfig() BatchConfig {
	workers := runtime.NumCPU() / 2
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}
	return BatchConfig{
		Workers:       workers,
		BatchSize:     1024,
		FlushInterval: 16 * time.Millisecond,
		QueueCapacity: 500,
	}
}

// batchTask is a command to the worker pool.
type batchTask struct {
	kind     taskKind
	pane     *Pane
	dataRecv <-chan []byte
	paneID   PaneID
}

type taskKind int

const (
	taskRegister taskKind = iota
	taskUnregister
	taskShutdown
)

// paneBatchState is one pane's buffer owned by a single worker.
type paneBatchState struct {
	pane      *Pane
	dataRecv  <-chan []byte
	buf       []byte
	lastFlush time.Time
	exited    bool
}

// FlushFunc receives flushed output for one pane. The shell-integration
// layer sees bytes before any subscriber events derived from them.
type FlushFunc func(PaneID, []byte)

// ExitFunc is invoked once per pane after its residual buffer flushed.
type ExitFunc func(PaneID, *int)

// BatchProcessor coalesces per-pane reader chunks into flush-sized batches
// across a small worker pool. Registration and shutdown flow over a bounded
// command channel; workers never share pane state.
type BatchProcessor struct {
	cfg     BatchConfig
	tasks   chan batchTask
	onFlush FlushFunc
	onExit  ExitFunc
	wg      sync.WaitGroup
	once    sync.Once
}

func NewBatchProcessor(cfg BatchConfig, onFlush FlushFunc, onExit ExitFunc) *BatchProcessor {
	bp := &BatchProcessor{
		cfg:     cfg,
		tasks:   make(chan batchTask, cfg.QueueCapacity),
		onFlush: onFlush,
		onExit:  onExit,
	}
	for i := 0; i < cfg.Workers; i++ {
		bp.wg.Add(1)
		go bp.worker(i)
	}
	return bp
}

// Register hands a pane's data channel to the pool.
func (bp *BatchProcessor) Register(p *Pane) error {
	if p.IsDead() {
		return errdef.New(errdef.KindPane, "pane %d already dead", p.ID())
	}
	select {
	case bp.tasks <- batchTask{kind: taskRegister, pane: p, dataRecv: p.data}:
		return nil
	default:
		return errdef.New(errdef.KindResourceExhausted, "batch task queue full")
	}
}

// Unregister flushes and removes a pane's batch state.
func (bp *BatchProcessor) Unregister(id PaneID) {
	select {
	case bp.tasks <- batchTask{kind: taskUnregister, paneID: id}:
	default:
		slog.Warn("batch task queue full, unregister dropped", "pane", id)
	}
}

// Shutdown stops all workers after they flush their panes.
func (bp *BatchProcessor) Shutdown() {
	bp.once.Do(func() {
		for i := 0; i < bp.cfg.Workers; i++ {
			bp.tasks <- batchTask{kind: taskShutdown}
		}
		bp.wg.Wait()
	})
}

// worker round-robins its registered panes: drain without blocking, flush on
// size or interval, detect death, sleep briefly when idle.
func (bp *BatchProcessor) worker(workerID int) {
	defer bp.wg.Done()
	active := make(map[PaneID]*paneBatchState)

	for {
		// Pick up commands without blocking.
		select {
		case task := <-bp.tasks:
			switch task.kind {
			case taskRegister:
				active[task.pane.ID()] = &paneBatchState{
					pane:      task.pane,
					dataRecv:  task.dataRecv,
					lastFlush: time.Now(),
				}
			case taskUnregister:
				if state, ok := active[task.paneID]; ok {
					bp.flush(task.paneID, state)
					delete(active, task.paneID)
				}
			case taskShutdown:
				for id, state := range active {
					bp.flush(id, state)
				}
				return
			}
		default:
		}

		var toRemove []PaneID
		for id, state := range active {
			// Drain pending chunks without blocking.
			draining := true
			for draining {
				select {
				case chunk, ok := <-state.dataRecv:
					if !ok {
						state.exited = true
						draining = false
					} else {
						state.buf = append(state.buf, chunk...)
					}
				default:
					draining = false
				}
			}

			alive := !state.pane.IsDead() && !state.exited
			if !alive {
				toRemove = append(toRemove, id)
				continue
			}

			if len(state.buf) > 0 &&
				(len(state.buf) >= bp.cfg.BatchSize || time.Since(state.lastFlush) >= bp.cfg.FlushInterval) {
				bp.flush(id, state)
				state.lastFlush = time.Now()
			}
		}

		for _, id := range toRemove {
			state := active[id]
			// Residual data first, then the exit notification.
			bp.flush(id, state)
			delete(active, id)
			var code *int
			if c, ok := state.pane.ExitCode(); ok {
				code = &c
			}
			if bp.onExit != nil {
				bp.onExit(id, code)
			}
			slog.Debug("batch worker released pane", "worker", workerID, "pane", id)
		}

		// Avoid a busy loop: idle workers sleep longer.
		if len(active) == 0 {
			time.Sleep(10 * time.Millisecond)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func (bp *BatchProcessor) flush(id PaneID, state *paneBatchState) {
	if len(state.buf) == 0 {
		return
	}
	data := state.buf
	state.buf = nil
	if bp.onFlush != nil {
		bp.onFlush(id, data)
	}
}
