package shell

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/mux"
)

// PaneWriter is the slice of the multiplexer the manager needs to inject
// integration scripts.
type PaneWriter interface {
	Write(id mux.PaneID, data []byte) error
	Pane(id mux.PaneID) (*mux.Pane, error)
}

// Manager owns all per-pane shell state. It implements mux.OutputTap so the
// multiplexer hands it every flushed chunk in source order, before any
// subscriber events derived from those bytes.
type Manager struct {
	writer  PaneWriter
	scripts *ScriptGenerator

	mu      sync.Mutex
	panes   map[mux.PaneID]*paneRuntime
	onEvent []func(Event)
}

type paneRuntime struct {
	state  PaneState
	parser *parser
}

func NewManager(writer PaneWriter, scripts *ScriptGenerator) *Manager {
	return &Manager{
		writer:  writer,
		scripts: scripts,
		panes:   make(map[mux.PaneID]*paneRuntime),
	}
}

// AddEventHandler registers a shell event callback. Handlers run on the
// batch worker; they must not block.
func (m *Manager) AddEventHandler(fn func(Event)) {
	m.mu.Lock()
	m.onEvent = append(m.onEvent, fn)
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	handlers := make([]func(Event), len(m.onEvent))
	copy(handlers, m.onEvent)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Setup writes the integration script for the pane's shell to its stdin.
// Idempotent: re-running just re-sources the same functions. With silent
// set, the injected line is prefixed so it does not echo into history.
func (m *Manager) Setup(id mux.PaneID, silent bool) error {
	pane, err := m.writer.Pane(id)
	if err != nil {
		return err
	}
	shellType := TypeFromProgram(pane.Shell())
	if !shellType.SupportsIntegration() {
		return errdef.New(errdef.KindShell, "shell %s does not support integration", shellType.DisplayName())
	}

	script, err := m.scripts.Generate(shellType)
	if err != nil {
		return err
	}

	payload := script
	if silent {
		// A leading space keeps each injected line out of shell history
		// (HISTCONTROL=ignorespace and the zsh/fish equivalents).
		var b strings.Builder
		for _, line := range strings.Split(script, "\n") {
			if line != "" {
				b.WriteByte(' ')
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		payload = b.String()
	}
	if err := m.writer.Write(id, []byte(payload+"\n")); err != nil {
		return err
	}

	m.mu.Lock()
	rt := m.runtimeLocked(id)
	rt.state.IntegrationEnabled = true
	rt.state.ShellType = shellType
	m.mu.Unlock()

	slog.Info("shell integration set up", "pane", id, "shell", shellType)
	return nil
}

// IsIntegrated reports whether integration markers are enabled for a pane.
func (m *Manager) IsIntegrated(id mux.PaneID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.panes[id]
	return ok && rt.state.IntegrationEnabled
}

// GetState returns a snapshot of a pane's shell state.
func (m *Manager) GetState(id mux.PaneID) (*PaneState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.panes[id]
	if !ok {
		return nil, errdef.New(errdef.KindShell, "pane %d has no shell state", id)
	}
	return snapshotState(&rt.state), nil
}

// GetCurrentCommand returns the active command, or nil when idle.
func (m *Manager) GetCurrentCommand(id mux.PaneID) *CommandInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.panes[id]
	if !ok || rt.state.CurrentCommand == nil || rt.state.state != stateRunning {
		// A command is "current" only between command-start and command-end;
		// the AwaitCmdLine slot is internal bookkeeping.
		return nil
	}
	cp := *rt.state.CurrentCommand
	return &cp
}

// GetHistory returns a copy of the bounded command history, oldest first.
func (m *Manager) GetHistory(id mux.PaneID) []CommandInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.panes[id]
	if !ok {
		return nil
	}
	out := make([]CommandInfo, len(rt.state.CommandHistory))
	copy(out, rt.state.CommandHistory)
	return out
}

// UpdateCwd sets a pane's working directory from an out-of-band source
// (e.g. the frontend's initial cwd). Accepted in any FSM state.
func (m *Manager) UpdateCwd(id mux.PaneID, cwd string) {
	m.mu.Lock()
	rt := m.runtimeLocked(id)
	rt.state.Cwd = cwd
	m.mu.Unlock()
	m.emit(Event{Kind: EventCwdChanged, PaneID: id, Cwd: cwd})
}

// ProcessOutput implements mux.OutputTap: parse markers, drive the FSM.
func (m *Manager) ProcessOutput(id mux.PaneID, data []byte) {
	m.mu.Lock()
	rt := m.runtimeLocked(id)
	rt.state.LastActivity = time.Now().UTC()

	var pending []Event
	for _, seg := range rt.parser.feed(data) {
		if seg.marker == nil {
			continue // plain output is the renderer's concern
		}
		pending = append(pending, m.applyMarkerLocked(rt, id, seg.marker)...)
	}
	m.mu.Unlock()

	for _, ev := range pending {
		m.emit(ev)
	}
}

// PaneClosed implements mux.OutputTap: wipe dependent state synchronously.
func (m *Manager) PaneClosed(id mux.PaneID) {
	m.mu.Lock()
	delete(m.panes, id)
	m.mu.Unlock()
}

func (m *Manager) runtimeLocked(id mux.PaneID) *paneRuntime {
	rt, ok := m.panes[id]
	if !ok {
		rt = &paneRuntime{
			state:  PaneState{PaneID: id, LastActivity: time.Now().UTC()},
			parser: newParser(),
		}
		m.panes[id] = rt
	}
	return rt
}

// applyMarkerLocked advances the per-pane FSM for one marker and returns the
// events to emit after the lock is released.
func (m *Manager) applyMarkerLocked(rt *paneRuntime, id mux.PaneID, mk *marker) []Event {
	st := &rt.state
	switch mk.kind {
	case markerPromptStart:
		// A new prompt finishes any dangling running command as Unknown,
		// then opens the next command slot and waits for its command line.
		if st.CurrentCommand != nil && st.state == stateRunning {
			m.finishCommandLocked(st, nil, StatusUnknown)
		}
		st.state = stateAwaitCmdLine
		st.nextID++
		st.CurrentCommand = &CommandInfo{
			ID:               st.nextID,
			StartTime:        time.Now().UTC(),
			Status:           StatusRunning,
			WorkingDirectory: st.Cwd,
		}
		return nil

	case markerPromptEnd:
		return nil

	case markerCommandLine:
		if st.CurrentCommand != nil {
			st.CurrentCommand.CommandLine = mk.payload
		}
		return nil

	case markerPreExec:
		if st.CurrentCommand == nil {
			// Execution without a prompt-start: open an anonymous slot.
			st.nextID++
			st.CurrentCommand = &CommandInfo{
				ID:               st.nextID,
				StartTime:        time.Now().UTC(),
				Status:           StatusRunning,
				WorkingDirectory: st.Cwd,
			}
		}
		st.state = stateRunning
		cp := *st.CurrentCommand
		return []Event{{Kind: EventCommandStart, PaneID: id, Command: &cp}}

	case markerCommandEnd:
		exitCode := parseExitCode(mk.payload)
		if st.CurrentCommand == nil || st.state == stateIdle || st.state == stateFinished {
			// Command-end without a matching running command: record an
			// Unknown-status entry so the history stays truthful.
			st.nextID++
			now := time.Now().UTC()
			entry := CommandInfo{
				ID:        st.nextID,
				StartTime: now,
				EndTime:   now,
				ExitCode:  exitCode,
				Status:    StatusUnknown,
			}
			pushHistory(st, entry)
			st.state = stateFinished
			cp := entry
			return []Event{{Kind: EventCommandEnd, PaneID: id, Command: &cp}}
		}
		finished := m.finishCommandLocked(st, exitCode, StatusFinished)
		st.state = stateFinished
		return []Event{{Kind: EventCommandEnd, PaneID: id, Command: finished}}

	case markerProperty:
		if cwd, ok := strings.CutPrefix(mk.payload, "Cwd="); ok {
			st.Cwd = cwd
			if st.CurrentCommand != nil && st.state != stateRunning {
				st.CurrentCommand.WorkingDirectory = cwd
			}
			return []Event{{Kind: EventCwdChanged, PaneID: id, Cwd: cwd}}
		}
		return nil

	case markerTitle:
		st.WindowTitle = mk.payload
		return []Event{{Kind: EventTitleChanged, PaneID: id, Title: mk.payload}}

	default:
		slog.Debug("unrecognized integration marker", "pane", id, "payload", mk.payload)
		return nil
	}
}

// finishCommandLocked closes the current command, pushes it to history and
// returns a copy for event emission.
func (m *Manager) finishCommandLocked(st *PaneState, exitCode *int, status CommandStatus) *CommandInfo {
	cmd := st.CurrentCommand
	cmd.EndTime = time.Now().UTC()
	cmd.ExitCode = exitCode
	cmd.Status = status
	pushHistory(st, *cmd)
	st.CurrentCommand = nil
	cp := *cmd
	return &cp
}

func pushHistory(st *PaneState, entry CommandInfo) {
	st.CommandHistory = append(st.CommandHistory, entry)
	if len(st.CommandHistory) > maxCommandHistory {
		st.CommandHistory = st.CommandHistory[len(st.CommandHistory)-maxCommandHistory:]
	}
}

func parseExitCode(payload string) *int {
	if payload == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return nil
	}
	return &n
}

func snapshotState(st *PaneState) *PaneState {
	cp := *st
	cp.CommandHistory = make([]CommandInfo, len(st.CommandHistory))
	copy(cp.CommandHistory, st.CommandHistory)
	if st.CurrentCommand != nil {
		cmd := *st.CurrentCommand
		cp.CurrentCommand = &cmd
	}
	return &cp
}
