package shell

import (
	"strings"
	"sync"
	"testing"

	"github.com/skywang16/orbitx/internal/mux"
)

func newTestManager() (*Manager, *eventRecorder) {
	m := NewManager(nil, NewScriptGenerator(DefaultScriptConfig()))
	rec := &eventRecorder{}
	m.AddEventHandler(rec.record)
	return m, rec
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func TestManager_FullCommandFlow(t *testing.T) {
	m, rec := newTestManager()
	pane := mux.PaneID(1)

	// prompt-start, command-line, pre-exec, output, command-end.
	m.ProcessOutput(pane, []byte(osc("633;A")))
	m.ProcessOutput(pane, []byte(osc("633;E;ls -la")))
	m.ProcessOutput(pane, []byte(osc("633;C")))

	cur := m.GetCurrentCommand(pane)
	if cur == nil {
		t.Fatal("current command should be set while running")
	}
	if cur.CommandLine != "ls -la" || cur.Status != StatusRunning {
		t.Errorf("current = %+v", cur)
	}

	m.ProcessOutput(pane, []byte("a\nb\n"))
	m.ProcessOutput(pane, []byte(osc("633;D;0")))

	if m.GetCurrentCommand(pane) != nil {
		t.Error("current command should clear after command-end")
	}
	history := m.GetHistory(pane)
	if len(history) != 1 {
		t.Fatalf("history = %d entries, want 1", len(history))
	}
	entry := history[0]
	if entry.CommandLine != "ls -la" || entry.Status != StatusFinished {
		t.Errorf("entry = %+v", entry)
	}
	if entry.ExitCode == nil || *entry.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", entry.ExitCode)
	}

	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != EventCommandStart || kinds[1] != EventCommandEnd {
		t.Errorf("events = %v", kinds)
	}

	// A subsequent prompt-start returns the pane to a fresh slot.
	m.ProcessOutput(pane, []byte(osc("633;A")))
	if m.GetCurrentCommand(pane) != nil {
		t.Error("prompt-start alone should not surface a current command")
	}
}

func TestManager_CommandEndWithoutStart(t *testing.T) {
	m, rec := newTestManager()
	pane := mux.PaneID(2)

	m.ProcessOutput(pane, []byte(osc("633;D;130")))

	history := m.GetHistory(pane)
	if len(history) != 1 {
		t.Fatalf("history = %d entries, want 1", len(history))
	}
	entry := history[0]
	if entry.Status != StatusUnknown {
		t.Errorf("status = %s, want unknown", entry.Status)
	}
	if entry.CommandLine != "" {
		t.Errorf("command line = %q, want empty", entry.CommandLine)
	}
	if entry.ExitCode == nil || *entry.ExitCode != 130 {
		t.Errorf("exit code = %v, want 130", entry.ExitCode)
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != EventCommandEnd {
		t.Errorf("events = %v", kinds)
	}
}

func TestManager_CwdAcceptedInAnyState(t *testing.T) {
	m, rec := newTestManager()
	pane := mux.PaneID(3)

	m.ProcessOutput(pane, []byte(osc("633;P;Cwd=/one")))
	m.ProcessOutput(pane, []byte(osc("633;A")))
	m.ProcessOutput(pane, []byte(osc("633;C")))
	m.ProcessOutput(pane, []byte(osc("633;P;Cwd=/two")))

	state, err := m.GetState(pane)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Cwd != "/two" {
		t.Errorf("cwd = %q, want /two", state.Cwd)
	}

	cwdEvents := 0
	for _, k := range rec.kinds() {
		if k == EventCwdChanged {
			cwdEvents++
		}
	}
	if cwdEvents != 2 {
		t.Errorf("cwd events = %d, want 2", cwdEvents)
	}
}

func TestManager_TitleUpdates(t *testing.T) {
	m, _ := newTestManager()
	pane := mux.PaneID(4)

	m.ProcessOutput(pane, []byte(osc("0;user@host: ~")))
	state, err := m.GetState(pane)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.WindowTitle != "user@host: ~" {
		t.Errorf("title = %q", state.WindowTitle)
	}
}

func TestManager_HistoryBounded(t *testing.T) {
	m, _ := newTestManager()
	pane := mux.PaneID(5)

	for i := 0; i < maxCommandHistory+20; i++ {
		m.ProcessOutput(pane, []byte(osc("633;A")+osc("633;E;cmd")+osc("633;C")+osc("633;D;0")))
	}
	history := m.GetHistory(pane)
	if len(history) != maxCommandHistory {
		t.Errorf("history = %d entries, want %d", len(history), maxCommandHistory)
	}
	// Oldest entries evicted first: ids keep ascending.
	if history[0].ID >= history[len(history)-1].ID {
		t.Errorf("history ids not ascending: first=%d last=%d", history[0].ID, history[len(history)-1].ID)
	}
}

func TestManager_PaneClosedWipesState(t *testing.T) {
	m, _ := newTestManager()
	pane := mux.PaneID(6)

	m.ProcessOutput(pane, []byte(osc("633;A")))
	m.PaneClosed(pane)

	if _, err := m.GetState(pane); err == nil {
		t.Error("state should be wiped after pane close")
	}
}

func TestScriptGenerator_AllShellsBracketed(t *testing.T) {
	g := NewScriptGenerator(DefaultScriptConfig())
	for _, shellType := range []Type{Bash, Zsh, Fish, PowerShell} {
		t.Run(string(shellType), func(t *testing.T) {
			script, err := g.Generate(shellType)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if !strings.Contains(script, integrationStartMarker) || !strings.Contains(script, integrationEndMarker) {
				t.Errorf("script missing markers:\n%s", script)
			}
			if !strings.Contains(script, "633;") {
				t.Errorf("script emits no 633 markers:\n%s", script)
			}
		})
	}

	if _, err := g.Generate(Cmd); err == nil {
		t.Error("cmd has no integration script, Generate should fail")
	}
}

func TestScriptGenerator_EnvVars(t *testing.T) {
	g := NewScriptGenerator(ScriptConfig{CommandTracking: true, CwdSync: false, TitleUpdates: true})
	env := g.EnvVars()
	if env["ORBITX_SHELL_INTEGRATION"] != "1" {
		t.Error("ORBITX_SHELL_INTEGRATION missing")
	}
	if env["ORBITX_COMMAND_TRACKING"] != "1" {
		t.Error("ORBITX_COMMAND_TRACKING missing")
	}
	if _, ok := env["ORBITX_CWD_SYNC"]; ok {
		t.Error("ORBITX_CWD_SYNC should be absent when disabled")
	}
	if env["ORBITX_TITLE_UPDATES"] != "1" {
		t.Error("ORBITX_TITLE_UPDATES missing")
	}
}

