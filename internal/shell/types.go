// Package shell reconstructs per-pane command lifecycles and CWD state from
// OSC escape markers emitted by opt-in shell integration scripts.
package shell

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/skywang16/orbitx/internal/mux"
)

// Type identifies the user's shell program.
type Type string

const (
	Bash       Type = "bash"
	Zsh        Type = "zsh"
	Fish       Type = "fish"
	PowerShell Type = "powershell"
	Cmd        Type = "cmd"
	Nushell    Type = "nushell"
	Unknown    Type = "unknown"
)

// TypeFromProgram detects the shell type from a program path.
func TypeFromProgram(program string) Type {
	name := strings.ToLower(filepath.Base(program))
	name = strings.TrimSuffix(name, ".exe")
	switch name {
	case "bash":
		return Bash
	case "zsh":
		return Zsh
	case "fish":
		return Fish
	case "powershell", "pwsh":
		return PowerShell
	case "cmd":
		return Cmd
	case "nu", "nushell":
		return Nushell
	default:
		return Unknown
	}
}

// DisplayName returns the friendly name for UI rendering.
func (t Type) DisplayName() string {
	switch t {
	case Bash:
		return "Bash"
	case Zsh:
		return "Zsh"
	case Fish:
		return "Fish"
	case PowerShell:
		return "PowerShell"
	case Cmd:
		return "Command Prompt"
	case Nushell:
		return "Nushell"
	default:
		return string(t)
	}
}

// SupportsIntegration reports whether a script exists for this shell.
func (t Type) SupportsIntegration() bool {
	switch t {
	case Bash, Zsh, Fish, PowerShell:
		return true
	default:
		return false
	}
}

// CommandStatus is the lifecycle state of one command.
type CommandStatus string

const (
	StatusRunning  CommandStatus = "running"
	StatusFinished CommandStatus = "finished"
	// StatusUnknown marks entries reconstructed from a command-end marker
	// that had no matching command-start.
	StatusUnknown CommandStatus = "unknown"
)

// CommandInfo is one tracked command. IDs are per-pane monotonic.
type CommandInfo struct {
	ID               uint64        `json:"id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time,omitzero"`
	ExitCode         *int          `json:"exit_code,omitempty"`
	Status           CommandStatus `json:"status"`
	CommandLine      string        `json:"command_line,omitempty"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
}

// IsFinished reports whether the command has completed.
func (c *CommandInfo) IsFinished() bool { return c.Status != StatusRunning }

// Duration returns the elapsed run time (up to now for running commands).
func (c *CommandInfo) Duration() time.Duration {
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// fsmState is the per-pane command state machine.
type fsmState int

const (
	stateIdle fsmState = iota
	stateAwaitCmdLine
	stateRunning
	stateFinished
)

// maxCommandHistory bounds per-pane history; oldest entries evict first.
const maxCommandHistory = 100

// PaneState is the shell-integration view of one pane. Exclusively owned by
// the Manager; snapshots returned to callers are copies.
type PaneState struct {
	PaneID             mux.PaneID    `json:"pane_id"`
	IntegrationEnabled bool          `json:"integration_enabled"`
	ShellType          Type          `json:"shell_type,omitempty"`
	Cwd                string        `json:"cwd,omitempty"`
	CurrentCommand     *CommandInfo  `json:"current_command,omitempty"`
	CommandHistory     []CommandInfo `json:"command_history"`
	LastActivity       time.Time     `json:"last_activity"`
	WindowTitle        string        `json:"window_title,omitempty"`

	state  fsmState
	nextID uint64
}

// EventKind classifies shell-integration events.
type EventKind string

const (
	EventCommandStart EventKind = "command_start"
	EventCommandEnd   EventKind = "command_end"
	EventCwdChanged   EventKind = "cwd_changed"
	EventTitleChanged EventKind = "title_changed"
)

// Event is emitted to subscribers when pane shell state changes.
type Event struct {
	Kind    EventKind
	PaneID  mux.PaneID
	Command *CommandInfo // command_start / command_end
	Cwd     string       // cwd_changed
	Title   string       // title_changed
}
