package shell

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/skywang16/orbitx/internal/errdef"
)

// Markers bracketing the integration block in shell rc files.
const (
	integrationStartMarker = "# OrbitX Integration Start"
	integrationEndMarker   = "# OrbitX Integration End"
)

// ScriptConfig selects which integration features the generated scripts
// report.
type ScriptConfig struct {
	CommandTracking bool
	CwdSync         bool
	TitleUpdates    bool
	ExtraEnv        map[string]string
}

// DefaultScriptConfig enables everything.
func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{CommandTracking: true, CwdSync: true, TitleUpdates: true}
}

// ScriptGenerator renders per-shell integration snippets that emit the OSC
// markers the parser recognizes.
type ScriptGenerator struct {
	cfg ScriptConfig
}

func NewScriptGenerator(cfg ScriptConfig) *ScriptGenerator {
	return &ScriptGenerator{cfg: cfg}
}

// EnvVars returns the environment installed into integrated shells.
func (g *ScriptGenerator) EnvVars() map[string]string {
	env := map[string]string{"ORBITX_SHELL_INTEGRATION": "1"}
	if g.cfg.CommandTracking {
		env["ORBITX_COMMAND_TRACKING"] = "1"
	}
	if g.cfg.CwdSync {
		env["ORBITX_CWD_SYNC"] = "1"
	}
	if g.cfg.TitleUpdates {
		env["ORBITX_TITLE_UPDATES"] = "1"
	}
	for k, v := range g.cfg.ExtraEnv {
		env[k] = v
	}
	return env
}

// Generate renders the integration script for a shell type.
func (g *ScriptGenerator) Generate(t Type) (string, error) {
	switch t {
	case Bash:
		return g.bashScript(), nil
	case Zsh:
		return g.zshScript(), nil
	case Fish:
		return g.fishScript(), nil
	case PowerShell:
		return g.powershellScript(), nil
	default:
		return "", errdef.New(errdef.KindShell, "no integration script for shell %s", t.DisplayName())
	}
}

func (g *ScriptGenerator) bashScript() string {
	var b strings.Builder
	b.WriteString(integrationStartMarker + "\n")
	b.WriteString(`__orbitx_osc() { printf '\033]633;%s\007' "$1"; }
__orbitx_escape() { printf '%s' "$1" | sed -e 's/\\/\\\\/g' -e 's/;/\\;/g'; }
__orbitx_prompt_start() { __orbitx_osc "A"; }
`)
	if g.cfg.CwdSync {
		b.WriteString(`__orbitx_cwd() { __orbitx_osc "P;Cwd=$PWD"; }
`)
	}
	if g.cfg.CommandTracking {
		b.WriteString(`__orbitx_preexec() {
  [ -n "$COMP_LINE" ] && return
  [ "$BASH_COMMAND" = "$PROMPT_COMMAND" ] && return
  __orbitx_osc "E;$(__orbitx_escape "$BASH_COMMAND")"
  __orbitx_osc "C"
}
__orbitx_precmd() { __orbitx_osc "D;$?"; __orbitx_prompt_start; `)
		if g.cfg.CwdSync {
			b.WriteString(`__orbitx_cwd; `)
		}
		b.WriteString(`}
trap '__orbitx_preexec' DEBUG
PROMPT_COMMAND="__orbitx_precmd${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
`)
	}
	if g.cfg.TitleUpdates {
		b.WriteString(`PS1="\[\033]0;\u@\h: \w\007\]$PS1"
`)
	}
	b.WriteString(integrationEndMarker + "\n")
	return b.String()
}

func (g *ScriptGenerator) zshScript() string {
	var b strings.Builder
	b.WriteString(integrationStartMarker + "\n")
	b.WriteString(`__orbitx_osc() { printf '\033]633;%s\007' "$1"; }
__orbitx_escape() { printf '%s' "$1" | sed -e 's/\\/\\\\/g' -e 's/;/\\;/g'; }
`)
	if g.cfg.CommandTracking {
		b.WriteString(`__orbitx_preexec() { __orbitx_osc "E;$(__orbitx_escape "$1")"; __orbitx_osc "C"; }
__orbitx_precmd() { __orbitx_osc "D;$?"; __orbitx_osc "A"; `)
		if g.cfg.CwdSync {
			b.WriteString(`__orbitx_osc "P;Cwd=$PWD"; `)
		}
		b.WriteString(`}
autoload -Uz add-zsh-hook
add-zsh-hook preexec __orbitx_preexec
add-zsh-hook precmd __orbitx_precmd
`)
	} else if g.cfg.CwdSync {
		b.WriteString(`__orbitx_chpwd() { __orbitx_osc "P;Cwd=$PWD"; }
autoload -Uz add-zsh-hook
add-zsh-hook chpwd __orbitx_chpwd
`)
	}
	if g.cfg.TitleUpdates {
		b.WriteString(`precmd_functions+=(__orbitx_title)
__orbitx_title() { printf '\033]0;%s\007' "${PWD/#$HOME/~}"; }
`)
	}
	b.WriteString(integrationEndMarker + "\n")
	return b.String()
}

func (g *ScriptGenerator) fishScript() string {
	var b strings.Builder
	b.WriteString(integrationStartMarker + "\n")
	b.WriteString(`function __orbitx_osc; printf '\033]633;%s\007' $argv[1]; end
`)
	if g.cfg.CommandTracking {
		b.WriteString(`function __orbitx_preexec --on-event fish_preexec
    __orbitx_osc "E;"(string replace -a ';' '\\;' -- $argv[1])
    __orbitx_osc "C"
end
function __orbitx_postexec --on-event fish_postexec
    __orbitx_osc "D;$status"
    __orbitx_osc "A"
`)
		if g.cfg.CwdSync {
			b.WriteString(`    __orbitx_osc "P;Cwd=$PWD"
`)
		}
		b.WriteString(`end
`)
	}
	if g.cfg.TitleUpdates {
		b.WriteString(`function fish_title; echo (prompt_pwd); end
`)
	}
	b.WriteString(integrationEndMarker + "\n")
	return b.String()
}

func (g *ScriptGenerator) powershellScript() string {
	var b strings.Builder
	b.WriteString(integrationStartMarker + "\n")
	b.WriteString(`function Global:__OrbitX-Osc($s) { [Console]::Write("$([char]27)]633;$s$([char]7)") }
`)
	if g.cfg.CommandTracking {
		b.WriteString(`$Global:__OrbitXOrigPrompt = $function:prompt
function Global:prompt {
    __OrbitX-Osc "D;$LASTEXITCODE"
    __OrbitX-Osc "A"
`)
		if g.cfg.CwdSync {
			b.WriteString(`    __OrbitX-Osc "P;Cwd=$((Get-Location).Path)"
`)
		}
		b.WriteString(`    & $Global:__OrbitXOrigPrompt
}
`)
	}
	b.WriteString(integrationEndMarker + "\n")
	return b.String()
}

// rcFilePath resolves the shell's startup file for install/uninstall.
func rcFilePath(t Type) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errdef.Wrap(err, errdef.KindSystem, "cannot determine home directory")
	}
	switch t {
	case Bash:
		return filepath.Join(home, ".bashrc"), nil
	case Zsh:
		return filepath.Join(home, ".zshrc"), nil
	case Fish:
		return filepath.Join(home, ".config", "fish", "config.fish"), nil
	case PowerShell:
		return filepath.Join(home, ".config", "powershell", "Microsoft.PowerShell_profile.ps1"), nil
	default:
		return "", errdef.New(errdef.KindShell, "unsupported shell type %s", t)
	}
}

// IsInstalled reports whether the rc file already carries the block.
func (g *ScriptGenerator) IsInstalled(t Type) (bool, error) {
	path, err := rcFilePath(t)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errdef.Wrap(err, errdef.KindIo, "read %s", path)
	}
	return strings.Contains(string(data), integrationStartMarker), nil
}

// Install appends the integration block to the shell rc file. Idempotent.
func (g *ScriptGenerator) Install(t Type) error {
	installed, err := g.IsInstalled(t)
	if err != nil {
		return err
	}
	if installed {
		return nil
	}
	script, err := g.Generate(t)
	if err != nil {
		return err
	}
	path, err := rcFilePath(t)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "create config directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "open %s", path)
	}
	defer f.Close()
	if _, err := f.WriteString("\n" + script); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "append integration block to %s", path)
	}
	return nil
}

// Uninstall removes the integration block from the shell rc file.
func (g *ScriptGenerator) Uninstall(t Type) error {
	path, err := rcFilePath(t)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "read %s", path)
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case integrationStartMarker:
			inBlock = true
			continue
		case integrationEndMarker:
			inBlock = false
			continue
		}
		if !inBlock {
			kept = append(kept, line)
		}
	}
	return errdef.Wrap(os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o644),
		errdef.KindIo, "write cleaned %s", path)
}
