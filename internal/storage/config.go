package storage

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skywang16/orbitx/internal/errdef"
)

// ConfigSection names a top-level TOML table.
type ConfigSection string

const (
	SectionApp        ConfigSection = "app"
	SectionAppearance ConfigSection = "appearance"
	SectionTerminal   ConfigSection = "terminal"
	SectionShortcuts  ConfigSection = "shortcuts"
	SectionAI         ConfigSection = "ai"
)

// StorageEvent notifies listeners about durable-state changes.
type StorageEvent struct {
	Kind    string         // "config_changed", "state_saved", "data_updated"
	Section ConfigSection  // for config_changed
	Detail  map[string]any `json:"detail,omitempty"`
}

// EventListener receives storage events. Callbacks must not block.
type EventListener func(StorageEvent)

// ConfigStore owns the single TOML config file for a scope. Updates are
// validated per-section against a JSON Schema and persisted atomically.
type ConfigStore struct {
	path      string
	mu        sync.RWMutex
	sections  map[string]map[string]any
	schemas   map[ConfigSection]*jsonschema.Schema
	listeners []EventListener
	watcher   *fsnotify.Watcher
}

// sectionSchemas validates section shapes before persisting. Unknown sections
// pass through unvalidated so forward-compatible keys survive round trips.
var sectionSchemas = map[ConfigSection]string{
	SectionApp: `{
		"type": "object",
		"properties": {
			"language": {"type": "string"},
			"confirm_on_exit": {"type": "boolean"},
			"startup_directory": {"type": "string"}
		}
	}`,
	SectionAppearance: `{
		"type": "object",
		"properties": {
			"theme": {"type": "string"},
			"dark_theme": {"type": "string"},
			"light_theme": {"type": "string"},
			"follow_system": {"type": "boolean"},
			"font_family": {"type": "string"},
			"font_size": {"type": "number", "minimum": 6, "maximum": 72},
			"themes": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	SectionTerminal: `{
		"type": "object",
		"properties": {
			"shell": {"type": "string"},
			"scrollback": {"type": "integer", "minimum": 0},
			"cols": {"type": "integer", "minimum": 1},
			"rows": {"type": "integer", "minimum": 1},
			"batch_size": {"type": "integer", "minimum": 1},
			"flush_interval_ms": {"type": "integer", "minimum": 1},
			"checkpoint_gc_schedule": {"type": "string"}
		}
	}`,
	SectionShortcuts: `{
		"type": "object",
		"additionalProperties": {"type": "string"}
	}`,
	SectionAI: `{
		"type": "object",
		"properties": {
			"default_model": {"type": "string"},
			"compression_threshold": {"type": "number", "minimum": 0, "maximum": 1},
			"summary_max_tokens": {"type": "integer", "minimum": 1},
			"recent_messages_to_keep": {"type": "integer", "minimum": 0}
		}
	}`,
}

// OpenConfigStore loads (or creates with defaults) the config file.
func OpenConfigStore(paths *Paths) (*ConfigStore, error) {
	s := &ConfigStore{
		path:     paths.ConfigFile(),
		sections: defaultConfig(),
		schemas:  make(map[ConfigSection]*jsonschema.Schema),
	}
	for section, raw := range sectionSchemas {
		schema, err := jsonschema.CompileString(string(section)+".json", raw)
		if err != nil {
			return nil, errdef.Wrap(err, errdef.KindSystem, "compile config schema %s", section)
		}
		s.schemas[section] = schema
	}

	if data, err := os.ReadFile(s.path); err == nil {
		var loaded map[string]map[string]any
		if err := toml.Unmarshal(data, &loaded); err != nil {
			return nil, errdef.Wrap(err, errdef.KindConfig, "parse config file %s", s.path)
		}
		// Loaded sections override defaults key-by-key so new defaults
		// appear without a migration.
		for name, table := range loaded {
			base, ok := s.sections[name]
			if !ok {
				base = make(map[string]any)
				s.sections[name] = base
			}
			for k, v := range table {
				base[k] = v
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, errdef.Wrap(err, errdef.KindIo, "read config file %s", s.path)
	} else if err := s.persistLocked(); err != nil {
		return nil, err
	}

	return s, nil
}

func defaultConfig() map[string]map[string]any {
	return map[string]map[string]any{
		"app": {
			"language":        "en",
			"confirm_on_exit": true,
		},
		"appearance": {
			"theme":         "dark",
			"dark_theme":    "dark",
			"light_theme":   "light",
			"follow_system": false,
			"font_family":   "monospace",
			"font_size":     14.0,
			"themes":        []any{"dark", "light"},
		},
		"terminal": {
			"shell":             defaultShell(),
			"scrollback":        int64(10000),
			"cols":              int64(120),
			"rows":              int64(30),
			"batch_size":        int64(1024),
			"flush_interval_ms": int64(16),
		},
		"shortcuts": {},
		"ai": {
			"compression_threshold":   0.85,
			"summary_max_tokens":      int64(512),
			"recent_messages_to_keep": int64(3),
		},
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// AddListener registers a storage event listener.
func (s *ConfigStore) AddListener(l EventListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *ConfigStore) emit(ev StorageEvent) {
	s.mu.RLock()
	listeners := make([]EventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// GetSection returns a deep copy of one section.
func (s *ConfigStore) GetSection(section ConfigSection) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, ok := s.sections[string(section)]
	if !ok {
		return nil, errdef.New(errdef.KindNotFound, "config section %q", section)
	}
	return deepCopyMap(table), nil
}

// UpdateSection validates, merges and persists new values for a section,
// then emits ConfigChanged.
func (s *ConfigStore) UpdateSection(section ConfigSection, values map[string]any) error {
	if schema, ok := s.schemas[section]; ok {
		if err := validateAgainstSchema(schema, values); err != nil {
			return err
		}
	}

	s.mu.Lock()
	table, ok := s.sections[string(section)]
	if !ok {
		table = make(map[string]any)
		s.sections[string(section)] = table
	}
	for k, v := range values {
		table[k] = v
	}
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.emit(StorageEvent{Kind: "config_changed", Section: section})
	return nil
}

// ResetSection restores a section to defaults and persists.
func (s *ConfigStore) ResetSection(section ConfigSection) error {
	defaults := defaultConfig()
	s.mu.Lock()
	if table, ok := defaults[string(section)]; ok {
		s.sections[string(section)] = table
	} else {
		delete(s.sections, string(section))
	}
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(StorageEvent{Kind: "config_changed", Section: section})
	return nil
}

// Validate checks a candidate section value without persisting.
func (s *ConfigStore) Validate(section ConfigSection, values map[string]any) error {
	schema, ok := s.schemas[section]
	if !ok {
		return nil
	}
	return validateAgainstSchema(schema, values)
}

func validateAgainstSchema(schema *jsonschema.Schema, values map[string]any) error {
	// jsonschema validates JSON-shaped values; round-trip through encoding/json
	// to normalize TOML types (int64, []any) into the expected forms.
	raw, err := json.Marshal(values)
	if err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "normalize config values")
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "normalize config values")
	}
	if err := schema.Validate(normalized); err != nil {
		return errdef.Wrap(err, errdef.KindValidation, "config validation failed")
	}
	return nil
}

func (s *ConfigStore) persistLocked() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.sections); err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "encode config")
	}
	return atomicWriteFile(s.path, buf.Bytes(), 0o644)
}

// Watch starts a file watcher that reloads the config when it changes on
// disk (external edits). Stop it with the returned func.
func (s *ConfigStore) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindSystem, "create config watcher")
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return nil, errdef.Wrap(err, errdef.KindIo, "watch config file %s", s.path)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					slog.Warn("config reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

func (s *ConfigStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "read config file %s", s.path)
	}
	var loaded map[string]map[string]any
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return errdef.Wrap(err, errdef.KindConfig, "parse config file %s", s.path)
	}
	s.mu.Lock()
	s.sections = loaded
	s.mu.Unlock()
	s.emit(StorageEvent{Kind: "config_changed", Section: ""})
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
