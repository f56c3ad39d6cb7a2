package storage

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skywang16/orbitx/internal/errdef"
)

// sessionVersion is the on-disk format version byte.
const sessionVersion byte = 1

// SessionState is the window/tab/terminal state persisted between launches.
type SessionState struct {
	Version          uint32                     `msgpack:"version"`
	Window           WindowState                `msgpack:"window"`
	Tabs             []TabState                 `msgpack:"tabs"`
	TerminalSessions map[string]TerminalSession `msgpack:"terminal_sessions"`
	UI               UIState                    `msgpack:"ui"`
	CreatedAt        time.Time                  `msgpack:"created_at"`
}

type WindowState struct {
	X           int  `msgpack:"x"`
	Y           int  `msgpack:"y"`
	Width       int  `msgpack:"width"`
	Height      int  `msgpack:"height"`
	Maximized   bool `msgpack:"maximized"`
	Fullscreen  bool `msgpack:"fullscreen"`
	AlwaysOnTop bool `msgpack:"always_on_top"`
}

type TabState struct {
	ID                string `msgpack:"id"`
	Title             string `msgpack:"title"`
	Active            bool   `msgpack:"active"`
	WorkingDirectory  string `msgpack:"working_directory"`
	TerminalSessionID string `msgpack:"terminal_session_id,omitempty"`
}

type TerminalSession struct {
	ID               string            `msgpack:"id"`
	Title            string            `msgpack:"title"`
	WorkingDirectory string            `msgpack:"working_directory"`
	Environment      map[string]string `msgpack:"environment,omitempty"`
	CommandHistory   []string          `msgpack:"command_history,omitempty"`
	Active           bool              `msgpack:"active"`
	CreatedAt        time.Time         `msgpack:"created_at"`
	LastActive       time.Time         `msgpack:"last_active"`
}

type UIState struct {
	SidebarVisible bool    `msgpack:"sidebar_visible"`
	SidebarWidth   int     `msgpack:"sidebar_width"`
	Theme          string  `msgpack:"theme"`
	FontSize       float64 `msgpack:"font_size"`
	ZoomLevel      float64 `msgpack:"zoom_level"`
}

// DefaultSessionState returns the state used for a fresh install.
func DefaultSessionState() *SessionState {
	return &SessionState{
		Version: 1,
		Window:  WindowState{X: 100, Y: 100, Width: 1200, Height: 800},
		UI: UIState{
			SidebarVisible: true,
			SidebarWidth:   300,
			Theme:          "dark",
			FontSize:       14,
			ZoomLevel:      1.0,
		},
		TerminalSessions: make(map[string]TerminalSession),
		CreatedAt:        time.Now().UTC(),
	}
}

// SessionStore persists a SessionState as a single binary file:
// [version byte][msgpack body][4-byte big-endian CRC32 of version+body].
type SessionStore struct {
	path string
}

func NewSessionStore(paths *Paths) *SessionStore {
	return &SessionStore{path: paths.SessionFile()}
}

// Save encodes the state and writes it atomically.
func (s *SessionStore) Save(state *SessionState) error {
	body, err := msgpack.Marshal(state)
	if err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "encode session state")
	}

	buf := make([]byte, 0, 1+len(body)+4)
	buf = append(buf, sessionVersion)
	buf = append(buf, body...)
	sum := crc32.ChecksumIEEE(buf)
	buf = binary.BigEndian.AppendUint32(buf, sum)

	return atomicWriteFile(s.path, buf, 0o644)
}

// Load reads the state file. A missing, truncated, version-mismatched or
// checksum-failed file loads as (nil, nil): corruption degrades to an empty
// session, never an error or a panic.
func (s *SessionStore) Load() (*SessionState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdef.Wrap(err, errdef.KindIo, "read session file %s", s.path)
	}

	if len(data) < 5 || data[0] != sessionVersion {
		slog.Warn("session file invalid, starting empty", "path", s.path, "size", len(data))
		return nil, nil
	}

	body := data[:len(data)-4]
	want := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != want {
		slog.Warn("session file checksum mismatch, starting empty", "path", s.path)
		return nil, nil
	}

	var state SessionState
	if err := msgpack.Unmarshal(body[1:], &state); err != nil {
		slog.Warn("session file undecodable, starting empty", "path", s.path, "error", err)
		return nil, nil
	}
	return &state, nil
}
