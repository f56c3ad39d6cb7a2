// Package storage is the durable boundary for the whole backend: TOML config,
// MessagePack session state, and the SQLite data layer with its repositories,
// query builders and encrypted secrets.
package storage

import (
	"os"
	"path/filepath"

	"github.com/skywang16/orbitx/internal/errdef"
)

// Paths resolves the on-disk layout of one app-data scope.
type Paths struct {
	Root string
}

// DefaultPaths roots storage at ~/.orbitx.
func DefaultPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindSystem, "cannot determine home directory")
	}
	return &Paths{Root: filepath.Join(home, ".orbitx")}, nil
}

// NewPaths roots storage at an explicit directory (used by tests and the
// --data-dir flag).
func NewPaths(root string) *Paths { return &Paths{Root: root} }

func (p *Paths) ConfigDir() string  { return filepath.Join(p.Root, "config") }
func (p *Paths) StateDir() string   { return filepath.Join(p.Root, "state") }
func (p *Paths) DataDir() string    { return filepath.Join(p.Root, "data") }
func (p *Paths) BackupsDir() string { return filepath.Join(p.Root, "backups") }

func (p *Paths) ConfigFile() string  { return filepath.Join(p.ConfigDir(), "config.toml") }
func (p *Paths) SessionFile() string { return filepath.Join(p.StateDir(), "session.bin") }
func (p *Paths) DatabaseFile() string {
	return filepath.Join(p.DataDir(), "orbitx.db")
}

// EnsureDirs creates the scope layout.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.ConfigDir(), p.StateDir(), p.DataDir(), p.BackupsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errdef.Wrap(err, errdef.KindIo, "create storage directory %s", dir)
		}
	}
	return nil
}

// atomicWriteFile writes via a temp file in the same directory then renames,
// so readers never observe a partial file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errdef.Wrap(err, errdef.KindIo, "write temp file %s", tmpName)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return errdef.Wrap(err, errdef.KindIo, "chmod temp file %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "close temp file %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "rename %s to %s", tmpName, path)
	}
	return nil
}
