package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/storage"
)

// ignoredDirs are never captured in a checkpoint.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".oxi":         true,
	"target":       true,
	"dist":         true,
}

// Meta describes one checkpoint for listing.
type Meta struct {
	ID        int64          `json:"id"`
	ParentID  *int64         `json:"parent_id,omitempty"`
	Workspace string         `json:"workspace"`
	FileCount int            `json:"file_count"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FileChange is one entry in a diff result.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // "added", "modified", "deleted"
}

// Engine builds checkpoints from workspace trees and restores them.
type Engine struct {
	db    *storage.Database
	blobs *BlobStore
}

func NewEngine(db *storage.Database, blobs *BlobStore) *Engine {
	return &Engine{db: db, blobs: blobs}
}

// Blobs exposes the underlying store (stats, GC).
func (e *Engine) Blobs() *BlobStore { return e.blobs }

// Create walks the workspace, stores every file as a blob and records the
// checkpoint. Files over the size cap are skipped with a warning rather than
// failing the snapshot.
func (e *Engine) Create(ctx context.Context, workspace string, parentID *int64, metadata map[string]any) (int64, error) {
	files, err := e.captureTree(ctx, workspace)
	if err != nil {
		return 0, err
	}

	metaJSON := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return 0, errdef.Wrap(err, errdef.KindSerialization, "encode checkpoint metadata")
		}
		metaJSON = string(raw)
	}

	tx, err := e.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "begin checkpoint")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (parent_id, workspace_path, metadata, created_at) VALUES (?, ?, ?, ?)`,
		parentID, workspace, metaJSON, time.Now().UTC().Unix())
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "insert checkpoint")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "checkpoint row id")
	}
	for path, hash := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_files (checkpoint_id, relative_path, blob_hash) VALUES (?, ?, ?)`,
			id, path, hash); err != nil {
			return 0, errdef.Wrap(err, errdef.KindIo, "insert checkpoint file %s", path)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "commit checkpoint")
	}

	slog.Info("checkpoint created", "id", id, "workspace", workspace, "files", len(files))
	return id, nil
}

// captureTree stores each workspace file as a blob and returns path→hash.
func (e *Engine) captureTree(ctx context.Context, workspace string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		hash, err := e.blobs.StoreStream(ctx, f)
		f.Close()
		if err != nil {
			if errdef.Is(err, errdef.KindFileTooLarge) {
				slog.Warn("checkpoint skipping oversized file", "path", path)
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		files[rel] = hash
		return nil
	})
	if err != nil {
		var e2 *errdef.Error
		if errors.As(err, &e2) {
			return nil, err
		}
		return nil, errdef.Wrap(err, errdef.KindIo, "walk workspace %s", workspace)
	}
	return files, nil
}

// List returns checkpoint metadata for a workspace, newest first.
func (e *Engine) List(ctx context.Context, workspace string) ([]*Meta, error) {
	rows, err := e.db.DB().QueryContext(ctx,
		`SELECT c.id, c.parent_id, c.workspace_path, c.metadata, c.created_at,
		        (SELECT COUNT(*) FROM checkpoint_files f WHERE f.checkpoint_id = c.id)
		 FROM checkpoints c WHERE c.workspace_path = ? ORDER BY c.created_at DESC, c.id DESC`, workspace)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list checkpoints")
	}
	defer rows.Close()

	var out []*Meta
	for rows.Next() {
		var m Meta
		var parent sql.NullInt64
		var metaJSON string
		var created int64
		if err := rows.Scan(&m.ID, &parent, &m.Workspace, &metaJSON, &created, &m.FileCount); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan checkpoint")
		}
		if parent.Valid {
			m.ParentID = &parent.Int64
		}
		if metaJSON != "" && metaJSON != "{}" {
			_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		}
		m.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// fileMap loads a checkpoint's path→hash bindings.
func (e *Engine) fileMap(ctx context.Context, id int64) (map[string]string, string, error) {
	var workspace string
	err := e.db.DB().QueryRowContext(ctx,
		`SELECT workspace_path FROM checkpoints WHERE id = ?`, id).Scan(&workspace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", errdef.New(errdef.KindNotFound, "checkpoint %d", id)
	}
	if err != nil {
		return nil, "", errdef.Wrap(err, errdef.KindIo, "read checkpoint %d", id)
	}

	rows, err := e.db.DB().QueryContext(ctx,
		`SELECT relative_path, blob_hash FROM checkpoint_files WHERE checkpoint_id = ?`, id)
	if err != nil {
		return nil, "", errdef.Wrap(err, errdef.KindIo, "read checkpoint files")
	}
	defer rows.Close()

	files := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, "", errdef.Wrap(err, errdef.KindSerialization, "scan checkpoint file")
		}
		files[path] = hash
	}
	return files, workspace, rows.Err()
}

// GetFileContent returns one file's bytes from a checkpoint.
func (e *Engine) GetFileContent(ctx context.Context, id int64, relPath string) ([]byte, error) {
	files, _, err := e.fileMap(ctx, id)
	if err != nil {
		return nil, err
	}
	hash, ok := files[relPath]
	if !ok {
		return nil, errdef.New(errdef.KindNotFound, "file %s in checkpoint %d", relPath, id)
	}
	return e.blobs.Get(ctx, hash)
}

// Diff compares two checkpoints and reports added/modified/deleted paths,
// from a's view to b's.
func (e *Engine) Diff(ctx context.Context, a, b int64) ([]FileChange, error) {
	filesA, _, err := e.fileMap(ctx, a)
	if err != nil {
		return nil, err
	}
	filesB, _, err := e.fileMap(ctx, b)
	if err != nil {
		return nil, err
	}
	return diffMaps(filesA, filesB), nil
}

// DiffWithCurrent compares a checkpoint against the live workspace tree.
func (e *Engine) DiffWithCurrent(ctx context.Context, id int64) ([]FileChange, error) {
	files, workspace, err := e.fileMap(ctx, id)
	if err != nil {
		return nil, err
	}

	current := make(map[string]string)
	err = filepath.WalkDir(workspace, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		current[rel] = ComputeHash(content)
		return nil
	})
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "walk workspace %s", workspace)
	}
	return diffMaps(files, current), nil
}

func diffMaps(from, to map[string]string) []FileChange {
	var changes []FileChange
	for path, hash := range to {
		old, ok := from[path]
		switch {
		case !ok:
			changes = append(changes, FileChange{Path: path, Kind: "added"})
		case old != hash:
			changes = append(changes, FileChange{Path: path, Kind: "modified"})
		}
	}
	for path := range from {
		if _, ok := to[path]; !ok {
			changes = append(changes, FileChange{Path: path, Kind: "deleted"})
		}
	}
	return changes
}

// Rollback restores every file of a checkpoint into its workspace.
func (e *Engine) Rollback(ctx context.Context, id int64) error {
	files, workspace, err := e.fileMap(ctx, id)
	if err != nil {
		return err
	}
	for relPath, hash := range files {
		content, err := e.blobs.Get(ctx, hash)
		if err != nil {
			return err
		}
		target := filepath.Join(workspace, relPath)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errdef.Wrap(err, errdef.KindIo, "create directory for %s", target)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return errdef.Wrap(err, errdef.KindIo, "restore %s", target)
		}
	}
	slog.Info("checkpoint rolled back", "id", id, "files", len(files))
	return nil
}

// Delete removes a checkpoint and decrements the refcount of every blob it
// referenced, by exactly one each.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	files, _, err := e.fileMap(ctx, id)
	if err != nil {
		return err
	}
	if _, err := e.db.DB().ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "delete checkpoint %d", id)
	}
	for _, hash := range files {
		if err := e.blobs.DecrementRef(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

// GCSweeper runs blob GC on a cron schedule from config.
type GCSweeper struct {
	engine   *Engine
	schedule string
	stop     chan struct{}
}

// NewGCSweeper validates the cron expression and returns a sweeper.
// An empty schedule defaults to hourly.
func NewGCSweeper(engine *Engine, schedule string) (*GCSweeper, error) {
	if schedule == "" {
		schedule = "0 * * * *"
	}
	if !gronx.New().IsValid(schedule) {
		return nil, errdef.New(errdef.KindConfig, "invalid gc schedule %q", schedule)
	}
	return &GCSweeper{engine: engine, schedule: schedule, stop: make(chan struct{})}, nil
}

// Start launches the background sweep loop. Stop() terminates it.
func (s *GCSweeper) Start() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		gron := gronx.New()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				due, err := gron.IsDue(s.schedule, time.Now())
				if err != nil || !due {
					continue
				}
				if _, err := s.engine.Blobs().GC(context.Background()); err != nil {
					slog.Warn("scheduled blob gc failed", "error", err)
				}
			}
		}
	}()
}

func (s *GCSweeper) Stop() { close(s.stop) }
