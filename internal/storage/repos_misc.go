package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
)

// AuditLogRepo is append-only: events are logged, never rewritten.
type AuditLogRepo struct {
	db *Database
}

// LogEvent appends one audit record.
func (r *AuditLogRepo) LogEvent(ctx context.Context, e *AuditLog) (int64, error) {
	res, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO audit_logs (operation, table_name, record_id, user_ctx, details, success, error, created_at)
		 VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?)`,
		e.Operation, e.Table, e.RecordID, e.UserCtx, e.Details, boolToInt(e.Success), e.Error, unixTime(e.CreatedAt))
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "append audit log")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "audit log row id")
	}
	e.ID = id
	return id, nil
}

// Update always fails: audit logs are immutable once written.
func (r *AuditLogRepo) Update(ctx context.Context, id int64, _ map[string]any) error {
	return errdef.New(errdef.KindAuditLogUpdateNotSupported, "audit log %d is append-only", id)
}

// FindRecent lists the newest records first.
func (r *AuditLogRepo) FindRecent(ctx context.Context, limit int64) ([]*AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT id, operation, table_name, COALESCE(record_id, ''), COALESCE(user_ctx, ''), details, success, COALESCE(error, ''), created_at
		 FROM audit_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list audit logs")
	}
	defer rows.Close()
	var out []*AuditLog
	for rows.Next() {
		var e AuditLog
		var success int
		var created int64
		if err := rows.Scan(&e.ID, &e.Operation, &e.Table, &e.RecordID, &e.UserCtx, &e.Details, &success, &e.Error, &created); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan audit log")
		}
		e.Success = success != 0
		e.CreatedAt = fromUnix(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// VectorWorkspaceRepo registers indexed workspace roots.
type VectorWorkspaceRepo struct {
	db *Database
}

func (r *VectorWorkspaceRepo) Save(ctx context.Context, w *VectorWorkspace) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO vector_workspaces (workspace_path, index_dir, embedding_model, vector_dim, file_count, chunk_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_path) DO UPDATE SET
		   index_dir = excluded.index_dir,
		   embedding_model = excluded.embedding_model,
		   vector_dim = excluded.vector_dim,
		   file_count = excluded.file_count,
		   chunk_count = excluded.chunk_count,
		   updated_at = excluded.updated_at`,
		w.WorkspacePath, w.IndexDir, w.EmbeddingModel, w.VectorDim, w.FileCount, w.ChunkCount,
		unixTime(w.CreatedAt), now)
	return errdef.Wrap(err, errdef.KindIo, "save vector workspace %s", w.WorkspacePath)
}

func (r *VectorWorkspaceRepo) FindByPath(ctx context.Context, workspacePath string) (*VectorWorkspace, error) {
	row := r.db.DB().QueryRowContext(ctx,
		`SELECT workspace_path, index_dir, embedding_model, vector_dim, file_count, chunk_count, created_at, updated_at
		 FROM vector_workspaces WHERE workspace_path = ?`, workspacePath)
	var w VectorWorkspace
	var created, updated int64
	err := row.Scan(&w.WorkspacePath, &w.IndexDir, &w.EmbeddingModel, &w.VectorDim, &w.FileCount, &w.ChunkCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.New(errdef.KindNotFound, "vector workspace %s", workspacePath)
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "scan vector workspace")
	}
	w.CreatedAt, w.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &w, nil
}

func (r *VectorWorkspaceRepo) FindAll(ctx context.Context) ([]*VectorWorkspace, error) {
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT workspace_path, index_dir, embedding_model, vector_dim, file_count, chunk_count, created_at, updated_at
		 FROM vector_workspaces ORDER BY workspace_path`)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list vector workspaces")
	}
	defer rows.Close()
	var out []*VectorWorkspace
	for rows.Next() {
		var w VectorWorkspace
		var created, updated int64
		if err := rows.Scan(&w.WorkspacePath, &w.IndexDir, &w.EmbeddingModel, &w.VectorDim, &w.FileCount, &w.ChunkCount, &created, &updated); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan vector workspace")
		}
		w.CreatedAt, w.UpdatedAt = fromUnix(created), fromUnix(updated)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (r *VectorWorkspaceRepo) Delete(ctx context.Context, workspacePath string) error {
	_, err := r.db.DB().ExecContext(ctx, `DELETE FROM vector_workspaces WHERE workspace_path = ?`, workspacePath)
	return errdef.Wrap(err, errdef.KindIo, "delete vector workspace %s", workspacePath)
}

// CompletionHistoryRepo records executed commands for the history provider.
type CompletionHistoryRepo struct {
	db *Database
}

// Record bumps the use count for (command, cwd), inserting on first use.
func (r *CompletionHistoryRepo) Record(ctx context.Context, command, workingDirectory string) error {
	_, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO completion_history (command, working_directory, use_count, last_used_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(command, working_directory) DO UPDATE SET
		   use_count = use_count + 1,
		   last_used_at = excluded.last_used_at`,
		command, workingDirectory, time.Now().UTC().Unix())
	return errdef.Wrap(err, errdef.KindIo, "record completion history")
}

// FindByPrefix returns the most-used commands matching a prefix.
func (r *CompletionHistoryRepo) FindByPrefix(ctx context.Context, prefix string, limit int64) ([]*CompletionHistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := escapeLike(prefix) + "%"
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT id, command, working_directory, use_count, last_used_at
		 FROM completion_history WHERE command LIKE ? ESCAPE '\'
		 ORDER BY use_count DESC, last_used_at DESC LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "query completion history")
	}
	defer rows.Close()
	var out []*CompletionHistoryEntry
	for rows.Next() {
		var e CompletionHistoryEntry
		var lastUsed int64
		if err := rows.Scan(&e.ID, &e.Command, &e.WorkingDirectory, &e.UseCount, &lastUsed); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan completion history")
		}
		e.LastUsedAt = fromUnix(lastUsed)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Clear wipes the learned history.
func (r *CompletionHistoryRepo) Clear(ctx context.Context) error {
	_, err := r.db.DB().ExecContext(ctx, `DELETE FROM completion_history`)
	return errdef.Wrap(err, errdef.KindIo, "clear completion history")
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
