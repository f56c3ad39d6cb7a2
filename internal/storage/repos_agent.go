package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
)

// AgentTaskRepo persists agent task rows. Status transition legality is the
// executor's concern; the repository only guards terminal stickiness.
type AgentTaskRepo struct {
	db *Database
}

func (r *AgentTaskRepo) Save(ctx context.Context, t *AgentTask) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO agent_tasks (task_id, conversation_id, session_id, workspace_path, user_prompt, status, iteration, error_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.ConversationID, t.SessionID, t.WorkspacePath, t.UserPrompt,
		string(t.Status), t.Iteration, t.ErrorCount, unixTime(t.CreatedAt), now)
	return errdef.Wrap(err, errdef.KindIo, "save agent task %s", t.TaskID)
}

func (r *AgentTaskRepo) FindByID(ctx context.Context, taskID string) (*AgentTask, error) {
	row := r.db.DB().QueryRowContext(ctx,
		`SELECT task_id, conversation_id, session_id, workspace_path, user_prompt, status, iteration, error_count, created_at, updated_at
		 FROM agent_tasks WHERE task_id = ?`, taskID)
	return scanAgentTask(row)
}

func (r *AgentTaskRepo) FindAll(ctx context.Context) ([]*AgentTask, error) {
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT task_id, conversation_id, session_id, workspace_path, user_prompt, status, iteration, error_count, created_at, updated_at
		 FROM agent_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list agent tasks")
	}
	defer rows.Close()
	var out []*AgentTask
	for rows.Next() {
		t, err := scanAgentTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateStatus moves a task to a new status. Rows already in a terminal
// status are never modified (sticky terminal states).
func (r *AgentTaskRepo) UpdateStatus(ctx context.Context, taskID string, status TaskStatus) error {
	res, err := r.db.DB().ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, updated_at = ?
		 WHERE task_id = ? AND status NOT IN (?, ?, ?)`,
		string(status), time.Now().UTC().Unix(), taskID,
		string(TaskCompleted), string(TaskError), string(TaskCancelled))
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "update agent task %s", taskID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.New(errdef.KindValidation, "task %s is terminal or missing", taskID)
	}
	return nil
}

// UpdateProgress bumps the iteration counter and error count.
func (r *AgentTaskRepo) UpdateProgress(ctx context.Context, taskID string, iteration uint32, errorCount int) error {
	_, err := r.db.DB().ExecContext(ctx,
		`UPDATE agent_tasks SET iteration = ?, error_count = ?, updated_at = ? WHERE task_id = ?`,
		iteration, errorCount, time.Now().UTC().Unix(), taskID)
	return errdef.Wrap(err, errdef.KindIo, "update agent task progress %s", taskID)
}

func (r *AgentTaskRepo) Delete(ctx context.Context, taskID string) error {
	_, err := r.db.DB().ExecContext(ctx, `DELETE FROM agent_tasks WHERE task_id = ?`, taskID)
	return errdef.Wrap(err, errdef.KindIo, "delete agent task %s", taskID)
}

func scanAgentTask(row rowScanner) (*AgentTask, error) {
	var t AgentTask
	var status string
	var created, updated int64
	err := row.Scan(&t.TaskID, &t.ConversationID, &t.SessionID, &t.WorkspacePath,
		&t.UserPrompt, &status, &t.Iteration, &t.ErrorCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.New(errdef.KindNotFound, "agent task not found")
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "scan agent task")
	}
	t.Status = TaskStatus(status)
	t.CreatedAt, t.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &t, nil
}

// ToolCallRepo persists tool invocations for a task.
type ToolCallRepo struct {
	db *Database
}

func (r *ToolCallRepo) Save(ctx context.Context, c *ToolCallRecord) error {
	_, err := r.db.DB().ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_tool_calls (call_id, task_id, tool_name, arguments, status, result, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		c.CallID, c.TaskID, c.ToolName, c.Arguments, string(c.Status),
		c.Result, c.Error, nullableUnix(c.StartedAt), nullableUnix(c.CompletedAt))
	return errdef.Wrap(err, errdef.KindIo, "save tool call %s", c.CallID)
}

// UpdateStatus advances one tool call's lifecycle.
func (r *ToolCallRepo) UpdateStatus(ctx context.Context, callID string, status ToolCallStatus, result, errMsg string) error {
	completed := any(nil)
	if status == ToolCallCompleted || status == ToolCallError {
		completed = time.Now().UTC().Unix()
	}
	_, err := r.db.DB().ExecContext(ctx,
		`UPDATE agent_tool_calls SET status = ?, result = NULLIF(?, ''), error = NULLIF(?, ''), completed_at = ?
		 WHERE call_id = ?`,
		string(status), result, errMsg, completed, callID)
	return errdef.Wrap(err, errdef.KindIo, "update tool call %s", callID)
}

// FindRunning returns call ids currently marked Running for a task, which
// makes the one-running-call-per-task invariant observable.
func (r *ToolCallRepo) FindRunning(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT call_id FROM agent_tool_calls WHERE task_id = ? AND status = ?`,
		taskID, string(ToolCallRunning))
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list running tool calls")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan tool call id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ToolCallRepo) FindByTask(ctx context.Context, taskID string) ([]*ToolCallRecord, error) {
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT call_id, task_id, tool_name, arguments, status, COALESCE(result, ''), COALESCE(error, ''), COALESCE(started_at, 0), COALESCE(completed_at, 0)
		 FROM agent_tool_calls WHERE task_id = ? ORDER BY started_at, call_id`, taskID)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list tool calls")
	}
	defer rows.Close()
	var out []*ToolCallRecord
	for rows.Next() {
		var c ToolCallRecord
		var status string
		var started, completed int64
		if err := rows.Scan(&c.CallID, &c.TaskID, &c.ToolName, &c.Arguments, &status, &c.Result, &c.Error, &started, &completed); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan tool call")
		}
		c.Status = ToolCallStatus(status)
		c.StartedAt, c.CompletedAt = fromUnix(started), fromUnix(completed)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}

// ContextSnapshotRepo persists agent context snapshots. Full snapshots
// rebase; incrementals append. Latest full plus later incrementals
// reconstructs a context.
type ContextSnapshotRepo struct {
	db *Database
}

func (r *ContextSnapshotRepo) Save(ctx context.Context, s *ContextSnapshot) (int64, error) {
	res, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO agent_context_snapshots (task_id, iteration, kind, messages_json, additional_state, created_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)`,
		s.TaskID, s.Iteration, string(s.Kind), s.MessagesJSON, s.AdditionalState, unixTime(s.CreatedAt))
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "save context snapshot")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "snapshot row id")
	}
	s.ID = id
	return id, nil
}

// FindChain returns the latest full snapshot for a task followed by every
// later incremental, in iteration order.
func (r *ContextSnapshotRepo) FindChain(ctx context.Context, taskID string) ([]*ContextSnapshot, error) {
	row := r.db.DB().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(iteration), -1) FROM agent_context_snapshots WHERE task_id = ? AND kind = ?`,
		taskID, string(SnapshotFull))
	var fullIter int64
	if err := row.Scan(&fullIter); err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "find latest full snapshot")
	}
	if fullIter < 0 {
		return nil, nil
	}
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT id, task_id, iteration, kind, messages_json, COALESCE(additional_state, ''), created_at
		 FROM agent_context_snapshots
		 WHERE task_id = ? AND iteration >= ? AND (iteration > ? OR kind = ?)
		 ORDER BY iteration, id`,
		taskID, fullIter, fullIter, string(SnapshotFull))
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "load snapshot chain")
	}
	defer rows.Close()
	var out []*ContextSnapshot
	for rows.Next() {
		var s ContextSnapshot
		var kind string
		var created int64
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Iteration, &kind, &s.MessagesJSON, &s.AdditionalState, &created); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan snapshot")
		}
		s.Kind = SnapshotKind(kind)
		s.CreatedAt = fromUnix(created)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// DeleteForTask removes snapshots once the task and dependent rebuilds are
// done (GC path).
func (r *ContextSnapshotRepo) DeleteForTask(ctx context.Context, taskID string) error {
	_, err := r.db.DB().ExecContext(ctx, `DELETE FROM agent_context_snapshots WHERE task_id = ?`, taskID)
	return errdef.Wrap(err, errdef.KindIo, "delete snapshots for %s", taskID)
}

// ConversationSummaryRepo keeps at most one current summary per conversation.
type ConversationSummaryRepo struct {
	db *Database
}

func (r *ConversationSummaryRepo) Upsert(ctx context.Context, s *ConversationSummary) error {
	_, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO conversation_summaries (conversation_id, summary_text, summary_tokens, messages_before, tokens_saved, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   summary_text = excluded.summary_text,
		   summary_tokens = excluded.summary_tokens,
		   messages_before = excluded.messages_before,
		   tokens_saved = excluded.tokens_saved,
		   cost = excluded.cost,
		   created_at = excluded.created_at`,
		s.ConversationID, s.SummaryText, s.SummaryTokens, s.MessagesBefore, s.TokensSaved, s.Cost, unixTime(s.CreatedAt))
	return errdef.Wrap(err, errdef.KindIo, "upsert conversation summary %d", s.ConversationID)
}

func (r *ConversationSummaryRepo) Find(ctx context.Context, conversationID int64) (*ConversationSummary, error) {
	row := r.db.DB().QueryRowContext(ctx,
		`SELECT conversation_id, summary_text, summary_tokens, messages_before, tokens_saved, cost, created_at
		 FROM conversation_summaries WHERE conversation_id = ?`, conversationID)
	var s ConversationSummary
	var created int64
	err := row.Scan(&s.ConversationID, &s.SummaryText, &s.SummaryTokens, &s.MessagesBefore, &s.TokensSaved, &s.Cost, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.New(errdef.KindNotFound, "summary for conversation %d", conversationID)
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "scan summary")
	}
	s.CreatedAt = fromUnix(created)
	return &s, nil
}

func (r *ConversationSummaryRepo) Delete(ctx context.Context, conversationID int64) error {
	_, err := r.db.DB().ExecContext(ctx, `DELETE FROM conversation_summaries WHERE conversation_id = ?`, conversationID)
	return errdef.Wrap(err, errdef.KindIo, "delete summary %d", conversationID)
}
