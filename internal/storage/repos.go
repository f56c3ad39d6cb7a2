package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
)

// Repositories bundles every repository over one scope database.
type Repositories struct {
	AIModels          *AIModelRepo
	Conversations     *ConversationRepo
	Messages          *MessageRepo
	AgentTasks        *AgentTaskRepo
	ToolCalls         *ToolCallRepo
	Snapshots         *ContextSnapshotRepo
	Summaries         *ConversationSummaryRepo
	AuditLogs         *AuditLogRepo
	VectorWorkspaces  *VectorWorkspaceRepo
	CompletionHistory *CompletionHistoryRepo
}

// NewRepositories wires all repositories. secrets encrypts AIModel API keys
// transparently on write and decrypts on read.
func NewRepositories(db *Database, secrets *SecretBox) *Repositories {
	return &Repositories{
		AIModels:          &AIModelRepo{db: db, secrets: secrets},
		Conversations:     &ConversationRepo{db: db},
		Messages:          &MessageRepo{db: db},
		AgentTasks:        &AgentTaskRepo{db: db},
		ToolCalls:         &ToolCallRepo{db: db},
		Snapshots:         &ContextSnapshotRepo{db: db},
		Summaries:         &ConversationSummaryRepo{db: db},
		AuditLogs:         &AuditLogRepo{db: db},
		VectorWorkspaces:  &VectorWorkspaceRepo{db: db},
		CompletionHistory: &CompletionHistoryRepo{db: db},
	}
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().Unix()
	}
	return t.UTC().Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// AIModelRepo stores configured LLM endpoints. API keys are encrypted at
// rest; when the secret box is locked, reads return rows with an empty key
// and a Permission error on explicit key access.
type AIModelRepo struct {
	db      *Database
	secrets *SecretBox
}

// Save inserts or replaces a model. The plaintext APIKey on the argument is
// encrypted before it reaches the database.
func (r *AIModelRepo) Save(ctx context.Context, m *AIModel) error {
	encKey, err := r.secrets.Encrypt(m.APIKey)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query, params, err := NewInsert("ai_models").
		Set("id", m.ID).
		Set("provider", m.Provider).
		Set("api_url", m.APIURL).
		Set("api_key", encKey).
		Set("model_name", m.ModelName).
		Set("enabled", boolToInt(m.Enabled)).
		Set("is_default", boolToInt(m.Default)).
		Set("context_window", m.ContextWindow).
		Set("created_at", unixTime(m.CreatedAt)).
		Set("updated_at", now.Unix()).
		OnConflictReplace().
		Build()
	if err != nil {
		return err
	}
	if _, err := r.db.DB().ExecContext(ctx, query, params...); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "save ai model %s", m.ID)
	}
	if m.Default {
		return r.SetDefault(ctx, m.ID)
	}
	return nil
}

// FindByID returns a model with its API key decrypted.
func (r *AIModelRepo) FindByID(ctx context.Context, id string) (*AIModel, error) {
	row := r.db.DB().QueryRowContext(ctx,
		`SELECT id, provider, api_url, api_key, model_name, enabled, is_default, context_window, created_at, updated_at
		 FROM ai_models WHERE id = ?`, id)
	m, err := scanAIModel(row)
	if err != nil {
		return nil, err
	}
	return r.decryptKey(m)
}

// FindAll lists all models; API keys stay encrypted-empty unless unlocked.
func (r *AIModelRepo) FindAll(ctx context.Context) ([]*AIModel, error) {
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT id, provider, api_url, api_key, model_name, enabled, is_default, context_window, created_at, updated_at
		 FROM ai_models ORDER BY created_at`)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list ai models")
	}
	defer rows.Close()
	var out []*AIModel
	for rows.Next() {
		m, err := scanAIModel(rows)
		if err != nil {
			return nil, err
		}
		if r.secrets.Unlocked() {
			if m, err = r.decryptKey(m); err != nil {
				return nil, err
			}
		} else {
			m.APIKey = ""
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindDefault returns the model flagged as default, or NotFound.
func (r *AIModelRepo) FindDefault(ctx context.Context) (*AIModel, error) {
	row := r.db.DB().QueryRowContext(ctx,
		`SELECT id, provider, api_url, api_key, model_name, enabled, is_default, context_window, created_at, updated_at
		 FROM ai_models WHERE is_default = 1 LIMIT 1`)
	m, err := scanAIModel(row)
	if err != nil {
		return nil, err
	}
	return r.decryptKey(m)
}

// SetDefault flags one model as default and clears the flag from every other
// row inside a single transaction, preserving the at-most-one invariant.
func (r *AIModelRepo) SetDefault(ctx context.Context, id string) error {
	tx, err := r.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "begin default-model swap")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE ai_models SET is_default = 0 WHERE is_default = 1 AND id != ?`, id); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "clear previous default model")
	}
	res, err := tx.ExecContext(ctx, `UPDATE ai_models SET is_default = 1 WHERE id = ?`, id)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "set default model")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.New(errdef.KindNotFound, "ai model %s", id)
	}
	return errdef.Wrap(tx.Commit(), errdef.KindIo, "commit default-model swap")
}

// Delete removes a model.
func (r *AIModelRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.DB().ExecContext(ctx, `DELETE FROM ai_models WHERE id = ?`, id)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "delete ai model %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.New(errdef.KindNotFound, "ai model %s", id)
	}
	return nil
}

func (r *AIModelRepo) decryptKey(m *AIModel) (*AIModel, error) {
	if m.APIKey == "" {
		return m, nil
	}
	plain, err := r.secrets.Decrypt(m.APIKey)
	if err != nil {
		return nil, err
	}
	m.APIKey = plain
	return m, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAIModel(row rowScanner) (*AIModel, error) {
	var m AIModel
	var enabled, isDefault int
	var created, updated int64
	err := row.Scan(&m.ID, &m.Provider, &m.APIURL, &m.APIKey, &m.ModelName,
		&enabled, &isDefault, &m.ContextWindow, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.New(errdef.KindNotFound, "ai model not found")
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "scan ai model")
	}
	m.Enabled = enabled != 0
	m.Default = isDefault != 0
	m.CreatedAt = fromUnix(created)
	m.UpdatedAt = fromUnix(updated)
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ConversationRepo stores chat threads.
type ConversationRepo struct {
	db *Database
}

// Save inserts a conversation and returns its new row id.
func (r *ConversationRepo) Save(ctx context.Context, c *Conversation) (int64, error) {
	now := time.Now().UTC().Unix()
	res, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO conversations (title, message_count, last_message_preview, created_at, updated_at)
		 VALUES (?, 0, NULL, ?, ?)`, c.Title, now, now)
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "save conversation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "conversation row id")
	}
	c.ID = id
	return id, nil
}

func (r *ConversationRepo) FindByID(ctx context.Context, id int64) (*Conversation, error) {
	row := r.db.DB().QueryRowContext(ctx,
		`SELECT id, title, message_count, COALESCE(last_message_preview, ''), created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	var c Conversation
	var created, updated int64
	err := row.Scan(&c.ID, &c.Title, &c.MessageCount, &c.LastMessagePreview, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.New(errdef.KindNotFound, "conversation %d", id)
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "scan conversation")
	}
	c.CreatedAt, c.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &c, nil
}

func (r *ConversationRepo) FindAll(ctx context.Context, limit, offset int64) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.DB().QueryContext(ctx,
		`SELECT id, title, message_count, COALESCE(last_message_preview, ''), created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list conversations")
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Title, &c.MessageCount, &c.LastMessagePreview, &created, &updated); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan conversation")
		}
		c.CreatedAt, c.UpdatedAt = fromUnix(created), fromUnix(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateTitle renames a conversation.
func (r *ConversationRepo) UpdateTitle(ctx context.Context, id int64, title string) error {
	query, params, err := NewUpdate("conversations").
		Set("title", title).
		Set("updated_at", time.Now().UTC().Unix()).
		Where(Eq("id", id)).
		Build()
	if err != nil {
		return err
	}
	res, err := r.db.DB().ExecContext(ctx, query, params...)
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "update conversation %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.New(errdef.KindNotFound, "conversation %d", id)
	}
	return nil
}

func (r *ConversationRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.DB().ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return errdef.Wrap(err, errdef.KindIo, "delete conversation %d", id)
}

// MessageRepo stores chat messages. Conversation counters are maintained by
// an insert trigger, so Save is a single statement.
type MessageRepo struct {
	db *Database
}

func (r *MessageRepo) Save(ctx context.Context, m *Message) (int64, error) {
	res, err := r.db.DB().ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, steps_json, status, duration_ms, created_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		m.ConversationID, m.Role, m.Content, m.StepsJSON, m.Status, m.DurationMS, unixTime(m.CreatedAt))
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "save message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdef.Wrap(err, errdef.KindIo, "message row id")
	}
	m.ID = id
	return id, nil
}

// FindByConversation returns messages oldest-first.
func (r *MessageRepo) FindByConversation(ctx context.Context, conversationID int64, limit int64) ([]*Message, error) {
	query := `SELECT id, conversation_id, role, content, COALESCE(steps_json, ''), COALESCE(status, ''), COALESCE(duration_ms, 0), created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "list messages")
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.StepsJSON, &m.Status, &m.DurationMS, &created); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "scan message")
		}
		m.CreatedAt = fromUnix(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *MessageRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.DB().ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return errdef.Wrap(err, errdef.KindIo, "delete message %d", id)
}
