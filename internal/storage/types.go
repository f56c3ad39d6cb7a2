package storage

import "time"

// SaveOptions controls SaveData behavior.
type SaveOptions struct {
	Table     string
	Overwrite bool
	Backup    bool
	Validate  bool
}

// DataQuery is the generic read contract of the data layer. Query text comes
// from the builders in this package, never from caller concatenation.
type DataQuery struct {
	Query   string
	Params  []any
	Limit   int64
	Offset  int64
	OrderBy string
	Desc    bool
}

// AIModel is one configured LLM endpoint. APIKey is encrypted at rest.
type AIModel struct {
	ID            string
	Provider      string
	APIURL        string
	APIKey        string
	ModelName     string
	Enabled       bool
	Default       bool
	ContextWindow int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Conversation is a chat thread the agent operates within.
type Conversation struct {
	ID                 int64
	Title              string
	MessageCount       int
	LastMessagePreview string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message is one persisted chat message.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string
	Content        string
	StepsJSON      string
	Status         string
	DurationMS     int64
	CreatedAt      time.Time
}

// TaskStatus enumerates the agent task FSM states.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is sticky.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskError || s == TaskCancelled
}

// AgentTask is the persisted root of one agent run.
type AgentTask struct {
	TaskID         string
	ConversationID int64
	SessionID      string
	WorkspacePath  string
	UserPrompt     string
	Status         TaskStatus
	Iteration      uint32
	ErrorCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToolCallStatus enumerates tool call lifecycle states.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCallRecord is one persisted tool invocation.
type ToolCallRecord struct {
	CallID      string
	TaskID      string
	ToolName    string
	Arguments   string // JSON
	Status      ToolCallStatus
	Result      string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// SnapshotKind distinguishes full rebases from incremental appends.
type SnapshotKind string

const (
	SnapshotFull        SnapshotKind = "full"
	SnapshotIncremental SnapshotKind = "incremental"
)

// ContextSnapshot captures an agent task's message context at an iteration
// boundary. Latest Full plus later Incrementals reconstructs a context.
type ContextSnapshot struct {
	ID              int64
	TaskID          string
	Iteration       uint32
	Kind            SnapshotKind
	MessagesJSON    string
	AdditionalState string
	CreatedAt       time.Time
}

// ConversationSummary is the compaction record; at most one current per
// conversation (upserted).
type ConversationSummary struct {
	ConversationID int64
	SummaryText    string
	SummaryTokens  int
	MessagesBefore int
	TokensSaved    int
	Cost           float64
	CreatedAt      time.Time
}

// AuditLog is one append-only mutation record.
type AuditLog struct {
	ID        int64
	Operation string
	Table     string
	RecordID  string
	UserCtx   string
	Details   string
	Success   bool
	Error     string
	CreatedAt time.Time
}

// VectorWorkspace registers an indexed workspace root.
type VectorWorkspace struct {
	WorkspacePath  string
	IndexDir       string
	EmbeddingModel string
	VectorDim      int
	FileCount      int
	ChunkCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CompletionHistoryEntry feeds the completion engine's history provider.
type CompletionHistoryEntry struct {
	ID               int64
	Command          string
	WorkingDirectory string
	UseCount         int
	LastUsedAt       time.Time
}
