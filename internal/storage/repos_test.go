package storage

import (
	"context"
	"testing"

	"github.com/skywang16/orbitx/internal/errdef"
)

func testRepos(t *testing.T) *Repositories {
	t.Helper()
	db := openTestDB(t)
	secrets := NewSecretBox("test")
	secrets.SetMasterPassword("pw")
	return NewRepositories(db, secrets)
}

func TestAIModelRepo_DefaultSwap(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	for _, m := range []*AIModel{
		{ID: "m1", Provider: "anthropic", APIURL: "https://api.anthropic.com", APIKey: "k1", ModelName: "claude", Enabled: true, Default: true},
		{ID: "m2", Provider: "openai", APIURL: "https://api.openai.com", APIKey: "k2", ModelName: "gpt", Enabled: true},
	} {
		if err := repos.AIModels.Save(ctx, m); err != nil {
			t.Fatalf("save %s: %v", m.ID, err)
		}
	}

	def, err := repos.AIModels.FindDefault(ctx)
	if err != nil {
		t.Fatalf("FindDefault: %v", err)
	}
	if def.ID != "m1" {
		t.Fatalf("default = %s, want m1", def.ID)
	}

	if err := repos.AIModels.SetDefault(ctx, "m2"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}

	all, err := repos.AIModels.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	defaults := 0
	for _, m := range all {
		if m.Default {
			defaults++
			if m.ID != "m2" {
				t.Errorf("default moved to %s, want m2", m.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("exactly one default expected, got %d", defaults)
	}
}

func TestAIModelRepo_KeyEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	secrets := NewSecretBox("test")
	secrets.SetMasterPassword("pw")
	repos := NewRepositories(db, secrets)

	if err := repos.AIModels.Save(ctx, &AIModel{ID: "m1", Provider: "anthropic", APIURL: "u", APIKey: "plaintext-key", ModelName: "claude", Enabled: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The raw column must not contain the plaintext.
	var raw string
	if err := db.DB().QueryRowContext(ctx, `SELECT api_key FROM ai_models WHERE id = 'm1'`).Scan(&raw); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if raw == "plaintext-key" || raw == "" {
		t.Errorf("api key stored in plaintext or empty: %q", raw)
	}

	// FindByID round-trips the plaintext.
	m, err := repos.AIModels.FindByID(ctx, "m1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if m.APIKey != "plaintext-key" {
		t.Errorf("decrypted key = %q", m.APIKey)
	}
}

func TestAuditLogRepo_AppendOnly(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	id, err := repos.AuditLogs.LogEvent(ctx, &AuditLog{
		Operation: "save", Table: "ai_models", RecordID: "m1", Details: "created", Success: true,
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	err = repos.AuditLogs.Update(ctx, id, map[string]any{"details": "rewritten"})
	if errdef.KindOf(err) != errdef.KindAuditLogUpdateNotSupported {
		t.Errorf("Update kind = %v, want audit_log_update_not_supported", errdef.KindOf(err))
	}

	logs, err := repos.AuditLogs.FindRecent(ctx, 10)
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if len(logs) != 1 || logs[0].Details != "created" {
		t.Errorf("logs = %#v", logs)
	}
}

func TestConversationSummaryRepo_UpsertKeepsOne(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	convID, err := repos.Conversations.Save(ctx, &Conversation{Title: "t"})
	if err != nil {
		t.Fatalf("save conversation: %v", err)
	}

	for i, text := range []string{"first summary", "second summary"} {
		err := repos.Summaries.Upsert(ctx, &ConversationSummary{
			ConversationID: convID,
			SummaryText:    text,
			SummaryTokens:  100 + i,
			MessagesBefore: 10,
			TokensSaved:    500,
		})
		if err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	s, err := repos.Summaries.Find(ctx, convID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if s.SummaryText != "second summary" || s.SummaryTokens != 101 {
		t.Errorf("summary = %#v", s)
	}
}

func TestAgentTaskRepo_TerminalStatesAreSticky(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	task := &AgentTask{TaskID: "t1", ConversationID: 1, WorkspacePath: "/w", UserPrompt: "p", Status: TaskCreated}
	if err := repos.AgentTasks.Save(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repos.AgentTasks.UpdateStatus(ctx, "t1", TaskRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := repos.AgentTasks.UpdateStatus(ctx, "t1", TaskCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	// Any further transition must fail and leave the row unchanged.
	if err := repos.AgentTasks.UpdateStatus(ctx, "t1", TaskRunning); err == nil {
		t.Error("transition out of a terminal state should fail")
	}
	got, err := repos.AgentTasks.FindByID(ctx, "t1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != TaskCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestContextSnapshotRepo_ChainReconstruction(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	snaps := []*ContextSnapshot{
		{TaskID: "t1", Iteration: 0, Kind: SnapshotFull, MessagesJSON: `["a"]`},
		{TaskID: "t1", Iteration: 1, Kind: SnapshotIncremental, MessagesJSON: `["b"]`},
		{TaskID: "t1", Iteration: 2, Kind: SnapshotIncremental, MessagesJSON: `["c"]`},
		{TaskID: "t1", Iteration: 3, Kind: SnapshotFull, MessagesJSON: `["abc"]`},
		{TaskID: "t1", Iteration: 4, Kind: SnapshotIncremental, MessagesJSON: `["d"]`},
	}
	for _, s := range snaps {
		if _, err := repos.Snapshots.Save(ctx, s); err != nil {
			t.Fatalf("save snapshot: %v", err)
		}
	}

	chain, err := repos.Snapshots.FindChain(ctx, "t1")
	if err != nil {
		t.Fatalf("FindChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2 (latest full + later incrementals)", len(chain))
	}
	if chain[0].Kind != SnapshotFull || chain[0].Iteration != 3 {
		t.Errorf("chain head = %+v", chain[0])
	}
	if chain[1].Kind != SnapshotIncremental || chain[1].Iteration != 4 {
		t.Errorf("chain tail = %+v", chain[1])
	}
}

func TestCompletionHistoryRepo_RecordAndPrefix(t *testing.T) {
	ctx := context.Background()
	repos := testRepos(t)

	for i := 0; i < 3; i++ {
		if err := repos.CompletionHistory.Record(ctx, "git status", "/repo"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := repos.CompletionHistory.Record(ctx, "git stash", "/repo"); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := repos.CompletionHistory.FindByPrefix(ctx, "git", 10)
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Command != "git status" || entries[0].UseCount != 3 {
		t.Errorf("most used first expected, got %#v", entries[0])
	}
}
