package storage

import (
	"reflect"
	"testing"

	"github.com/skywang16/orbitx/internal/errdef"
)

func TestSelectBuilder(t *testing.T) {
	query, params, err := NewSelect("messages").
		Select("id", "content").
		Where(Eq("conversation_id", int64(7))).
		Where(Gt("created_at", int64(100))).
		OrderByDesc("created_at").
		Limit(10).
		Offset(5).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "SELECT id, content FROM messages WHERE conversation_id = ? AND created_at > ? ORDER BY created_at DESC LIMIT ? OFFSET ?"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	wantParams := []any{int64(7), int64(100), int64(10), int64(5)}
	if !reflect.DeepEqual(params, wantParams) {
		t.Errorf("params = %#v, want %#v", params, wantParams)
	}
}

func TestConditionRendering(t *testing.T) {
	tests := []struct {
		name       string
		cond       Condition
		wantSQL    string
		wantParams int
	}{
		{"in", In("status", "a", "b", "c"), "status IN (?, ?, ?)", 3},
		{"is null", IsNull("error"), "error IS NULL", 0},
		{"is not null", IsNotNull("error"), "error IS NOT NULL", 0},
		{"between", Between("n", 1, 9), "n BETWEEN ? AND ?", 2},
		{"like", Like("title", "foo%"), "title LIKE ?", 1},
		{"and", And(Eq("a", 1), Ne("b", 2)), "(a = ? AND b != ?)", 2},
		{"or", Or(Lt("a", 1), Ge("b", 2)), "(a < ? OR b >= ?)", 2},
		{"nested", And(Eq("a", 1), Or(Eq("b", 2), Eq("c", 3))), "(a = ? AND (b = ? OR c = ?))", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := tt.cond.render()
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("sql = %q, want %q", sql, tt.wantSQL)
			}
			if len(params) != tt.wantParams {
				t.Errorf("params = %d, want %d", len(params), tt.wantParams)
			}
		})
	}
}

func TestInCondition_Empty(t *testing.T) {
	if _, _, err := In("x").render(); err == nil {
		t.Fatal("empty IN should fail")
	}
}

func TestInsertBuilder(t *testing.T) {
	query, params, err := NewInsert("ai_models").
		Set("id", "m1").
		Set("provider", "anthropic").
		OnConflictReplace().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Fields render sorted, so generated SQL is deterministic.
	want := "INSERT OR REPLACE INTO ai_models (id, provider) VALUES (?, ?)"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(params) != 2 || params[0] != "m1" || params[1] != "anthropic" {
		t.Errorf("params = %#v", params)
	}
}

func TestInsertBuilder_NoFields(t *testing.T) {
	_, _, err := NewInsert("t").Build()
	if err == nil {
		t.Fatal("insert with zero fields should fail")
	}
	if errdef.KindOf(err) != errdef.KindValidation {
		t.Errorf("kind = %v, want validation", errdef.KindOf(err))
	}
}

func TestUpdateBuilder(t *testing.T) {
	query, params, err := NewUpdate("conversations").
		Set("title", "new").
		Where(Eq("id", int64(3))).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "UPDATE conversations SET title = ? WHERE id = ?"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(params) != 2 {
		t.Errorf("params = %#v", params)
	}
}

func TestUpdateBuilder_NoFields(t *testing.T) {
	_, _, err := NewUpdate("t").Where(Eq("id", 1)).Build()
	if err == nil {
		t.Fatal("update with zero fields should fail")
	}
	if errdef.KindOf(err) != errdef.KindValidation {
		t.Errorf("kind = %v, want validation", errdef.KindOf(err))
	}
}

func TestCheckBuilderQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{"plain select", "SELECT * FROM messages WHERE id = ?", false},
		{"delete rejected", "DELETE FROM messages", true},
		{"stacked statements", "SELECT 1; DROP TABLE messages", true},
		{"comment", "SELECT 1 -- sneak", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkBuilderQuery(tt.query)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkBuilderQuery(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			}
		})
	}
}
