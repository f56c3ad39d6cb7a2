package storage

import (
	"context"
	"os"
	"strings"
	"testing"
)

func testDataLayer(t *testing.T) (*DataLayer, *Paths) {
	t.Helper()
	paths := testPaths(t)
	db, err := OpenDatabase(context.Background(), paths.DatabaseFile())
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDataLayer(db, paths), paths
}

func TestDataLayer_SaveAndQuery(t *testing.T) {
	ctx := context.Background()
	layer, _ := testDataLayer(t)

	err := layer.SaveData(ctx, map[string]any{
		"command":           "git status",
		"working_directory": "/repo",
		"use_count":         3,
		"last_used_at":      1700000000,
	}, SaveOptions{Table: "completion_history", Overwrite: true, Validate: true})
	if err != nil {
		t.Fatalf("SaveData: %v", err)
	}

	query, params, err := NewSelect("completion_history").
		Select("command", "use_count").
		Where(Eq("working_directory", "/repo")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	rows, err := layer.QueryData(ctx, DataQuery{Query: query, Params: params, OrderBy: "use_count", Desc: true, Limit: 10})
	if err != nil {
		t.Fatalf("QueryData: %v", err)
	}
	if len(rows) != 1 || rows[0]["command"] != "git status" {
		t.Errorf("rows = %#v", rows)
	}
}

func TestDataLayer_RejectsUnknownTableAndFreeFormSQL(t *testing.T) {
	ctx := context.Background()
	layer, _ := testDataLayer(t)

	if err := layer.SaveData(ctx, map[string]any{"x": 1}, SaveOptions{Table: "sqlite_master"}); err == nil {
		t.Error("unknown table should be rejected")
	}

	if _, err := layer.QueryData(ctx, DataQuery{Query: "DROP TABLE messages"}); err == nil {
		t.Error("non-SELECT should be rejected")
	}
	if _, err := layer.QueryData(ctx, DataQuery{Query: "SELECT 1; DELETE FROM messages"}); err == nil {
		t.Error("stacked statements should be rejected")
	}
}

func TestDataLayer_BackupWritesPreviousValue(t *testing.T) {
	ctx := context.Background()
	layer, paths := testDataLayer(t)

	first := map[string]any{
		"id": "m1", "provider": "anthropic", "api_url": "u1", "api_key": "enc",
		"model_name": "claude", "enabled": 1, "is_default": 0,
		"context_window": 100000, "created_at": 1, "updated_at": 1,
	}
	if err := layer.SaveData(ctx, first, SaveOptions{Table: "ai_models", Overwrite: true}); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := map[string]any{}
	for k, v := range first {
		second[k] = v
	}
	second["api_url"] = "u2"
	if err := layer.SaveData(ctx, second, SaveOptions{Table: "ai_models", Overwrite: true, Backup: true}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	entries, err := os.ReadDir(paths.BackupsDir())
	if err != nil {
		t.Fatalf("read backups: %v", err)
	}
	var found bool
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "ai_models-m1-") {
			found = true
			data, err := os.ReadFile(paths.BackupsDir() + "/" + entry.Name())
			if err != nil {
				t.Fatalf("read backup: %v", err)
			}
			if !strings.Contains(string(data), `"u1"`) {
				t.Errorf("backup should hold the previous value: %s", data)
			}
		}
	}
	if !found {
		t.Error("no backup file written")
	}
}
