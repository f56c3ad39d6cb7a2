package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/skywang16/orbitx/internal/storage"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := storage.OpenDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEngine(db, NewBlobStore(db, DefaultConfig()))
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestEngine_CreateListAndContent(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t)
	ws := t.TempDir()
	writeFile(t, ws, "main.go", "package main")
	writeFile(t, ws, "sub/util.go", "package sub")
	writeFile(t, ws, ".git/config", "should be ignored")

	id, err := engine.Create(ctx, ws, nil, map[string]any{"label": "initial"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	metas, err := engine.List(ctx, ws)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("list = %d entries, want 1", len(metas))
	}
	if metas[0].FileCount != 2 {
		t.Errorf("file_count = %d, want 2 (.git ignored)", metas[0].FileCount)
	}
	if metas[0].Metadata["label"] != "initial" {
		t.Errorf("metadata = %#v", metas[0].Metadata)
	}

	content, err := engine.GetFileContent(ctx, id, "main.go")
	if err != nil {
		t.Fatalf("GetFileContent: %v", err)
	}
	if string(content) != "package main" {
		t.Errorf("content = %q", content)
	}
}

func TestEngine_DiffAndRollback(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t)
	ws := t.TempDir()
	writeFile(t, ws, "a.txt", "one")
	writeFile(t, ws, "b.txt", "two")

	first, err := engine.Create(ctx, ws, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	writeFile(t, ws, "a.txt", "one changed")
	writeFile(t, ws, "c.txt", "three")
	if err := os.Remove(filepath.Join(ws, "b.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	second, err := engine.Create(ctx, ws, &first, nil)
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}

	changes, err := engine.Diff(ctx, first, second)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	byPath := make(map[string]string)
	for _, c := range changes {
		byPath[c.Path] = c.Kind
	}
	if byPath["a.txt"] != "modified" || byPath["b.txt"] != "deleted" || byPath["c.txt"] != "added" {
		t.Errorf("diff = %#v", byPath)
	}

	// Rollback to the first checkpoint restores original contents.
	if err := engine.Rollback(ctx, first); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	restored, err := os.ReadFile(filepath.Join(ws, "a.txt"))
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(restored) != "one" {
		t.Errorf("restored a.txt = %q, want %q", restored, "one")
	}
	if _, err := os.Stat(filepath.Join(ws, "b.txt")); err != nil {
		t.Error("b.txt should be restored by rollback")
	}
}

func TestEngine_DiffWithCurrent(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t)
	ws := t.TempDir()
	writeFile(t, ws, "a.txt", "one")

	id, err := engine.Create(ctx, ws, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if changes, err := engine.DiffWithCurrent(ctx, id); err != nil || len(changes) != 0 {
		t.Fatalf("unchanged workspace should diff empty: %v, %#v", err, changes)
	}

	writeFile(t, ws, "a.txt", "mutated")
	changes, err := engine.DiffWithCurrent(ctx, id)
	if err != nil {
		t.Fatalf("DiffWithCurrent: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != "modified" {
		t.Errorf("changes = %#v", changes)
	}
}

func TestEngine_DeleteDecrementsRefs(t *testing.T) {
	ctx := context.Background()
	engine := testEngine(t)
	ws := t.TempDir()
	writeFile(t, ws, "shared.txt", "same bytes")

	first, err := engine.Create(ctx, ws, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := engine.Create(ctx, ws, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Both checkpoints share one blob with two refs.
	stats, _ := engine.Blobs().GetStats(ctx)
	if stats.BlobCount != 1 || stats.TotalRefs != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	if err := engine.Delete(ctx, first); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	stats, _ = engine.Blobs().GetStats(ctx)
	if stats.TotalRefs != 1 {
		t.Errorf("refs after one delete = %d, want 1", stats.TotalRefs)
	}
	if n, _ := engine.Blobs().GC(ctx); n != 0 {
		t.Errorf("blob still referenced, GC should remove 0, got %d", n)
	}

	if err := engine.Delete(ctx, second); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := engine.Blobs().GC(ctx); n != 1 {
		t.Errorf("GC after both deletes should remove 1, got %d", n)
	}
}
