package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/skywang16/orbitx/internal/providers"
	"github.com/skywang16/orbitx/internal/storage"
)

func testSnapshotter(t *testing.T) *snapshotter {
	t.Helper()
	db, err := storage.OpenDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	secrets := storage.NewSecretBox("test")
	secrets.SetMasterPassword("pw")
	return &snapshotter{repo: storage.NewRepositories(db, secrets).Snapshots}
}

func msg(role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func TestSnapshotter_FullPlusIncrementalRebuild(t *testing.T) {
	ctx := context.Background()
	s := testSnapshotter(t)

	// Iteration 1: full snapshot of the whole context.
	messages := []providers.Message{msg("system", "sys"), msg("user", "hi"), msg("assistant", "a1")}
	if err := s.save(ctx, "t1", 1, messages, len(messages), false); err != nil {
		t.Fatalf("save 1: %v", err)
	}

	// Iterations 2 and 3: incrementals carrying only the new suffix.
	messages = append(messages, msg("tool", "r1"), msg("assistant", "a2"))
	if err := s.save(ctx, "t1", 2, messages, 2, false); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	messages = append(messages, msg("tool", "r2"), msg("assistant", "a3"))
	if err := s.save(ctx, "t1", 3, messages, 2, false); err != nil {
		t.Fatalf("save 3: %v", err)
	}

	rebuilt, err := s.rebuild(ctx, "t1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(rebuilt) != len(messages) {
		t.Fatalf("rebuilt %d messages, want %d", len(rebuilt), len(messages))
	}
	for i := range messages {
		if rebuilt[i].Role != messages[i].Role || rebuilt[i].Content != messages[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, rebuilt[i], messages[i])
		}
	}
}

func TestSnapshotter_ForcedFullRebases(t *testing.T) {
	ctx := context.Background()
	s := testSnapshotter(t)

	long := []providers.Message{msg("system", "sys"), msg("user", "u1"), msg("assistant", "a1")}
	if err := s.save(ctx, "t2", 1, long, len(long), false); err != nil {
		t.Fatalf("save 1: %v", err)
	}

	// Compaction rewrote the context: the forced full replaces the chain.
	compacted := []providers.Message{msg("system", "sys"), msg("user", "[summary]"), msg("assistant", "a1")}
	if err := s.save(ctx, "t2", 2, compacted, len(compacted), true); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	rebuilt, err := s.rebuild(ctx, "t2")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(rebuilt) != 3 || rebuilt[1].Content != "[summary]" {
		t.Errorf("rebuilt = %+v", rebuilt)
	}
}

func TestSnapshotter_NoSnapshotsEmptyRebuild(t *testing.T) {
	s := testSnapshotter(t)
	rebuilt, err := s.rebuild(context.Background(), "missing")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt != nil {
		t.Errorf("rebuilt = %#v, want nil", rebuilt)
	}
}
