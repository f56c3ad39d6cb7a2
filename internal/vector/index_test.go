package vector

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"testing"

	"github.com/skywang16/orbitx/internal/errdef"
)

// mockEmbedder produces deterministic vectors from text content so search
// relevance is stable without a real model.
type mockEmbedder struct {
	dim   int
	calls int
}

func (m *mockEmbedder) ModelName() string { return "mock-embedder" }

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, m.dim)
		h := fnv.New32a()
		for _, word := range splitWords(text) {
			h.Reset()
			h.Write([]byte(word))
			vec[h.Sum32()%uint32(m.dim)]++
		}
		out[i] = vec
	}
	return out, nil
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		isWord := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord && start < 0 {
			start = i
		}
		if !isWord && start >= 0 {
			words = append(words, s[start:i])
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

func testIndex(t *testing.T, files map[string]string) (*Index, string) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	idx, err := Open(root, &mockEmbedder{dim: 64}, DefaultChunkerConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return idx, root
}

func TestIndex_BuildAndSearch(t *testing.T) {
	ctx := context.Background()
	idx, _ := testIndex(t, map[string]string{
		"auth.go":       "package main\n\nfunc AuthenticateUser(name, password string) bool {\n\treturn checkCredentials(name, password)\n}\n",
		"render.go":     "package main\n\nfunc RenderTemplate(w io.Writer, tmpl string) error {\n\treturn templates.Execute(w, tmpl)\n}\n",
		"sub/helper.py": "def authenticate_user(name, password):\n    return check_credentials(name, password)\n",
		"README.md":     "not an indexable extension",
	})

	var progressCalls int
	if err := idx.Build(ctx, func(processed, total int, _ string) { progressCalls++ }); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if progressCalls == 0 {
		t.Error("progress sink never called")
	}

	status := idx.Status()
	if status.TotalFiles != 3 {
		t.Errorf("total_files = %d, want 3 (README excluded)", status.TotalFiles)
	}
	if status.Dim != 64 {
		t.Errorf("dim = %d, want 64", status.Dim)
	}
	if status.Model != "mock-embedder" {
		t.Errorf("model = %q", status.Model)
	}

	results, err := idx.Search(ctx, SearchOptions{Query: "AuthenticateUser checkCredentials password", MaxResults: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Chunk.FilePath != "auth.go" {
		t.Errorf("top result = %s, want auth.go", results[0].Chunk.FilePath)
	}

	// Language filter restricts to python.
	pyResults, err := idx.Search(ctx, SearchOptions{Query: "authenticate_user", LanguageFilter: "python"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range pyResults {
		if LanguageFromPath(r.Chunk.FilePath) != "python" {
			t.Errorf("language filter leaked %s", r.Chunk.FilePath)
		}
	}

	// Directory filter.
	dirResults, err := idx.Search(ctx, SearchOptions{Query: "authenticate_user", DirectoryFilter: "sub/"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range dirResults {
		if r.Chunk.FilePath != "sub/helper.py" {
			t.Errorf("directory filter leaked %s", r.Chunk.FilePath)
		}
	}
}

func TestIndex_DimensionGuard(t *testing.T) {
	ctx := context.Background()
	idx, root := testIndex(t, map[string]string{
		"a.go": "package a\n\nfunc A() {}\n",
	})
	if err := idx.Build(ctx, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Status().Dim != 64 {
		t.Fatalf("dim = %d", idx.Status().Dim)
	}
	before := idx.Status()

	// Swap in an embedder with a different dimension: the next insert must
	// abort with InvalidDimension and leave the manifest unchanged.
	idx.embedder = &mockEmbedder{dim: 128}
	if err := os.WriteFile(filepath.Join(root, "b.go"), []byte("package b\n\nfunc B() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := idx.Update(ctx, "b.go")
	if errdef.KindOf(err) != errdef.KindInvalidDimension {
		t.Fatalf("kind = %v, want invalid_dimension", errdef.KindOf(err))
	}
	var mismatch *errdef.DimensionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatal("error should carry DimensionMismatch detail")
	}
	if mismatch.Expected != 64 || mismatch.Actual != 128 {
		t.Errorf("mismatch = %+v", mismatch)
	}

	after := idx.Status()
	if after != before {
		t.Errorf("manifest changed on failed insert: %+v -> %+v", before, after)
	}

	// Recovery path: clear and rebuild with the new embedder.
	if err := idx.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := idx.Build(ctx, nil); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if idx.Status().Dim != 128 {
		t.Errorf("rebuilt dim = %d, want 128", idx.Status().Dim)
	}
}

func TestIndex_UpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	idx, root := testIndex(t, map[string]string{
		"a.go": "package a\n\nfunc Original() {}\n",
	})
	if err := idx.Build(ctx, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n\nfunc Replacement() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := idx.Update(ctx, "a.go"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	results, err := idx.Search(ctx, SearchOptions{Query: "Replacement"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Chunk.FilePath == "a.go" {
			found = true
		}
	}
	if !found {
		t.Error("updated content not searchable")
	}

	if err := idx.Remove("a.go"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if status := idx.Status(); status.TotalFiles != 0 || status.TotalChunks != 0 {
		t.Errorf("status after remove = %+v", status)
	}
}

func TestIndex_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	idx, root := testIndex(t, map[string]string{
		"a.go": "package a\n\nfunc Persisted() {}\n",
	})
	if err := idx.Build(ctx, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := idx.Status()

	reopened, err := Open(root, &mockEmbedder{dim: 64}, DefaultChunkerConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Status(); got != want {
		t.Errorf("status after reopen = %+v, want %+v", got, want)
	}

	results, err := reopened.Search(ctx, SearchOptions{Query: "Persisted"})
	if err != nil {
		t.Fatalf("Search after reopen: %v", err)
	}
	if len(results) == 0 {
		t.Error("reopened index not searchable")
	}
}

func TestIndex_BuildSkipsUnchangedFiles(t *testing.T) {
	ctx := context.Background()
	embedder := &mockEmbedder{dim: 64}
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n\nfunc A() {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	idx, err := Open(root, embedder, DefaultChunkerConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.Build(ctx, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}
	callsAfterFirst := embedder.calls

	if err := idx.Build(ctx, nil); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if embedder.calls != callsAfterFirst {
		t.Errorf("unchanged files re-embedded: %d -> %d calls", callsAfterFirst, embedder.calls)
	}
}

func TestIndex_EmptyQueryRejected(t *testing.T) {
	idx, _ := testIndex(t, map[string]string{"a.go": "package a\n"})
	if _, err := idx.Search(context.Background(), SearchOptions{Query: "  "}); err == nil {
		t.Fatal("empty query should fail validation")
	}
}
