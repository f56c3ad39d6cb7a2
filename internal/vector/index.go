package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/skywang16/orbitx/internal/errdef"
)

// indexDirName is the per-workspace index location under the workspace root.
const indexDirName = ".oxi/index"

// maxConcurrentFiles bounds parallel chunk+embed work during a build.
const maxConcurrentFiles = 4

// maxIndexedFileSize skips files larger than this during enumeration.
const maxIndexedFileSize = 1 << 20 // 1 MiB

// indexableExtensions is the default source-file filter.
var indexableExtensions = map[string]bool{
	".go": true, ".rs": true, ".ts": true, ".tsx": true, ".js": true,
	".jsx": true, ".py": true, ".java": true, ".c": true, ".h": true,
	".cpp": true, ".cc": true, ".hpp": true, ".rb": true, ".cs": true,
	".sh": true, ".swift": true, ".php": true,
}

var ignoredIndexDirs = map[string]bool{
	".git": true, "node_modules": true, "target": true, "dist": true,
	"build": true, ".oxi": true, ".idea": true, ".vscode": true, "vendor": true,
}

// Index is one workspace's vector index: a manifest plus per-file vector
// files, guarded by a single-writer RWMutex so searches proceed in parallel
// with each other.
type Index struct {
	root     string
	dir      string
	embedder Embedder
	chunker  *Chunker

	mu       sync.RWMutex
	manifest *Manifest
	// vectors caches chunk id → embedding for search; rebuilt lazily from
	// the .vec files after open.
	vectors map[uint64][]float32
}

// Open loads or creates the index for a workspace root.
func Open(root string, embedder Embedder, chunkerCfg ChunkerConfig) (*Index, error) {
	dir := filepath.Join(root, filepath.FromSlash(indexDirName))
	if err := os.MkdirAll(filepath.Join(dir, "vectors"), 0o755); err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "create index directory %s", dir)
	}

	manifest, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = newManifest(embedder.ModelName())
	}

	idx := &Index{
		root:     root,
		dir:      dir,
		embedder: embedder,
		chunker:  NewChunker(chunkerCfg),
		manifest: manifest,
		vectors:  make(map[uint64][]float32),
	}
	if err := idx.loadAllVectors(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Dir returns the on-disk index directory.
func (x *Index) Dir() string { return x.dir }

func (x *Index) loadAllVectors() error {
	for relPath := range x.manifest.Files {
		entries, err := readVectors(x.dir, relPath)
		if err != nil {
			return err
		}
		for _, e := range entries {
			x.vectors[e.ChunkID] = e.Vector
		}
	}
	return nil
}

// Build enumerates source files under the root, chunks and embeds them with
// bounded concurrency, and rewrites the manifest. Already-indexed files with
// unchanged hashes are skipped.
func (x *Index) Build(ctx context.Context, progress ProgressSink) error {
	files, err := x.enumerate()
	if err != nil {
		return err
	}

	var (
		processed int
		progMu    sync.Mutex
	)
	report := func(file string) {
		if progress == nil {
			return
		}
		progMu.Lock()
		processed++
		p := processed
		progMu.Unlock()
		progress(p, len(files), file)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFiles)
	for _, relPath := range files {
		g.Go(func() error {
			defer report(relPath)
			changed, err := x.fileChanged(relPath)
			if err != nil || !changed {
				return err
			}
			return x.indexFile(gctx, relPath)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Drop manifest entries for files that vanished from disk.
	x.mu.Lock()
	var stale []string
	for relPath := range x.manifest.Files {
		if _, err := os.Stat(filepath.Join(x.root, relPath)); os.IsNotExist(err) {
			stale = append(stale, relPath)
		}
	}
	x.mu.Unlock()
	for _, relPath := range stale {
		if err := x.Remove(relPath); err != nil {
			return err
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.manifest.save(x.dir)
}

func (x *Index) enumerate() ([]string, error) {
	var files []string
	err := filepath.WalkDir(x.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoredIndexDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxIndexedFileSize {
			return nil
		}
		rel, err := filepath.Rel(x.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "enumerate %s", x.root)
	}
	sort.Strings(files)
	return files, nil
}

func (x *Index) fileChanged(relPath string) (bool, error) {
	content, err := os.ReadFile(filepath.Join(x.root, relPath))
	if err != nil {
		return false, errdef.Wrap(err, errdef.KindIo, "read %s", relPath)
	}
	hash := fileHash(content)
	x.mu.RLock()
	entry, ok := x.manifest.Files[relPath]
	x.mu.RUnlock()
	return !ok || entry.FileHash != hash, nil
}

// indexFile chunks, embeds and upserts one file.
func (x *Index) indexFile(ctx context.Context, relPath string) error {
	content, err := os.ReadFile(filepath.Join(x.root, relPath))
	if err != nil {
		return errdef.Wrap(err, errdef.KindIo, "read %s", relPath)
	}

	chunks := x.chunker.Chunk(string(content), relPath, LanguageFromPath(relPath))
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return errdef.Wrap(err, errdef.KindNetwork, "embed %s", relPath)
	}
	if len(embeddings) != len(chunks) {
		return errdef.New(errdef.KindSerialization, "embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// Dimension guard: the first insert pins vector_dim; any later mismatch
	// aborts before the manifest is touched.
	for _, emb := range embeddings {
		if x.manifest.VectorDim == 0 {
			x.manifest.VectorDim = len(emb)
		} else if len(emb) != x.manifest.VectorDim {
			return errdef.NewInvalidDimension(x.manifest.VectorDim, len(emb))
		}
	}

	// Remove stale vectors for this path, then upsert.
	x.removeFileLocked(relPath)

	entry := FileEntry{FileHash: fileHash(content)}
	vecEntries := make([]vecEntry, 0, len(chunks))
	for i := range chunks {
		id := x.manifest.NextChunkID
		x.manifest.NextChunkID++
		chunks[i].ID = id
		x.manifest.Chunks[id] = chunks[i]
		entry.ChunkIDs = append(entry.ChunkIDs, id)
		x.vectors[id] = embeddings[i]
		vecEntries = append(vecEntries, vecEntry{ChunkID: id, Vector: embeddings[i]})
	}
	x.manifest.Files[relPath] = entry

	if err := writeVectors(x.dir, relPath, vecEntries); err != nil {
		return err
	}
	slog.Debug("indexed file", "path", relPath, "chunks", len(chunks))
	return nil
}

// Update re-chunks and re-embeds one file (deleting stale vectors first).
func (x *Index) Update(ctx context.Context, relPath string) error {
	relPath = filepath.ToSlash(relPath)
	if err := x.indexFile(ctx, relPath); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.manifest.save(x.dir)
}

// Remove deletes all vectors and manifest rows for a path.
func (x *Index) Remove(relPath string) error {
	relPath = filepath.ToSlash(relPath)
	x.mu.Lock()
	x.removeFileLocked(relPath)
	err := x.manifest.save(x.dir)
	x.mu.Unlock()
	if err != nil {
		return err
	}
	return removeVectors(x.dir, relPath)
}

func (x *Index) removeFileLocked(relPath string) {
	entry, ok := x.manifest.Files[relPath]
	if !ok {
		return
	}
	for _, id := range entry.ChunkIDs {
		delete(x.manifest.Chunks, id)
		delete(x.vectors, id)
	}
	delete(x.manifest.Files, relPath)
}

// Search embeds the query and scores every chunk by cosine similarity,
// applying the option filters. Readers proceed in parallel.
func (x *Index) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, errdef.New(errdef.KindValidation, "empty search query")
	}
	embeddings, err := x.embedder.Embed(ctx, []string{opts.Query})
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindNetwork, "embed query")
	}
	query := embeddings[0]

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.manifest.VectorDim != 0 && len(query) != x.manifest.VectorDim {
		return nil, errdef.NewInvalidDimension(x.manifest.VectorDim, len(query))
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	var results []SearchResult
	for id, vec := range x.vectors {
		chunk, ok := x.manifest.Chunks[id]
		if !ok {
			continue
		}
		if opts.DirectoryFilter != "" && !strings.HasPrefix(chunk.FilePath, opts.DirectoryFilter) {
			continue
		}
		if opts.LanguageFilter != "" && LanguageFromPath(chunk.FilePath) != opts.LanguageFilter {
			continue
		}
		if opts.ChunkTypeFilter != "" && chunk.Type != opts.ChunkTypeFilter {
			continue
		}
		score := cosineSimilarity(query, vec)
		if score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{Chunk: chunk, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.FilePath < results[j].Chunk.FilePath
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// Status reports the index summary.
func (x *Index) Status() Status {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Status{
		TotalFiles:  len(x.manifest.Files),
		TotalChunks: len(x.manifest.Chunks),
		Model:       x.manifest.EmbeddingModel,
		Dim:         x.manifest.VectorDim,
	}
}

// Clear wipes the index; the recovery path for dimension mismatches is
// Clear followed by Build.
func (x *Index) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(x.dir, "vectors")); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "clear vectors")
	}
	if err := os.MkdirAll(filepath.Join(x.dir, "vectors"), 0o755); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "recreate vector directory")
	}
	x.manifest = newManifest(x.embedder.ModelName())
	x.vectors = make(map[uint64][]float32)
	return x.manifest.save(x.dir)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func fileHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
