package vector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skywang16/orbitx/internal/errdef"
)

// manifestFile is the authoritative index metadata inside the index dir.
const manifestFile = "manifest.json"

// FileEntry tracks one indexed file.
type FileEntry struct {
	FileHash string   `json:"file_hash"`
	ChunkIDs []uint64 `json:"chunk_ids"`
}

// Manifest is the authoritative listing of files and chunks in an index.
// Vectors themselves live in per-file .vec files next to it.
type Manifest struct {
	EmbeddingModel string               `json:"embedding_model"`
	VectorDim      int                  `json:"vector_dim"`
	Files          map[string]FileEntry `json:"files"`
	Chunks         map[uint64]Chunk     `json:"chunks"`
	NextChunkID    uint64               `json:"next_chunk_id"`
}

func newManifest(model string) *Manifest {
	return &Manifest{
		EmbeddingModel: model,
		Files:          make(map[string]FileEntry),
		Chunks:         make(map[uint64]Chunk),
		NextChunkID:    1,
	}
}

// manifestWire is the stable wire form: JSON objects key by string.
type manifestWire struct {
	EmbeddingModel string               `json:"embedding_model"`
	VectorDim      int                  `json:"vector_dim"`
	Files          map[string]FileEntry `json:"files"`
	Chunks         map[string]Chunk     `json:"chunks"`
	NextChunkID    uint64               `json:"next_chunk_id"`
}

func loadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "read manifest")
	}
	var wire manifestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "parse manifest")
	}
	m := &Manifest{
		EmbeddingModel: wire.EmbeddingModel,
		VectorDim:      wire.VectorDim,
		Files:          wire.Files,
		Chunks:         make(map[uint64]Chunk, len(wire.Chunks)),
		NextChunkID:    wire.NextChunkID,
	}
	if m.Files == nil {
		m.Files = make(map[string]FileEntry)
	}
	for key, chunk := range wire.Chunks {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "manifest chunk key %q", key)
		}
		m.Chunks[id] = chunk
	}
	return m, nil
}

func (m *Manifest) save(dir string) error {
	wire := manifestWire{
		EmbeddingModel: m.EmbeddingModel,
		VectorDim:      m.VectorDim,
		Files:          m.Files,
		Chunks:         make(map[string]Chunk, len(m.Chunks)),
		NextChunkID:    m.NextChunkID,
	}
	for id, chunk := range m.Chunks {
		wire.Chunks[strconv.FormatUint(id, 10)] = chunk
	}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "encode manifest")
	}

	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "write manifest temp")
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "rename manifest")
	}
	return nil
}

// vecFileName maps a workspace-relative path to its vector file.
func vecFileName(relPath string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, relPath)
	return safe + ".vec"
}

// vecEntry pairs a chunk id with its embedding on disk.
type vecEntry struct {
	ChunkID uint64    `json:"chunk_id"`
	Vector  []float32 `json:"vector"`
}

func writeVectors(dir, relPath string, entries []vecEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "encode vectors for %s", relPath)
	}
	path := filepath.Join(dir, "vectors", vecFileName(relPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdef.Wrap(err, errdef.KindIo, "create vector directory")
	}
	return errdef.Wrap(os.WriteFile(path, data, 0o644), errdef.KindIo, "write vectors for %s", relPath)
}

func readVectors(dir, relPath string) ([]vecEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, "vectors", vecFileName(relPath)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errdef.Wrap(err, errdef.KindIo, "read vectors for %s", relPath)
	}
	var entries []vecEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errdef.Wrap(err, errdef.KindSerialization, "parse vectors for %s", relPath)
	}
	return entries, nil
}

func removeVectors(dir, relPath string) error {
	err := os.Remove(filepath.Join(dir, "vectors", vecFileName(relPath)))
	if err != nil && !os.IsNotExist(err) {
		return errdef.Wrap(err, errdef.KindIo, "remove vectors for %s", relPath)
	}
	return nil
}
