// Package vector maintains a persistent, searchable index of code chunks for
// a workspace. Chunking is language-neutral; embeddings come from an
// external Embedder behind an interface.
package vector

import "context"

// ChunkType is the semantic class of a chunk.
type ChunkType string

const (
	ChunkFunction ChunkType = "function"
	ChunkClass    ChunkType = "class"
	ChunkModule   ChunkType = "module"
	ChunkGeneric  ChunkType = "generic"
)

// Span is a half-open [Start, End) range.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// StrideInfo tags a window produced by splitting an oversized chunk.
type StrideInfo struct {
	OriginalChunkID uint64 `json:"original_chunk_id"`
	StrideIndex     int    `json:"stride_index"`
	TotalStrides    int    `json:"total_strides"`
	OverlapStart    int    `json:"overlap_start"`
	OverlapEnd      int    `json:"overlap_end"`
}

// Chunk is one indexed slice of a source file.
type Chunk struct {
	ID          uint64      `json:"chunk_id"`
	FilePath    string      `json:"file_path"`
	ByteSpan    Span        `json:"byte_span"`
	LineSpan    Span        `json:"line_span"`
	Type        ChunkType   `json:"chunk_type"`
	ContentHash string      `json:"content_hash"`
	Content     string      `json:"content"`
	Stride      *StrideInfo `json:"stride_info,omitempty"`
}

// Embedder turns chunk texts into vectors. Concrete HTTP clients live
// outside this package; the index only relies on this contract.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// SearchOptions filters and bounds a search.
type SearchOptions struct {
	Query           string    `json:"query"`
	MaxResults      int       `json:"max_results,omitempty"`
	MinScore        float32   `json:"min_score,omitempty"`
	DirectoryFilter string    `json:"directory_filter,omitempty"`
	LanguageFilter  string    `json:"language_filter,omitempty"`
	ChunkTypeFilter ChunkType `json:"chunk_type_filter,omitempty"`
}

// SearchResult is one scored hit.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// Status summarizes an index.
type Status struct {
	TotalFiles  int    `json:"total_files"`
	TotalChunks int    `json:"total_chunks"`
	Model       string `json:"model"`
	Dim         int    `json:"dim"`
}

// ProgressSink receives build progress. Implementations must not block.
type ProgressSink func(processed, total int, currentFile string)
