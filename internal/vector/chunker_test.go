package vector

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.in), got, tt.want)
		}
	}
}

func TestChunker_SemanticBoundaries(t *testing.T) {
	src := `package demo

import "fmt"

func First() {
	fmt.Println("one")
}

func Second() {
	fmt.Println("two")
}

type Thing struct {
	Name string
}
`
	chunks := NewChunker(DefaultChunkerConfig()).Chunk(src, "demo.go", "go")
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4 (module + 2 funcs + type)", len(chunks))
	}
	if chunks[0].Type != ChunkModule {
		t.Errorf("chunk 0 type = %s, want module", chunks[0].Type)
	}
	if chunks[1].Type != ChunkFunction || !strings.Contains(chunks[1].Content, "First") {
		t.Errorf("chunk 1 = %s %q", chunks[1].Type, chunks[1].Content)
	}
	if chunks[3].Type != ChunkClass || !strings.Contains(chunks[3].Content, "Thing") {
		t.Errorf("chunk 3 = %s %q", chunks[3].Type, chunks[3].Content)
	}

	// Spans must reconstruct the chunk content.
	for i, c := range chunks {
		if got := src[c.ByteSpan.Start:c.ByteSpan.End]; got != c.Content {
			t.Errorf("chunk %d byte span does not match content", i)
		}
	}
}

func TestChunker_GenericFallbackOverlaps(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("plain text line with some words on it\n")
	}
	cfg := ChunkerConfig{MaxTokens: 100, StrideOverlap: 20}
	chunks := NewChunker(cfg).Chunk(b.String(), "notes.txt", "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Type != ChunkGeneric {
			t.Errorf("fallback chunk type = %s", c.Type)
		}
	}
	// Consecutive windows overlap by some lines.
	for i := 1; i < len(chunks); i++ {
		if chunks[i].LineSpan.Start >= chunks[i-1].LineSpan.End {
			t.Errorf("windows %d and %d do not overlap: %+v %+v", i-1, i, chunks[i-1].LineSpan, chunks[i].LineSpan)
		}
	}
}

func TestChunker_StridesOversizedChunks(t *testing.T) {
	// One giant function: semantic chunking yields a single oversized chunk
	// that must be strided.
	var b strings.Builder
	b.WriteString("func Huge() {\n")
	for i := 0; i < 500; i++ {
		b.WriteString("\tdoSomething(\"with a reasonably long line of code here\")\n")
	}
	b.WriteString("}\n")

	cfg := ChunkerConfig{MaxTokens: 200, StrideOverlap: 40}
	chunks := NewChunker(cfg).Chunk(b.String(), "huge.go", "go")
	if len(chunks) < 2 {
		t.Fatalf("oversized chunk should be strided, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if c.Stride == nil {
			t.Fatalf("chunk %d missing stride info", i)
		}
		if c.Stride.StrideIndex != i {
			t.Errorf("chunk %d stride index = %d", i, c.Stride.StrideIndex)
		}
		if c.Stride.TotalStrides != len(chunks) {
			t.Errorf("chunk %d total strides = %d, want %d", i, c.Stride.TotalStrides, len(chunks))
		}
		if est := EstimateTokens(c.Content); est > cfg.MaxTokens {
			t.Errorf("stride %d still oversized: %d tokens", i, est)
		}
	}
	// Interior strides record their overlap.
	if len(chunks) > 2 && chunks[1].Stride.OverlapStart == 0 {
		t.Error("interior stride should carry overlap metadata")
	}
}

func TestChunker_EmptyContent(t *testing.T) {
	if chunks := NewChunker(DefaultChunkerConfig()).Chunk("   \n\n", "x.go", "go"); chunks != nil {
		t.Errorf("blank content should produce no chunks, got %d", len(chunks))
	}
}
