package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// charsPerToken is the fixed estimation heuristic: tokens ≈ ceil(len/4).
const charsPerToken = 4

// EstimateTokens estimates the token count of a text.
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// ChunkerConfig tunes chunk sizing.
type ChunkerConfig struct {
	MaxTokens     int
	StrideOverlap int // tokens of overlap between stride windows
}

// DefaultChunkerConfig targets ~500-token chunks with 20% overlap.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{MaxTokens: 500, StrideOverlap: 100}
}

// Chunker splits source text into semantic chunks. Declaration boundaries
// are detected with line-pattern heuristics; anything unrecognized falls
// back to overlapping line windows. Oversized chunks are strided.
type Chunker struct {
	cfg ChunkerConfig
}

func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultChunkerConfig()
	}
	if cfg.StrideOverlap <= 0 {
		cfg.StrideOverlap = cfg.MaxTokens / 5
	}
	return &Chunker{cfg: cfg}
}

// declPatterns marks lines that begin a top-level declaration per language
// family. The match only steers chunk boundaries; misses degrade to the
// generic window.
var declPatterns = []struct {
	re        *regexp.Regexp
	chunkType ChunkType
}{
	{regexp.MustCompile(`^\s*(export\s+)?(async\s+)?function\s+\w+`), ChunkFunction},
	{regexp.MustCompile(`^func\s+(\(\w+\s+\*?\w+\)\s+)?\w+`), ChunkFunction},
	{regexp.MustCompile(`^\s*(pub\s+)?(async\s+)?fn\s+\w+`), ChunkFunction},
	{regexp.MustCompile(`^\s*def\s+\w+`), ChunkFunction},
	{regexp.MustCompile(`^\s*(export\s+)?(abstract\s+)?class\s+\w+`), ChunkClass},
	{regexp.MustCompile(`^\s*(pub\s+)?(struct|enum|trait|impl)\s+\w*`), ChunkClass},
	{regexp.MustCompile(`^type\s+\w+\s+(struct|interface)`), ChunkClass},
	{regexp.MustCompile(`^\s*(public|private|protected)\s+(static\s+)?(class|interface)\s+\w+`), ChunkClass},
}

func classifyLine(line string) (ChunkType, bool) {
	for _, p := range declPatterns {
		if p.re.MatchString(line) {
			return p.chunkType, true
		}
	}
	return ChunkGeneric, false
}

// Chunk splits content into ordered chunks with byte and line spans.
// languageHint is advisory; an empty hint still chunks via the generic path.
func (c *Chunker) Chunk(content, filePath string, languageHint string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	boundaries := c.declBoundaries(lines)

	var raw []Chunk
	if len(boundaries) > 0 {
		raw = c.semanticChunks(content, lines, boundaries, filePath)
	} else {
		raw = c.genericChunks(content, lines, filePath)
	}

	// Stride pass: split any chunk whose estimate exceeds MaxTokens.
	var out []Chunk
	for _, chunk := range raw {
		if EstimateTokens(chunk.Content) <= c.cfg.MaxTokens {
			out = append(out, chunk)
			continue
		}
		out = append(out, c.stride(chunk)...)
	}
	return out
}

// declBoundaries returns the indexes of lines that start declarations.
func (c *Chunker) declBoundaries(lines []string) []int {
	var bounds []int
	for i, line := range lines {
		if _, ok := classifyLine(line); ok {
			bounds = append(bounds, i)
		}
	}
	return bounds
}

// semanticChunks cuts at declaration boundaries. The region before the
// first declaration becomes a Module chunk (imports, package docs).
func (c *Chunker) semanticChunks(content string, lines []string, boundaries []int, filePath string) []Chunk {
	lineOffsets := computeLineOffsets(content)
	var chunks []Chunk

	if boundaries[0] > 0 {
		chunks = append(chunks, c.buildChunk(content, lineOffsets, 0, boundaries[0], ChunkModule, filePath))
	}
	for i, start := range boundaries {
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		chunkType, _ := classifyLine(lines[start])
		chunks = append(chunks, c.buildChunk(content, lineOffsets, start, end, chunkType, filePath))
	}
	return chunks
}

// genericChunks windows by line count with ~20% overlap, sized so the
// average window lands near MaxTokens.
func (c *Chunker) genericChunks(content string, lines []string, filePath string) []Chunk {
	lineOffsets := computeLineOffsets(content)

	avgTokensPerLine := float64(EstimateTokens(content)) / float64(len(lines))
	if avgTokensPerLine < 1 {
		avgTokensPerLine = 1
	}
	window := int(float64(c.cfg.MaxTokens) / avgTokensPerLine)
	if window < 1 {
		window = 1
	}
	overlap := int(float64(c.cfg.StrideOverlap) / avgTokensPerLine)
	if overlap < 1 {
		overlap = 1
	}
	if overlap >= window {
		overlap = window - 1
	}

	var chunks []Chunk
	for start := 0; start < len(lines); {
		end := start + window
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, c.buildChunk(content, lineOffsets, start, end, ChunkGeneric, filePath))
		if end == len(lines) {
			break
		}
		start = end - overlap
	}
	return chunks
}

func (c *Chunker) buildChunk(content string, lineOffsets []int, startLine, endLine int, chunkType ChunkType, filePath string) Chunk {
	startByte := lineOffsets[startLine]
	endByte := len(content)
	if endLine < len(lineOffsets) {
		endByte = lineOffsets[endLine]
	}
	text := content[startByte:endByte]
	return Chunk{
		FilePath:    filePath,
		ByteSpan:    Span{Start: startByte, End: endByte},
		LineSpan:    Span{Start: startLine, End: endLine},
		Type:        chunkType,
		Content:     text,
		ContentHash: hashContent(text),
	}
}

// stride splits one oversized chunk into overlapping character windows of
// ~0.9*MaxTokens worth of characters, tagging each with stride metadata.
func (c *Chunker) stride(chunk Chunk) []Chunk {
	windowChars := int(float64(c.cfg.MaxTokens) * 0.9 * charsPerToken)
	overlapChars := c.cfg.StrideOverlap * charsPerToken
	step := windowChars - overlapChars
	if step < 1 {
		step = windowChars
	}

	text := chunk.Content
	total := (len(text) + step - 1) / step

	var out []Chunk
	for i := 0; i*step < len(text); i++ {
		start := i * step
		end := start + windowChars
		if end > len(text) {
			end = len(text)
		}
		part := text[start:end]
		overlapEnd := 0
		if end < len(text) {
			overlapEnd = overlapChars
		}
		overlapStart := 0
		if i > 0 {
			overlapStart = overlapChars
		}
		out = append(out, Chunk{
			FilePath:    chunk.FilePath,
			ByteSpan:    Span{Start: chunk.ByteSpan.Start + start, End: chunk.ByteSpan.Start + end},
			LineSpan:    chunk.LineSpan,
			Type:        chunk.Type,
			Content:     part,
			ContentHash: hashContent(part),
			Stride: &StrideInfo{
				OriginalChunkID: chunk.ID,
				StrideIndex:     i,
				TotalStrides:    total,
				OverlapStart:    overlapStart,
				OverlapEnd:      overlapEnd,
			},
		})
		if end == len(text) {
			break
		}
	}
	// The loop may finish before reaching the estimate; fix the count.
	for i := range out {
		out[i].Stride.TotalStrides = len(out)
	}
	return out
}

func computeLineOffsets(content string) []int {
	offsets := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// LanguageFromPath maps a file extension to a language tag for filters.
func LanguageFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".rb":
		return "ruby"
	case ".sh":
		return "shell"
	default:
		return ""
	}
}
