// Package chunk decomposes fetched files into embeddable chunks. Markdown
// and MDX files split on headings; source-code files split on parsed
// entities. Oversize chunks are sub-split so no emitted chunk exceeds the
// embedding token cap.
package chunk

import (
	"github.com/mimir-rag/mimir/internal/fingerprint"
)

// SourceType labels the origin kind of a chunk.
type SourceType string

const (
	SourceTypeDoc  SourceType = "doc"
	SourceTypeCode SourceType = "code"
)

// NormalizeSourceType maps legacy store values onto the canonical pair.
// Rows written by earlier ingesters carry the file language instead.
func NormalizeSourceType(raw string) SourceType {
	switch raw {
	case "mdx", "doc", "markdown":
		return SourceTypeDoc
	case "typescript", "python", "rust", "go", "code":
		return SourceTypeCode
	}
	return SourceType(raw)
}

// Chunk is one embeddable unit produced from a file. ChunkID values for a
// file form a contiguous zero-based range in production order, and the
// order is stable across runs for identical input.
type Chunk struct {
	Filepath   string
	ChunkID    int
	ChunkTitle string
	Content    string
	Checksum   string
	SourceType SourceType

	// EntityType, StartLine and EndLine are set for code chunks only.
	EntityType string
	StartLine  int
	EndLine    int
}

func newChunk(path string, id int, title, content string, sourceType SourceType) Chunk {
	return Chunk{
		Filepath:   path,
		ChunkID:    id,
		ChunkTitle: title,
		Content:    content,
		Checksum:   fingerprint.Checksum(content),
		SourceType: sourceType,
	}
}

// Entity is one parsed declaration in a source file. Parsers for the
// individual languages produce these; the chunker only consumes them.
type Entity struct {
	Name          string
	QualifiedName string
	EntityType    string
	StartLine     int
	EndLine       int
	Docstring     string
	Parameters    []string
	ReturnType    string
	ParentContext string
}

// ParsedFile is the parser output for one source file.
type ParsedFile struct {
	Path     string
	Language string
	Entities []Entity
}
