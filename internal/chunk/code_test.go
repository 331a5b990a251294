package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rustSource = strings.Join([]string{
	"use std::fmt;",       // 1
	"",                    // 2
	"fn alpha() -> i32 {", // 3
	"    1",               // 4
	"}",                   // 5
	"",                    // 6
	"fn beta() -> i32 {",  // 7
	"    2",               // 8
	"}",                   // 9
}, "\n")

func TestCodeChunksPerEntity(t *testing.T) {
	file := ParsedFile{
		Path:     "src/lib.rs",
		Language: "rust",
		Entities: []Entity{
			{Name: "alpha", QualifiedName: "alpha", EntityType: "function", StartLine: 3, EndLine: 5},
			{Name: "beta", QualifiedName: "beta", EntityType: "function", StartLine: 7, EndLine: 9},
		},
	}

	c := NewCodeChunker(1000, wordCounter{})
	chunks := c.Chunk(file, rustSource)
	require.Len(t, chunks, 2)

	assert.Equal(t, "alpha", chunks[0].ChunkTitle)
	assert.Equal(t, "fn alpha() -> i32 {\n    1\n}", chunks[0].Content)
	assert.Equal(t, 3, chunks[0].StartLine)
	assert.Equal(t, 5, chunks[0].EndLine)
	assert.Equal(t, "function", chunks[0].EntityType)
	assert.Equal(t, SourceTypeCode, chunks[0].SourceType)

	assert.Equal(t, 0, chunks[0].ChunkID)
	assert.Equal(t, 1, chunks[1].ChunkID)
}

func TestCodeModuleFallbackWithoutEntities(t *testing.T) {
	file := ParsedFile{Path: "scripts/init.py", Language: "python"}
	content := "import os\nprint(os.getcwd())"

	c := NewCodeChunker(1000, wordCounter{})
	chunks := c.Chunk(file, content)
	require.Len(t, chunks, 1)

	assert.Equal(t, "module", chunks[0].EntityType)
	assert.Equal(t, "scripts/init.py", chunks[0].ChunkTitle)
	assert.Equal(t, content, chunks[0].Content)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 2, chunks[0].EndLine)
}

func TestCodeEmptyFileYieldsNothing(t *testing.T) {
	c := NewCodeChunker(1000, wordCounter{})
	assert.Empty(t, c.Chunk(ParsedFile{Path: "empty.py"}, "  \n\n"))
}

func TestCodeOversizeEntitySplitsOnLines(t *testing.T) {
	var lines []string
	lines = append(lines, "fn giant() {")
	for i := 0; i < 40; i++ {
		lines = append(lines, "    let x = one two three four;")
	}
	lines = append(lines, "}")
	content := strings.Join(lines, "\n")

	file := ParsedFile{
		Path: "src/big.rs",
		Entities: []Entity{
			{Name: "giant", QualifiedName: "giant", EntityType: "function", StartLine: 1, EndLine: len(lines)},
		},
	}

	c := NewCodeChunker(30, wordCounter{})
	chunks := c.Chunk(file, content)
	require.Greater(t, len(chunks), 1)

	assert.Equal(t, "giant_part1", chunks[0].ChunkTitle)
	assert.Equal(t, 1, chunks[0].StartLine)

	prevEnd := 0
	var rejoined []string
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkID)
		assert.LessOrEqual(t, wordCounter{}.Count(ch.Content), 30)
		// Parts tile the entity's line range with no gaps.
		assert.Equal(t, prevEnd+1, ch.StartLine)
		prevEnd = ch.EndLine
		rejoined = append(rejoined, ch.Content)
	}
	assert.Equal(t, len(lines), prevEnd)
	assert.Equal(t, content, strings.Join(rejoined, "\n"))
}

func TestCodeOversizeSingleLineStaysUnderCap(t *testing.T) {
	words := make([]string, 50)
	for i := range words {
		words[i] = "w"
	}
	long := strings.Join(words, " ")
	content := "fn packed() {\n" + long + "\n}"

	file := ParsedFile{
		Path: "src/packed.rs",
		Entities: []Entity{
			{Name: "packed", QualifiedName: "packed", EntityType: "function", StartLine: 1, EndLine: 3},
		},
	}

	c := NewCodeChunker(10, wordCounter{})
	chunks := c.Chunk(file, content)
	require.Greater(t, len(chunks), 1)

	var pieces []string
	for _, ch := range chunks {
		assert.LessOrEqual(t, wordCounter{}.Count(ch.Content), 10,
			"chunk %s exceeds the cap", ch.ChunkTitle)
		if ch.StartLine == 2 {
			// All pieces of the long line keep its line range.
			assert.Equal(t, 2, ch.EndLine)
			pieces = append(pieces, ch.Content)
		}
	}
	assert.Equal(t, long, strings.Join(pieces, ""))
}

func TestCodeClampsOutOfRangeLines(t *testing.T) {
	file := ParsedFile{
		Path: "src/short.rs",
		Entities: []Entity{
			{QualifiedName: "tail", EntityType: "function", StartLine: 1, EndLine: 99},
		},
	}
	c := NewCodeChunker(1000, wordCounter{})
	chunks := c.Chunk(file, "fn tail() {}\n")
	require.Len(t, chunks, 1)
	assert.Equal(t, 2, chunks[0].EndLine)
}
