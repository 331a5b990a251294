package chunk

import (
	"fmt"
	"strings"
)

// CodeChunker emits one chunk per parsed entity, with content equal to the
// exact source lines of the entity. Entities over the token cap are split
// into `qualifiedName_partN` chunks aligned to line boundaries.
type CodeChunker struct {
	maxTokens int
	counter   Counter
}

func NewCodeChunker(maxTokens int, counter Counter) *CodeChunker {
	return &CodeChunker{maxTokens: maxTokens, counter: counter}
}

// Chunk converts file's entities into chunks numbered 0..N-1 in entity
// order. A file with zero entities but non-empty content yields a single
// module-level chunk covering the whole file.
func (c *CodeChunker) Chunk(file ParsedFile, content string) []Chunk {
	lines := strings.Split(content, "\n")

	entities := file.Entities
	if len(entities) == 0 {
		if strings.TrimSpace(content) == "" {
			return nil
		}
		entities = []Entity{{
			Name:          file.Path,
			QualifiedName: file.Path,
			EntityType:    "module",
			StartLine:     1,
			EndLine:       len(lines),
		}}
	}

	var chunks []Chunk
	for _, ent := range entities {
		start, end := clampRange(ent.StartLine, ent.EndLine, len(lines))
		if start > end {
			continue
		}
		body := strings.Join(lines[start-1:end], "\n")

		if c.counter.Count(body) <= c.maxTokens {
			ch := newChunk(file.Path, len(chunks), ent.QualifiedName, body, SourceTypeCode)
			ch.EntityType = ent.EntityType
			ch.StartLine = start
			ch.EndLine = end
			chunks = append(chunks, ch)
			continue
		}

		for _, part := range c.splitLines(lines[start-1:end], start) {
			title := fmt.Sprintf("%s_part%d", ent.QualifiedName, part.n)
			ch := newChunk(file.Path, len(chunks), title, part.body, SourceTypeCode)
			ch.EntityType = ent.EntityType
			ch.StartLine = part.start
			ch.EndLine = part.end
			chunks = append(chunks, ch)
		}
	}
	return chunks
}

type codePart struct {
	n     int
	body  string
	start int
	end   int
}

// splitLines packs consecutive lines greedily under the cap. Every part
// holds at least one line so the split always terminates; line ranges are
// recomputed against the original file.
func (c *CodeChunker) splitLines(lines []string, firstLine int) []codePart {
	var parts []codePart
	var current []string
	currentTokens := 0
	partStart := firstLine

	flush := func(nextStart int) {
		if len(current) == 0 {
			return
		}
		parts = append(parts, codePart{
			n:     len(parts) + 1,
			body:  strings.Join(current, "\n"),
			start: partStart,
			end:   nextStart - 1,
		})
		current, currentTokens = nil, 0
		partStart = nextStart
	}

	for i, line := range lines {
		tokens := c.counter.Count(line)
		if tokens > c.maxTokens {
			// A single line over the cap cannot be packed; halve it on
			// rune boundaries like an oversize markdown paragraph.
			flush(firstLine + i)
			for _, piece := range hardSplit(line, c.counter, c.maxTokens) {
				parts = append(parts, codePart{
					n:     len(parts) + 1,
					body:  piece,
					start: firstLine + i,
					end:   firstLine + i,
				})
			}
			partStart = firstLine + i + 1
			continue
		}
		if len(current) > 0 && currentTokens+tokens+1 > c.maxTokens {
			flush(firstLine + i)
		}
		current = append(current, line)
		currentTokens += tokens + 1
	}
	flush(firstLine + len(lines))
	return parts
}

func clampRange(start, end, lineCount int) (int, int) {
	if start < 1 {
		start = 1
	}
	if end > lineCount {
		end = lineCount
	}
	return start, end
}
