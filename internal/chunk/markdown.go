package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// MarkdownChunker splits Markdown and MDX documents on headings. Every
// heading starts a new chunk whose title is the heading text and whose
// body includes the heading line; content before the first heading forms
// an untitled chunk. Chunks over the token cap are sub-split on paragraph
// boundaries with `_part{n}` title suffixes.
type MarkdownChunker struct {
	maxTokens int
	counter   Counter
}

// NewMarkdownChunker builds a chunker with the given token cap. counter
// must not be nil.
func NewMarkdownChunker(maxTokens int, counter Counter) *MarkdownChunker {
	return &MarkdownChunker{maxTokens: maxTokens, counter: counter}
}

// Chunk splits content into chunks numbered 0..N-1. The numbering and the
// split points are stable across runs for identical input.
func (c *MarkdownChunker) Chunk(path, content string) []Chunk {
	var chunks []Chunk
	for _, sec := range splitSections(content) {
		for _, piece := range c.fit(sec.title, sec.body) {
			chunks = append(chunks,
				newChunk(path, len(chunks), piece.title, piece.body, SourceTypeDoc))
		}
	}
	return chunks
}

type section struct {
	title string
	body  string
}

// splitSections cuts content at heading lines. Headings inside fenced code
// blocks do not start a new section.
func splitSections(content string) []section {
	var (
		sections []section
		title    string
		lines    []string
		inFence  bool
		started  bool
	)
	flush := func() {
		body := strings.Join(lines, "\n")
		if started || strings.TrimSpace(body) != "" {
			sections = append(sections, section{title: title, body: body})
		}
		lines = nil
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingPattern.FindStringSubmatch(line); m != nil {
				flush()
				title = m[2]
				started = true
				lines = append(lines, line)
				continue
			}
		}
		lines = append(lines, line)
	}
	flush()
	return sections
}

// fit returns sec as a single piece when it is under the cap, and otherwise
// sub-splits it on paragraph boundaries. Parts keep the parent title with a
// `_part{n}` suffix, numbered from 1.
func (c *MarkdownChunker) fit(title, body string) []section {
	if c.counter.Count(body) <= c.maxTokens {
		return []section{{title: title, body: body}}
	}

	var pieces []string
	var current []string
	currentTokens := 0
	for _, para := range strings.Split(body, "\n\n") {
		tokens := c.counter.Count(para)
		if tokens > c.maxTokens {
			if len(current) > 0 {
				pieces = append(pieces, strings.Join(current, "\n\n"))
				current, currentTokens = nil, 0
			}
			pieces = append(pieces, hardSplit(para, c.counter, c.maxTokens)...)
			continue
		}
		// The joining blank line is charged as one extra token.
		if len(current) > 0 && currentTokens+tokens+1 > c.maxTokens {
			pieces = append(pieces, strings.Join(current, "\n\n"))
			current, currentTokens = nil, 0
		}
		if len(current) > 0 {
			currentTokens++
		}
		current = append(current, para)
		currentTokens += tokens
	}
	if len(current) > 0 {
		pieces = append(pieces, strings.Join(current, "\n\n"))
	}

	parts := make([]section, 0, len(pieces))
	for i, piece := range pieces {
		parts = append(parts, section{
			title: fmt.Sprintf("%s_part%d", title, i+1),
			body:  piece,
		})
	}
	return parts
}

// hardSplit halves text on rune boundaries until every piece fits. Only
// reached for a single paragraph or source line larger than the cap.
func hardSplit(text string, counter Counter, maxTokens int) []string {
	if counter.Count(text) <= maxTokens {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) < 2 {
		return []string{text}
	}
	mid := len(runes) / 2
	out := hardSplit(string(runes[:mid]), counter, maxTokens)
	return append(out, hardSplit(string(runes[mid:]), counter, maxTokens)...)
}
