// Package answer turns retrieved chunks into a grounded answer with
// canonical source links, in single-shot and streaming form.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mimir-rag/mimir/internal/chunk"
	"github.com/mimir-rag/mimir/internal/llm"
	"github.com/mimir-rag/mimir/internal/store"
)

// Fallback is returned when retrieval produced no usable context.
const Fallback = "I could not find relevant context to answer your question."

const defaultSystemPrompt = `You are a documentation assistant. Answer the question using only the provided context. Be precise and concise. If the context does not contain the answer, say so plainly.`

// structuredInstruction is appended for non-streaming answers so the
// model declares which chunks it used.
const structuredInstruction = `

Respond with a JSON object of the form {"answer": "...", "citations": [{"filepath": "...", "chunkTitle": "..."}]} where citations lists only the context chunks you actually used. Output nothing but the JSON object.`

// Source is one resolved reference link.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Answer is a composed response.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// citation is the model-declared reference shape.
type citation struct {
	Filepath   string `json:"filepath"`
	ChunkTitle string `json:"chunkTitle"`
}

type structuredAnswer struct {
	Answer    string     `json:"answer"`
	Citations []citation `json:"citations"`
}

// ChatClient is the LLM surface the composer needs.
type ChatClient interface {
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
	Stream(ctx context.Context, req llm.ChatRequest, emit func(delta string) error) error
}

// Composer generates answers over retrieved context.
type Composer struct {
	chat   ChatClient
	logger *slog.Logger
}

func New(chat ChatClient, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{chat: chat, logger: logger}
}

// Compose produces a single-shot answer. The model is asked for a JSON
// envelope with citations; if the response does not parse, the raw text
// becomes the answer and every retrieved chunk becomes a source.
func (c *Composer) Compose(ctx context.Context, question string, matches []store.Match, systemOverride string) (Answer, error) {
	if len(matches) == 0 {
		return Answer{Answer: Fallback}, nil
	}

	system := systemPrompt(systemOverride) + structuredInstruction
	raw, err := c.chat.Complete(ctx, llm.ChatRequest{
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: userPrompt(question, matches)}},
	})
	if err != nil {
		return Answer{}, err
	}

	var structured structuredAnswer
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &structured); err == nil && structured.Answer != "" {
		sources := mapCitations(structured.Citations, matches)
		if len(sources) == 0 {
			sources = Sources(matches)
		}
		return Answer{Answer: structured.Answer, Sources: sources}, nil
	}

	c.logger.Debug("structured answer did not parse, using raw text")
	return Answer{Answer: strings.TrimSpace(raw), Sources: Sources(matches)}, nil
}

// ComposeStream streams answer deltas. Sources cover all retrieved
// chunks and are emitted once, just before the first delta.
func (c *Composer) ComposeStream(ctx context.Context, question string, matches []store.Match, systemOverride string, onSources func([]Source) error, onDelta func(string) error) error {
	if len(matches) == 0 {
		if onSources != nil {
			if err := onSources(nil); err != nil {
				return err
			}
		}
		return onDelta(Fallback)
	}

	sourcesSent := false
	emit := func(delta string) error {
		if !sourcesSent {
			sourcesSent = true
			if onSources != nil {
				if err := onSources(Sources(matches)); err != nil {
					return err
				}
			}
		}
		return onDelta(delta)
	}

	return c.chat.Stream(ctx, llm.ChatRequest{
		System:   systemPrompt(systemOverride),
		Messages: []llm.Message{{Role: "user", Content: userPrompt(question, matches)}},
	}, emit)
}

func systemPrompt(override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return defaultSystemPrompt
}

func userPrompt(question string, matches []store.Match) string {
	var b strings.Builder
	b.WriteString("Context:\n\n")
	for _, m := range matches {
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", m.ChunkTitle, m.Filepath, m.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// FinalURL resolves the canonical link for one retrieved chunk. Doc
// chunks prefer the docs site; code chunks keep their stored line-anchored
// blob URL. Without any URL the filepath stands in.
func FinalURL(m store.Match) string {
	if isDoc(m) {
		if m.DocsURL != "" {
			return m.DocsURL
		}
		if m.GithubURL != "" {
			return m.GithubURL
		}
		return m.Filepath
	}
	if m.GithubURL != "" {
		return m.GithubURL
	}
	return m.Filepath
}

func isDoc(m store.Match) bool {
	lower := strings.ToLower(m.Filepath)
	if strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".mdx") {
		return true
	}
	return chunk.NormalizeSourceType(m.SourceType) == chunk.SourceTypeDoc
}

// Sources builds deduplicated source links from retrieved chunks,
// preserving retrieval order.
func Sources(matches []store.Match) []Source {
	seen := make(map[string]struct{}, len(matches))
	var out []Source
	for _, m := range matches {
		url := FinalURL(m)
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		title := m.ChunkTitle
		if title == "" {
			title = m.Filepath
		}
		out = append(out, Source{Title: title, URL: url})
	}
	return out
}

// mapCitations resolves model-declared citations onto retrieved chunks,
// matching by (filepath, chunkTitle) and falling back to filepath alone.
func mapCitations(citations []citation, matches []store.Match) []Source {
	seen := make(map[string]struct{})
	var out []Source
	for _, cit := range citations {
		m, ok := findMatch(cit, matches)
		if !ok {
			continue
		}
		url := FinalURL(m)
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		title := m.ChunkTitle
		if title == "" {
			title = m.Filepath
		}
		out = append(out, Source{Title: title, URL: url})
	}
	return out
}

func findMatch(cit citation, matches []store.Match) (store.Match, bool) {
	for _, m := range matches {
		if m.Filepath == cit.Filepath && m.ChunkTitle == cit.ChunkTitle {
			return m, true
		}
	}
	for _, m := range matches {
		if m.Filepath == cit.Filepath {
			return m, true
		}
	}
	return store.Match{}, false
}

// stripCodeFence removes a surrounding markdown code fence, which chat
// models add around JSON despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop a language tag on the opening fence.
		if !strings.ContainsAny(s[:i], "{[") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
