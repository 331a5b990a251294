package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mimir-rag/mimir/internal/chunk"
)

const (
	// entityContextBatchSize is the number of code entities summarized in
	// one chat call.
	entityContextBatchSize = 5

	// maxFileContextTokens bounds the file content included in context
	// generation prompts.
	maxFileContextTokens = 16000
)

// Chat wraps a chat provider with the scheduler and the context-generation
// prompts used during ingestion.
type Chat struct {
	provider  ChatProvider
	scheduler *Scheduler
	counter   chunk.Counter

	temperature     float64
	maxOutputTokens int
	logger          *slog.Logger
}

func NewChat(provider ChatProvider, scheduler *Scheduler, counter chunk.Counter, temperature float64, maxOutputTokens int, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{
		provider:        provider,
		scheduler:       scheduler,
		counter:         counter,
		temperature:     temperature,
		maxOutputTokens: maxOutputTokens,
		logger:          logger,
	}
}

// Provider exposes the underlying provider for transport-level concerns.
func (c *Chat) Provider() ChatProvider { return c.provider }

// estimate reserves tokens for the full round trip: prompt plus the
// configured output budget.
func (c *Chat) estimate(req ChatRequest) int {
	tokens := c.counter.Count(req.System)
	for _, m := range req.Messages {
		tokens += c.counter.Count(m.Content)
	}
	return tokens + req.MaxOutputTokens
}

func (c *Chat) request(system string, user string) ChatRequest {
	return ChatRequest{
		System:          system,
		Messages:        []Message{{Role: "user", Content: user}},
		Temperature:     c.temperature,
		MaxOutputTokens: c.maxOutputTokens,
	}
}

// fill applies the configured sampling defaults to requests that leave
// them unset.
func (c *Chat) fill(req ChatRequest) ChatRequest {
	if req.Temperature == 0 {
		req.Temperature = c.temperature
	}
	if req.MaxOutputTokens == 0 {
		req.MaxOutputTokens = c.maxOutputTokens
	}
	return req
}

// Complete runs one chat completion through the scheduler.
func (c *Chat) Complete(ctx context.Context, req ChatRequest) (string, error) {
	req = c.fill(req)
	return Do(ctx, c.scheduler, c.estimate(req), func(ctx context.Context) (string, error) {
		return c.provider.Complete(ctx, req)
	})
}

// Stream runs a streaming completion through the scheduler. Deltas are
// forwarded to emit as they arrive; the scheduler slot is held for the
// duration of the stream.
func (c *Chat) Stream(ctx context.Context, req ChatRequest, emit func(delta string) error) error {
	req = c.fill(req)
	_, err := Do(ctx, c.scheduler, c.estimate(req), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.provider.Stream(ctx, req, emit)
	})
	return err
}

const entityContextSystem = `You are indexing a code repository for retrieval. For each numbered code entity, write a 100-200 token description situating it inside its file: what it does, what it depends on, and when a developer would look for it. Answer as a numbered list matching the input numbering, one item per entity, with no preamble.`

// GenerateEntityContexts produces one retrieval context per code entity.
// Entities are summarized in batches of five against the (possibly
// truncated) file content.
func (c *Chat) GenerateEntityContexts(ctx context.Context, entities []chunk.Entity, fileContent, filepath string) ([]string, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	fileContent = c.truncate(fileContent, maxFileContextTokens)

	contexts := make([]string, len(entities))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(entities); start += entityContextBatchSize {
		end := min(start+entityContextBatchSize, len(entities))
		batch := entities[start:end]
		g.Go(func() error {
			prompt := entityContextPrompt(batch, fileContent, filepath)
			resp, err := c.Complete(gctx, c.request(entityContextSystem, prompt))
			if err != nil {
				return err
			}
			parsed := parseNumberedList(resp, len(batch))
			copy(contexts[start:end], parsed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contexts, nil
}

func entityContextPrompt(batch []chunk.Entity, fileContent, filepath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n\nFull file content:\n%s\n\nEntities:\n", filepath, fileContent)
	for i, ent := range batch {
		fmt.Fprintf(&b, "%d. %s (%s, lines %d-%d)\n", i+1, ent.QualifiedName, ent.EntityType, ent.StartLine, ent.EndLine)
		if ent.Docstring != "" {
			fmt.Fprintf(&b, "   Doc: %s\n", ent.Docstring)
		}
		if ent.ParentContext != "" {
			fmt.Fprintf(&b, "   Parent: %s\n", ent.ParentContext)
		}
	}
	return b.String()
}

const chunkContextSystem = `You are indexing documentation for retrieval. Write a 150-250 token context for the given section: what it covers, where it sits in the document, and which questions it answers. Output only the context, no preamble.`

// GenerateFileChunkContexts produces one retrieval context per document
// chunk, one chat call per chunk.
func (c *Chat) GenerateFileChunkContexts(ctx context.Context, chunks []chunk.Chunk, fileContent string) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	fileContent = c.truncate(fileContent, maxFileContextTokens)

	contexts := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chunks {
		g.Go(func() error {
			prompt := fmt.Sprintf("Document: %s\n\nFull document:\n%s\n\nSection %q:\n%s",
				ch.Filepath, fileContent, ch.ChunkTitle, ch.Content)
			resp, err := c.Complete(gctx, c.request(chunkContextSystem, prompt))
			if err != nil {
				return err
			}
			contexts[i] = strings.TrimSpace(resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contexts, nil
}

func (c *Chat) truncate(text string, maxTokens int) string {
	if c.counter.Count(text) <= maxTokens {
		return text
	}
	// Binary-search the cut point on rune boundaries.
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.counter.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
