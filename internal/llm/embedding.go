package llm

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mimir-rag/mimir/internal/chunk"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

// Embedder embeds documents through the provider's scheduler. Batches are
// sized at twice the configured batch size, which halves the request count
// without hitting provider input limits in practice.
type Embedder struct {
	provider  EmbeddingProvider
	scheduler *Scheduler
	batchSize int
	counter   chunk.Counter
	logger    *slog.Logger
}

func NewEmbedder(provider EmbeddingProvider, scheduler *Scheduler, batchSize int, counter chunk.Counter, logger *slog.Logger) *Embedder {
	if batchSize <= 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{
		provider:  provider,
		scheduler: scheduler,
		batchSize: batchSize,
		counter:   counter,
		logger:    logger,
	}
}

// EmbedDocuments returns one embedding per input text, in input order. A
// batch whose retries are exhausted fails the whole call.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, TaskDocument)
}

func (e *Embedder) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	apiBatch := 2 * e.batchSize
	embeddings := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += apiBatch {
		end := min(start+apiBatch, len(texts))
		batch := texts[start:end]
		g.Go(func() error {
			tokens := 0
			for _, t := range batch {
				tokens += e.counter.Count(t)
			}
			result, err := Do(gctx, e.scheduler, tokens, func(ctx context.Context) ([][]float32, error) {
				if tp, ok := e.provider.(TaskEmbeddingProvider); ok {
					return tp.EmbedBatchForTask(ctx, batch, task)
				}
				return e.provider.EmbedBatch(ctx, batch)
			})
			if err != nil {
				return err
			}
			if len(result) != len(batch) {
				return mimirerrors.Newf(mimirerrors.ErrCodeInvariant,
					"%s returned %d embeddings for %d inputs",
					e.provider.Name(), len(result), len(batch))
			}
			copy(embeddings[start:end], result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug("embedded documents",
		"provider", e.provider.Name(),
		"model", e.provider.Model(),
		"count", len(texts))
	return embeddings, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.embed(ctx, []string{text}, TaskQuery)
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}
