package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-rag/mimir/internal/config"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

// runeCounter counts one token per rune.
type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

// fakeEmbeddingProvider returns a distinct vector per input, derived from
// the text itself, and records batch sizes.
type fakeEmbeddingProvider struct {
	mu         sync.Mutex
	batchSizes []int
	failBatch  int
	calls      int
}

func (f *fakeEmbeddingProvider) Name() string  { return "fake" }
func (f *fakeEmbeddingProvider) Model() string { return "fake-embed" }

func (f *fakeEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.batchSizes = append(f.batchSizes, len(texts))
	fail := f.failBatch > 0 && f.calls == f.failBatch
	f.mu.Unlock()

	if fail {
		return nil, mimirerrors.Newf(mimirerrors.ErrCodeProviderRequest, "rejected")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func newTestEmbedder(t *testing.T, provider EmbeddingProvider, batchSize int) *Embedder {
	t.Helper()
	s := NewScheduler("fake", config.ProviderLimits{
		Concurrency:          4,
		MaxRequestsPerMinute: 10_000,
		MaxTokensPerMinute:   10_000_000,
	}, SchedulerOptions{Window: time.Minute, Retry: fastRetry(0)})
	t.Cleanup(s.Close)
	return NewEmbedder(provider, s, batchSize, runeCounter{}, nil)
}

func TestEmbedDocumentsPreservesOrder(t *testing.T) {
	provider := &fakeEmbeddingProvider{}
	e := newTestEmbedder(t, provider, 2) // API batches of 4

	texts := make([]string, 10)
	for i := range texts {
		// Distinct lengths make the fake vectors distinguishable.
		texts[i] = fmt.Sprintf("%0*d", i+1, 0)
	}

	embeddings, err := e.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, embeddings, 10)
	for i, emb := range embeddings {
		assert.Equal(t, []float32{float32(i + 1)}, emb, "index %d", i)
	}

	assert.ElementsMatch(t, []int{4, 4, 2}, provider.batchSizes)
}

func TestEmbedDocumentsEmptyInput(t *testing.T) {
	e := newTestEmbedder(t, &fakeEmbeddingProvider{}, 2)
	embeddings, err := e.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, embeddings)
}

func TestEmbedDocumentsFailedBatchFailsCall(t *testing.T) {
	provider := &fakeEmbeddingProvider{failBatch: 2}
	e := newTestEmbedder(t, provider, 1)

	_, err := e.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc", "dddd"})
	require.Error(t, err)
	assert.ErrorIs(t, err, &mimirerrors.Error{Code: mimirerrors.ErrCodeProviderRequest})
}

// shortEmbeddingProvider returns fewer vectors than inputs.
type shortEmbeddingProvider struct{ fakeEmbeddingProvider }

func (s *shortEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := s.fakeEmbeddingProvider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	return out[:len(out)-1], nil
}

func TestEmbedDocumentsCountMismatchIsInvariant(t *testing.T) {
	e := newTestEmbedder(t, &shortEmbeddingProvider{}, 2)
	_, err := e.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, &mimirerrors.Error{Code: mimirerrors.ErrCodeInvariant})
}

// taskRecordingProvider records the task hint passed with each batch.
type taskRecordingProvider struct {
	fakeEmbeddingProvider
	taskMu sync.Mutex
	tasks  []string
}

func (f *taskRecordingProvider) EmbedBatchForTask(ctx context.Context, texts []string, task string) ([][]float32, error) {
	f.taskMu.Lock()
	f.tasks = append(f.tasks, task)
	f.taskMu.Unlock()
	return f.fakeEmbeddingProvider.EmbedBatch(ctx, texts)
}

func TestEmbedTaskHints(t *testing.T) {
	provider := &taskRecordingProvider{}
	e := newTestEmbedder(t, provider, 2)

	_, err := e.EmbedDocuments(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	_, err = e.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, []string{TaskDocument, TaskQuery}, provider.tasks)
}

func TestEmbedQuery(t *testing.T) {
	e := newTestEmbedder(t, &fakeEmbeddingProvider{}, 2)
	emb, err := e.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5}, emb)
}
