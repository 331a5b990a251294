// Package llm hosts the provider clients and the rate-limited scheduler
// they share. Each provider (embedding or chat) owns one scheduler that
// enforces concurrency, requests-per-minute and tokens-per-minute limits
// with FIFO admission and retrying.
package llm

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mimir-rag/mimir/internal/config"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

const httpTimeout = 120 * time.Second

// EmbeddingProvider issues one embedding API call per batch.
type EmbeddingProvider interface {
	Name() string
	Model() string
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedding task hints, using the Gemini task-type vocabulary.
const (
	TaskDocument = "RETRIEVAL_DOCUMENT"
	TaskQuery    = "RETRIEVAL_QUERY"
)

// TaskEmbeddingProvider is implemented by providers whose embedding API
// distinguishes document and query inputs.
type TaskEmbeddingProvider interface {
	EmbeddingProvider
	EmbedBatchForTask(ctx context.Context, texts []string, task string) ([][]float32, error)
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string
	Content string
}

// ChatRequest is a provider-independent chat completion request.
type ChatRequest struct {
	System          string
	Messages        []Message
	Temperature     float64
	MaxOutputTokens int
}

// ChatProvider issues chat completion calls.
type ChatProvider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req ChatRequest) (string, error)
	// Stream calls emit with each answer delta as it arrives. emit
	// returning an error aborts the stream.
	Stream(ctx context.Context, req ChatRequest, emit func(delta string) error) error
}

// NewEmbeddingProvider builds the configured embedding provider.
func NewEmbeddingProvider(cfg config.ProviderConfig, logger *slog.Logger) (EmbeddingProvider, error) {
	client := &http.Client{Timeout: httpTimeout}
	switch cfg.Provider {
	case "openai":
		return newOpenAI("openai", defaultOpenAIBaseURL, cfg.BaseURL, cfg.APIKey, cfg.Model, client, logger), nil
	case "mistral":
		return newMistral(cfg.BaseURL, cfg.APIKey, cfg.Model, client, logger), nil
	case "google":
		return newGoogle(cfg.BaseURL, cfg.APIKey, cfg.Model, client, logger), nil
	}
	return nil, mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
		"unsupported embedding provider %q", cfg.Provider)
}

// NewChatProvider builds the configured chat provider.
func NewChatProvider(cfg config.ChatConfig, logger *slog.Logger) (ChatProvider, error) {
	client := &http.Client{Timeout: httpTimeout}
	switch cfg.Provider {
	case "openai":
		return newOpenAI("openai", defaultOpenAIBaseURL, cfg.BaseURL, cfg.APIKey, cfg.Model, client, logger), nil
	case "mistral":
		return newMistral(cfg.BaseURL, cfg.APIKey, cfg.Model, client, logger), nil
	case "google":
		return newGoogle(cfg.BaseURL, cfg.APIKey, cfg.Model, client, logger), nil
	case "anthropic":
		return newAnthropic(cfg.BaseURL, cfg.APIKey, cfg.Model, client, logger), nil
	}
	return nil, mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
		"unsupported chat provider %q", cfg.Provider)
}

// statusError maps a provider HTTP status to an error code. Auth and
// invalid-request errors are non-retryable; rate limiting and server
// errors retry through the scheduler.
func statusError(provider string, status int, body string) error {
	if len(body) > 512 {
		body = body[:512]
	}
	code := mimirerrors.ErrCodeTransport
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = mimirerrors.ErrCodeProviderAuth
	case status == http.StatusNotFound:
		code = mimirerrors.ErrCodeProviderModel
	case status == http.StatusTooManyRequests:
		code = mimirerrors.ErrCodeRateLimited
	case status >= 400 && status < 500:
		code = mimirerrors.ErrCodeProviderRequest
	}
	return mimirerrors.Newf(code, "%s: status %d: %s", provider, status, body)
}
