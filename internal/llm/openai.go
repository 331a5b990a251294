package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAI speaks the OpenAI REST API. Mistral exposes the same wire format
// and reuses this client with its own base URL.
type openAI struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func newOpenAI(name, defaultBase, baseURL, apiKey, model string, client *http.Client, logger *slog.Logger) *openAI {
	if baseURL == "" {
		baseURL = defaultBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &openAI{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
		logger:  logger,
	}
}

var (
	_ EmbeddingProvider = (*openAI)(nil)
	_ ChatProvider      = (*openAI)(nil)
)

func (p *openAI) Name() string  { return p.name }
func (p *openAI) Model() string { return p.model }

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openAIEmbeddingResponse
	err := p.post(ctx, "/embeddings", openAIEmbeddingRequest{Model: p.model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, mimirerrors.Newf(mimirerrors.ErrCodeInvariant,
				"%s: embedding index %d out of range", p.name, d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *openAI) chatPayload(req ChatRequest, stream bool) openAIChatRequest {
	messages := make([]openAIChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIChatMessage{Role: m.Role, Content: m.Content})
	}
	return openAIChatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      stream,
	}
}

func (p *openAI) Complete(ctx context.Context, req ChatRequest) (string, error) {
	var resp openAIChatResponse
	if err := p.post(ctx, "/chat/completions", p.chatPayload(req, false), &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", mimirerrors.Newf(mimirerrors.ErrCodeProviderRequest,
			"%s: chat response has no choices", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *openAI) Stream(ctx context.Context, req ChatRequest, emit func(delta string) error) error {
	resp, err := p.send(ctx, "/chat/completions", p.chatPayload(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Warn("skipping malformed stream frame", "provider", p.name, "error", err)
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := emit(chunk.Choices[0].Delta.Content); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "%s: read stream", p.name)
	}
	return nil
}

func (p *openAI) post(ctx context.Context, path string, payload, out any) error {
	resp, err := p.send(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeParse, err, "%s: decode response", p.name)
	}
	return nil
}

func (p *openAI) send(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeInvariant, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeInvariant, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(p.name, resp.StatusCode, string(msg))
	}
	return resp, nil
}

// transportError classifies client-side request failures.
func transportError(provider string, err error) error {
	code := mimirerrors.ErrCodeTransport
	if strings.Contains(err.Error(), "Client.Timeout") {
		code = mimirerrors.ErrCodeTransportTimeout
	}
	return mimirerrors.Wrapf(code, err, "%s: request failed", provider)
}
