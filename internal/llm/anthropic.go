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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// anthropic speaks the Messages API. Chat only; Anthropic has no
// embedding endpoint.
type anthropic struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func newAnthropic(baseURL, apiKey, model string, client *http.Client, logger *slog.Logger) *anthropic {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &anthropic{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
		logger:  logger,
	}
}

var _ ChatProvider = (*anthropic)(nil)

func (p *anthropic) Name() string  { return "anthropic" }
func (p *anthropic) Model() string { return p.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *anthropic) payload(req ChatRequest, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "system" {
			// The Messages API takes the system prompt as a top-level field.
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: m.Content})
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return anthropicRequest{
		Model:       p.model,
		System:      req.System,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

func (p *anthropic) Complete(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := p.send(ctx, p.payload(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", mimirerrors.Wrapf(mimirerrors.ErrCodeParse, err, "anthropic: decode response")
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (p *anthropic) Stream(ctx context.Context, req ChatRequest, emit func(delta string) error) error {
	resp, err := p.send(ctx, p.payload(req, true))
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
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			p.logger.Warn("skipping malformed stream event", "provider", "anthropic", "error", err)
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if err := emit(event.Delta.Text); err != nil {
					return err
				}
			}
		case "message_stop":
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "anthropic: read stream")
	}
	return nil
}

func (p *anthropic) send(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeInvariant, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeInvariant, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError("anthropic", resp.StatusCode, string(msg))
	}
	return resp, nil
}
