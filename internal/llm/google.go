package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com"

// google speaks the Gemini API for both embeddings and chat.
type google struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func newGoogle(baseURL, apiKey, model string, client *http.Client, logger *slog.Logger) *google {
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &google{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
		logger:  logger,
	}
}

var (
	_ TaskEmbeddingProvider = (*google)(nil)
	_ ChatProvider          = (*google)(nil)
)

func (p *google) Name() string  { return "google" }
func (p *google) Model() string { return p.model }

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleEmbedItem struct {
	Model    string        `json:"model"`
	Content  googleContent `json:"content"`
	TaskType string        `json:"taskType,omitempty"`
}

type googleEmbedRequest struct {
	Requests []googleEmbedItem `json:"requests"`
}

type googleEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

func (p *google) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.EmbedBatchForTask(ctx, texts, "")
}

func (p *google) EmbedBatchForTask(ctx context.Context, texts []string, task string) ([][]float32, error) {
	payload := googleEmbedRequest{Requests: make([]googleEmbedItem, 0, len(texts))}
	for _, text := range texts {
		payload.Requests = append(payload.Requests, googleEmbedItem{
			Model:    "models/" + p.model,
			Content:  googleContent{Parts: []googlePart{{Text: text}}},
			TaskType: task,
		})
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents", p.baseURL, p.model)
	resp, err := p.send(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed googleEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeParse, err, "google: decode embeddings")
	}

	embeddings := make([][]float32, len(parsed.Embeddings))
	for i, e := range parsed.Embeddings {
		embeddings[i] = e.Values
	}
	return embeddings, nil
}

type googleChatRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type googleChatResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func (p *google) chatPayload(req ChatRequest) googleChatRequest {
	var payload googleChatRequest
	if req.System != "" {
		payload.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := m.Role
		// Gemini uses "model" for assistant turns.
		if role == "assistant" {
			role = "model"
		}
		payload.Contents = append(payload.Contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}
	payload.GenerationConfig.Temperature = req.Temperature
	payload.GenerationConfig.MaxOutputTokens = req.MaxOutputTokens
	return payload
}

func (p *google) Complete(ctx context.Context, req ChatRequest) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	resp, err := p.send(ctx, endpoint, p.chatPayload(req))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed googleChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", mimirerrors.Wrapf(mimirerrors.ErrCodeParse, err, "google: decode response")
	}
	if len(parsed.Candidates) == 0 {
		return "", mimirerrors.Newf(mimirerrors.ErrCodeProviderRequest,
			"google: chat response has no candidates")
	}
	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}

func (p *google) Stream(ctx context.Context, req ChatRequest, emit func(delta string) error) error {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, p.model)
	resp, err := p.send(ctx, endpoint, p.chatPayload(req))
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
		var frame googleChatResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			p.logger.Warn("skipping malformed stream frame", "provider", "google", "error", err)
			continue
		}
		if len(frame.Candidates) == 0 {
			continue
		}
		for _, part := range frame.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			if err := emit(part.Text); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "google: read stream")
	}
	return nil
}

func (p *google) send(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeInvariant, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeInvariant, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError("google", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError("google", resp.StatusCode, string(msg))
	}
	return resp, nil
}
