package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mimir-rag/mimir/internal/answer"
	"github.com/mimir-rag/mimir/internal/store"
)

// chatMessage accepts both the plain-string and the multi-part content
// shapes of the OpenAI chat API.
type chatMessage struct {
	Role    string      `json:"role"`
	Content chatContent `json:"content"`
}

type chatContent string

func (c *chatContent) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*c = chatContent(plain)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	*c = chatContent(b.String())
	return nil
}

type chatCompletionRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Stream              bool          `json:"stream"`
	MatchCount          int           `json:"matchCount"`
	SimilarityThreshold *float64      `json:"similarityThreshold"`
}

// lastUserMessage returns the query and the optional system override.
func (r chatCompletionRequest) lastUserMessage() (question, system string) {
	for _, m := range r.Messages {
		switch m.Role {
		case "user":
			question = string(m.Content)
		case "system":
			system = string(m.Content)
		}
	}
	return question, system
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid request body"})
		return
	}
	question, system := req.lastUserMessage()
	if strings.TrimSpace(question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "no user message found"})
		return
	}

	matches, err := s.retriever.Search(c.Request.Context(), question, retrieveOptions(req.MatchCount, req.SimilarityThreshold))
	if err != nil {
		s.respondError(c, err)
		return
	}

	model := req.Model
	if model == "" {
		model = "mimir"
	}

	if req.Stream {
		s.streamCompletion(c, question, system, model, matches)
		return
	}

	composed, err := s.composer.Compose(c.Request.Context(), question, matches, system)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      completionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []gin.H{{
			"index": 0,
			"message": gin.H{
				"role":    "assistant",
				"content": composed.Answer + renderSources(composed.Sources),
			},
			"finish_reason": "stop",
		}},
	})
}

// streamCompletion writes SSE frames in the OpenAI chat-completion-chunk
// shape, closing with a finish_reason frame and "data: [DONE]".
func (s *Server) streamCompletion(c *gin.Context, question, system, model string, matches []store.Match) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	id := completionID()
	created := time.Now().Unix()
	first := true

	writeFrame := func(delta gin.H, finish any) error {
		frame := gin.H{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []gin.H{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	var sources []answer.Source
	err := s.composer.ComposeStream(c.Request.Context(), question, matches, system,
		func(s []answer.Source) error {
			sources = s
			return nil
		},
		func(delta string) error {
			d := gin.H{"content": delta}
			if first {
				first = false
				d["role"] = "assistant"
			}
			return writeFrame(d, nil)
		})
	if err != nil {
		s.logger.Error("streaming completion failed", "error", err)
		_ = writeFrame(gin.H{"content": "\n\n[error] " + err.Error()}, nil)
	} else if rendered := renderSources(sources); rendered != "" {
		_ = writeFrame(gin.H{"content": rendered}, nil)
	}

	_ = writeFrame(gin.H{}, "stop")
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// renderSources appends reference links as a markdown list.
func renderSources(sources []answer.Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nSources:\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "- [%s](%s)\n", src.Title, src.URL)
	}
	return b.String()
}
