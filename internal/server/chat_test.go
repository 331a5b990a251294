package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-rag/mimir/internal/answer"
	"github.com/mimir-rag/mimir/internal/store"
)

func completionBody(stream bool) gin.H {
	return gin.H{
		"model":  "gpt-4o-mini",
		"stream": stream,
		"messages": []gin.H{
			{"role": "system", "content": "Answer briefly."},
			{"role": "user", "content": "how do retries work"},
		},
	}
}

func TestChatCompletionNonStreaming(t *testing.T) {
	retriever := &fakeRetriever{matches: []store.Match{{ChunkTitle: "Retries", Content: "body"}}}
	composer := &fakeComposer{answer: answer.Answer{
		Answer:  "Use exponential backoff.",
		Sources: []answer.Source{{Title: "Retries", URL: "https://docs.acme.dev/retries"}},
	}}
	router := newTestServer(retriever, composer, nil).Router()

	w := doJSON(t, router, http.MethodPost, "/v1/chat/completions", completionBody(false), authHeader())
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Contains(t, resp.Choices[0].Message.Content, "Use exponential backoff.")
	assert.Contains(t, resp.Choices[0].Message.Content, "https://docs.acme.dev/retries")
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestChatCompletionStreaming(t *testing.T) {
	retriever := &fakeRetriever{matches: []store.Match{{ChunkTitle: "Retries", Content: "body"}}}
	composer := &fakeComposer{
		deltas: []string{"Use ", "backoff."},
		answer: answer.Answer{Sources: []answer.Source{{Title: "Retries", URL: "https://docs.acme.dev/retries"}}},
	}
	router := newTestServer(retriever, composer, nil).Router()

	w := doJSON(t, router, http.MethodPost, "/v1/chat/completions", completionBody(true), authHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	require.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))

	var contents []string
	var finish string
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var frame struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &frame))
		assert.Equal(t, "chat.completion.chunk", frame.Object)
		require.Len(t, frame.Choices, 1)
		if frame.Choices[0].Delta.Content != "" {
			contents = append(contents, frame.Choices[0].Delta.Content)
		}
		if frame.Choices[0].FinishReason != nil {
			finish = *frame.Choices[0].FinishReason
		}
	}

	assert.Equal(t, "Use ", contents[0])
	assert.Equal(t, "backoff.", contents[1])
	assert.Contains(t, contents[2], "https://docs.acme.dev/retries")
	assert.Equal(t, "stop", finish)
}

func TestChatCompletionRequiresUserMessage(t *testing.T) {
	router := newTestServer(nil, nil, nil).Router()

	w := doJSON(t, router, http.MethodPost, "/v1/chat/completions", gin.H{
		"messages": []gin.H{{"role": "system", "content": "hi"}},
	}, authHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionAcceptsMultiPartContent(t *testing.T) {
	retriever := &fakeRetriever{}
	composer := &fakeComposer{answer: answer.Answer{Answer: answer.Fallback}}
	router := newTestServer(retriever, composer, nil).Router()

	w := doJSON(t, router, http.MethodPost, "/v1/chat/completions", gin.H{
		"messages": []gin.H{{
			"role": "user",
			"content": []gin.H{
				{"type": "text", "text": "what is "},
				{"type": "text", "text": "mimir"},
			},
		}},
	}, authHeader())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), answer.Fallback)
}

func TestChatMessageContentUnmarshal(t *testing.T) {
	var m chatMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"plain"}`), &m))
	assert.Equal(t, "plain", string(m.Content))

	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","text":"x"},{"text":"b"}]}`), &m))
	assert.Equal(t, "ab", string(m.Content))
}
