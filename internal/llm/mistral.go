package llm

import (
	"log/slog"
	"net/http"
)

const defaultMistralBaseURL = "https://api.mistral.ai/v1"

// newMistral returns an OpenAI-wire client pointed at the Mistral API.
func newMistral(baseURL, apiKey, model string, client *http.Client, logger *slog.Logger) *openAI {
	return newOpenAI("mistral", defaultMistralBaseURL, baseURL, apiKey, model, client, logger)
}
