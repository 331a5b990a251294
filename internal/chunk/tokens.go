package chunk

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter reports the token count of a text under the embedding model's
// tokenizer.
type Counter interface {
	Count(text string) int
}

// specialTokens are literal strings the tokenizer treats as control tokens.
// They are HTML-escaped before counting so user content can never encode as
// a special token.
var specialTokens = []string{
	"<|endoftext|>",
	"<|fim_prefix|>",
	"<|fim_middle|>",
	"<|fim_suffix|>",
	"<|endofprompt|>",
	"<|im_start|>",
	"<|im_end|>",
}

var specialTokenReplacer = func() *strings.Replacer {
	pairs := make([]string, 0, len(specialTokens)*2)
	for _, tok := range specialTokens {
		escaped := strings.ReplaceAll(tok, "<", "&lt;")
		escaped = strings.ReplaceAll(escaped, ">", "&gt;")
		pairs = append(pairs, tok, escaped)
	}
	return strings.NewReplacer(pairs...)
}()

// SanitizeSpecialTokens HTML-escapes literal special-token strings.
func SanitizeSpecialTokens(text string) string {
	return specialTokenReplacer.Replace(text)
}

// TokenCounter counts tokens with the model's tiktoken encoding, falling
// back to cl100k_base for unknown models and to a character heuristic when
// no encoding can be loaded at all.
type TokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTokenCounter resolves the encoding for model. It never fails: an
// unresolvable encoding degrades to the character heuristic.
func NewTokenCounter(model string) *TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TokenCounter{enc: enc}
}

func (c *TokenCounter) Count(text string) int {
	text = SanitizeSpecialTokens(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return estimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// estimateTokens approximates four characters per token, which is close
// enough for cap enforcement when the BPE tables are unavailable.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
