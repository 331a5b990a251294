package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeSpecialTokens(t *testing.T) {
	in := "before <|endoftext|> after <|im_start|>"
	out := SanitizeSpecialTokens(in)
	assert.Equal(t, "before &lt;|endoftext|&gt; after &lt;|im_start|&gt;", out)
	assert.NotContains(t, out, "<|")
}

func TestSanitizeLeavesPlainTextAlone(t *testing.T) {
	in := "fn alpha() -> i32 { 1 }"
	assert.Equal(t, in, SanitizeSpecialTokens(in))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 2, estimateTokens("abcdefgh"))
}

func TestNormalizeSourceType(t *testing.T) {
	cases := map[string]SourceType{
		"mdx":        SourceTypeDoc,
		"doc":        SourceTypeDoc,
		"typescript": SourceTypeCode,
		"python":     SourceTypeCode,
		"rust":       SourceTypeCode,
		"code":       SourceTypeCode,
		"other":      SourceType("other"),
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeSourceType(raw), raw)
	}
}
