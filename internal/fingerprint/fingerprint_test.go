package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumIsDeterministic(t *testing.T) {
	a := Checksum("# Getting Started\n\nInstall the CLI.")
	b := Checksum("# Getting Started\n\nInstall the CLI.")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestChecksumKnownVector(t *testing.T) {
	// SHA-256("hello world")
	assert.Equal(t,
		"b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		Checksum("hello world"))
}

func TestChecksumDistinguishesWhitespace(t *testing.T) {
	assert.NotEqual(t, Checksum("func main() {}"), Checksum("func main() {} "))
	assert.NotEqual(t, Checksum("a\nb"), Checksum("a\r\nb"))
}

func TestLocationKey(t *testing.T) {
	assert.Equal(t, "docs/a.mdx:0:doc", LocationKey("docs/a.mdx", 0, "doc"))
	assert.NotEqual(t,
		LocationKey("docs/a.mdx", 1, "doc"),
		LocationKey("docs/a.mdx", 10, "doc"))
}
