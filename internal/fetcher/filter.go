package fetcher

import (
	"path"
	"strings"

	"github.com/mimir-rag/mimir/internal/config"
)

var docExtensions = []string{".md", ".mdx"}

var codeExtensions = []string{".ts", ".tsx", ".py", ".rs", ".go"}

func hasWantedExtension(p string, sourceType config.SourceType) bool {
	ext := strings.ToLower(path.Ext(p))
	wanted := docExtensions
	if sourceType == config.SourceTypeCode {
		wanted = codeExtensions
	}
	for _, w := range wanted {
		if ext == w {
			return true
		}
	}
	return false
}

// matchesAnyPattern implements the exclude glob forms: a leading `*`
// matches a suffix, a trailing `*` matches a prefix, anything else matches
// as a substring of the path or exactly against the filename.
func matchesAnyPattern(p string, patterns []string) bool {
	name := path.Base(p)
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		switch {
		case strings.HasPrefix(pat, "*"):
			if strings.HasSuffix(p, pat[1:]) || strings.HasSuffix(name, pat[1:]) {
				return true
			}
		case strings.HasSuffix(pat, "*"):
			if strings.HasPrefix(p, pat[:len(pat)-1]) || strings.HasPrefix(name, pat[:len(pat)-1]) {
				return true
			}
		default:
			if strings.Contains(p, pat) || name == pat {
				return true
			}
		}
	}
	return false
}

// inIncludedDirectory keeps paths under {base}/{dir} (or {dir} when no base
// is configured). An empty include list keeps everything.
func inIncludedDirectory(p, base string, includeDirs []string) bool {
	if len(includeDirs) == 0 {
		return true
	}
	for _, dir := range includeDirs {
		prefix := strings.Trim(dir, "/")
		if base != "" {
			prefix = base + "/" + prefix
		}
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}
