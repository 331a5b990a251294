package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-rag/mimir/internal/config"
)

func TestMatchesAnyPattern(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		patterns []string
		want     bool
	}{
		{"suffix", "pkg/store/store_test.go", []string{"*_test.go"}, true},
		{"suffix miss", "pkg/store/store.go", []string{"*_test.go"}, false},
		{"prefix", "test_fetch.py", []string{"test_*"}, true},
		{"substring dir", "web/node_modules/lib/a.ts", []string{"node_modules"}, true},
		{"exact filename", "docs/__tests__", []string{"__tests__"}, true},
		{"no patterns", "a.mdx", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesAnyPattern(tt.path, tt.patterns))
		})
	}
}

func TestHasWantedExtension(t *testing.T) {
	assert.True(t, hasWantedExtension("docs/a.mdx", config.SourceTypeDoc))
	assert.True(t, hasWantedExtension("README.MD", config.SourceTypeDoc))
	assert.False(t, hasWantedExtension("src/a.rs", config.SourceTypeDoc))
	assert.True(t, hasWantedExtension("src/a.rs", config.SourceTypeCode))
	assert.True(t, hasWantedExtension("web/app.tsx", config.SourceTypeCode))
	assert.False(t, hasWantedExtension("assets/logo.png", config.SourceTypeCode))
}

func TestInIncludedDirectory(t *testing.T) {
	assert.True(t, inIncludedDirectory("docs/guides/a.md", "docs", []string{"guides"}))
	assert.False(t, inIncludedDirectory("docs/blog/a.md", "docs", []string{"guides"}))
	assert.True(t, inIncludedDirectory("src/core/a.rs", "", []string{"src"}))
	assert.True(t, inIncludedDirectory("anything/a.md", "", nil))
}

// fakeGitHub serves a recursive tree listing and raw file content.
func fakeGitHub(t *testing.T, tree map[string]string, failTree bool) (*httptest.Server, Options) {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/repos/acme/handbook/git/trees/", func(w http.ResponseWriter, r *http.Request) {
		if failTree {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		type node struct {
			Path string `json:"path"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
			Size int64  `json:"size"`
		}
		var nodes []node
		for p, content := range tree {
			nodes = append(nodes, node{Path: p, Type: "blob", SHA: "sha-" + p, Size: int64(len(content))})
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
		_ = json.NewEncoder(w).Encode(map[string]any{"tree": nodes})
	})

	mux.HandleFunc("/acme/handbook/main/", func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/acme/handbook/main/")
		content, ok := tree[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, Options{APIBaseURL: srv.URL, RawBaseURL: srv.URL}
}

func TestFetchFiltersAndDownloads(t *testing.T) {
	tree := map[string]string{
		"docs/intro.mdx":    "# Intro",
		"docs/guide.md":     "# Guide",
		"docs/logo.png":     "binary",
		"docs/api.test.ts":  "skip",
		"src/main.rs":       "fn main() {}",
		"docs/sub/deep.mdx": "# Deep",
	}
	_, opts := fakeGitHub(t, tree, false)

	repo := config.RepoConfig{
		URL:        "https://github.com/acme/handbook",
		Branch:     "main",
		Directory:  "docs",
		SourceType: config.SourceTypeDoc,
	}
	f := New(repo, []string{"*.test.ts"}, opts)

	files, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 3)

	byPath := map[string]File{}
	for _, file := range files {
		byPath[file.Path] = file
	}
	require.Contains(t, byPath, "docs/intro.mdx")
	assert.Equal(t, "# Intro", byPath["docs/intro.mdx"].Content)
	assert.Equal(t, "intro.mdx", byPath["docs/intro.mdx"].RelativePath)
	assert.Equal(t, "sha-docs/intro.mdx", byPath["docs/intro.mdx"].SHA)
	assert.Equal(t,
		"https://github.com/acme/handbook/blob/main/docs/intro.mdx",
		byPath["docs/intro.mdx"].SourceURL)
	assert.NotContains(t, byPath, "src/main.rs")
	assert.NotContains(t, byPath, "docs/api.test.ts")
}

func TestFetchFallsBackToContentsWalk(t *testing.T) {
	tree := map[string]string{"docs/a.md": "# A"}
	srv, opts := fakeGitHub(t, tree, true)

	// Contents walk endpoints: the directory listing, then its file.
	mux := srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("/repos/acme/handbook/contents/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"path": "docs/a.md", "type": "file", "sha": "sha-docs/a.md", "size": 3},
		})
	})

	repo := config.RepoConfig{
		URL:        "https://github.com/acme/handbook",
		Branch:     "main",
		SourceType: config.SourceTypeDoc,
	}
	f := New(repo, nil, opts)

	files, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "# A", files[0].Content)
}
