// Package fetcher downloads repository files from GitHub. It lists the
// tree with one recursive call when possible, filters by extension and
// exclude patterns, and downloads raw content with bounded parallelism.
// Fetching never mutates anything remote.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mimir-rag/mimir/internal/config"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

const (
	defaultAPIBaseURL = "https://api.github.com"
	defaultDownloads  = 8
	requestTimeout    = 30 * time.Second
	maxTreeEntries    = 100000
)

// File is one downloaded repository file.
type File struct {
	// Path is the full path within the repository.
	Path string
	// RelativePath is Path with the configured directory prefix removed.
	RelativePath string
	Content      string
	SHA          string
	Size         int64
	// SourceURL is the canonical blob URL at the host.
	SourceURL string
}

// Options configure a Fetcher beyond the repository scope.
type Options struct {
	// APIBaseURL overrides the GitHub API endpoint, for tests.
	APIBaseURL string
	// RawBaseURL overrides the raw-content endpoint, for tests.
	RawBaseURL string
	// MaxParallel bounds concurrent downloads. Defaults to 8.
	MaxParallel int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Fetcher downloads the files of one configured repository scope.
type Fetcher struct {
	repo        config.RepoConfig
	exclude     []string
	apiBase     string
	rawBase     string
	maxParallel int
	client      *http.Client
	logger      *slog.Logger
}

func New(repo config.RepoConfig, excludePatterns []string, opts Options) *Fetcher {
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = defaultAPIBaseURL
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultDownloads
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		repo:        repo,
		exclude:     excludePatterns,
		apiBase:     strings.TrimRight(opts.APIBaseURL, "/"),
		rawBase:     strings.TrimRight(opts.RawBaseURL, "/"),
		maxParallel: opts.MaxParallel,
		client:      opts.HTTPClient,
		logger:      opts.Logger,
	}
}

// Fetch lists and downloads every file in the scope that passes the
// extension, exclude and include filters.
func (f *Fetcher) Fetch(ctx context.Context) ([]File, error) {
	paths, err := f.listTree(ctx)
	if err != nil {
		f.logger.Warn("recursive tree listing failed, walking contents",
			"repo", f.repo.Identifier(), "error", err)
		paths, err = f.walkContents(ctx, f.repo.Directory)
		if err != nil {
			return nil, err
		}
	}

	kept := f.filter(paths)
	f.logger.Info("fetching repository files",
		"repo", f.repo.Identifier(),
		"branch", f.repo.Branch,
		"listed", len(paths),
		"kept", len(kept))

	files := make([]File, len(kept))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxParallel)
	for i, entry := range kept {
		g.Go(func() error {
			file, err := f.download(gctx, entry)
			if err != nil {
				return err
			}
			files[i] = file
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

type treeEntry struct {
	Path string
	SHA  string
	Size int64
}

// listTree fetches the full repository tree in one recursive API call.
func (f *Fetcher) listTree(ctx context.Context) ([]treeEntry, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1",
		f.apiBase, f.repo.Identifier(), url.PathEscape(f.repo.Branch))

	var resp struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
			Size int64  `json:"size"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	if err := f.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.Truncated {
		return nil, mimirerrors.Newf(mimirerrors.ErrCodeTransport,
			"tree listing for %s truncated", f.repo.Identifier())
	}

	entries := make([]treeEntry, 0, len(resp.Tree))
	for _, t := range resp.Tree {
		if t.Type != "blob" {
			continue
		}
		entries = append(entries, treeEntry{Path: t.Path, SHA: t.SHA, Size: t.Size})
		if len(entries) > maxTreeEntries {
			return nil, mimirerrors.Newf(mimirerrors.ErrCodeTransport,
				"tree listing for %s exceeds %d entries", f.repo.Identifier(), maxTreeEntries)
		}
	}
	return entries, nil
}

// walkContents recursively lists directories through the contents API.
// Slower than the tree call but immune to truncation.
func (f *Fetcher) walkContents(ctx context.Context, dir string) ([]treeEntry, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s",
		f.apiBase, f.repo.Identifier(), dir, url.QueryEscape(f.repo.Branch))

	var items []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
		Size int64  `json:"size"`
	}
	if err := f.getJSON(ctx, endpoint, &items); err != nil {
		return nil, err
	}

	var entries []treeEntry
	for _, item := range items {
		switch item.Type {
		case "file":
			entries = append(entries, treeEntry{Path: item.Path, SHA: item.SHA, Size: item.Size})
		case "dir":
			sub, err := f.walkContents(ctx, item.Path)
			if err != nil {
				return nil, err
			}
			entries = append(entries, sub...)
		}
	}
	return entries, nil
}

// filter applies the directory scope, extension predicates, exclude
// patterns and include directories.
func (f *Fetcher) filter(entries []treeEntry) []treeEntry {
	base := strings.Trim(f.repo.Directory, "/")
	var kept []treeEntry
	for _, entry := range entries {
		if base != "" && entry.Path != base && !strings.HasPrefix(entry.Path, base+"/") {
			continue
		}
		if !hasWantedExtension(entry.Path, f.repo.SourceType) {
			continue
		}
		if matchesAnyPattern(entry.Path, f.exclude) {
			continue
		}
		if !inIncludedDirectory(entry.Path, base, f.repo.IncludeDirectories) {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

func (f *Fetcher) download(ctx context.Context, entry treeEntry) (File, error) {
	rawBase := f.rawBase
	if rawBase == "" {
		rawBase = "https://raw.githubusercontent.com"
	}
	rawURL := fmt.Sprintf("%s/%s/%s/%s", rawBase, f.repo.Identifier(), f.repo.Branch, entry.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return File{}, mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "build download request")
	}
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return File{}, mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "download %s", entry.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return File{}, hostError(resp, "download %s: status %d", entry.Path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return File{}, mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "read %s", entry.Path)
	}

	return File{
		Path:         entry.Path,
		RelativePath: relativeTo(entry.Path, f.repo.Directory),
		Content:      string(body),
		SHA:          entry.SHA,
		Size:         entry.Size,
		SourceURL:    f.repo.BaseBlobURL() + entry.Path,
	}, nil
}

func (f *Fetcher) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "build listing request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeTransport, err, "list repository")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hostError(resp, "list %s: status %d", f.repo.Identifier(), resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeParse, err, "decode listing response")
	}
	return nil
}

// hostError builds a transport error, attaching the remaining rate-limit
// quota when the host throttled us.
func hostError(resp *http.Response, format string, args ...any) *mimirerrors.Error {
	err := mimirerrors.Newf(mimirerrors.ErrCodeTransport, format, args...)
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if remaining := resp.Header.Get("x-ratelimit-remaining"); remaining != "" {
			err = err.WithDetail("x-ratelimit-remaining", remaining)
		}
	}
	return err
}

func (f *Fetcher) authorize(req *http.Request) {
	if f.repo.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.repo.Token)
	}
}

func relativeTo(path, dir string) string {
	base := strings.Trim(dir, "/")
	if base == "" {
		return path
	}
	return strings.TrimPrefix(strings.TrimPrefix(path, base), "/")
}
