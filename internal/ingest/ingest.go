// Package ingest orchestrates one ingestion run: fetch the configured
// repositories, chunk every file, and hand the desired state to the
// reconciler.
package ingest

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mimir-rag/mimir/internal/chunk"
	"github.com/mimir-rag/mimir/internal/config"
	"github.com/mimir-rag/mimir/internal/fetcher"
	"github.com/mimir-rag/mimir/internal/reconcile"
)

// Fetcher downloads the files of one repository scope.
type Fetcher interface {
	Fetch(ctx context.Context) ([]fetcher.File, error)
}

// Reconciler applies a desired state to the store.
type Reconciler interface {
	Run(ctx context.Context, docs []reconcile.Document, scope reconcile.Scope) (reconcile.Stats, error)
}

// Pipeline wires fetching, chunking and reconciliation together.
type Pipeline struct {
	repos      []config.RepoConfig
	reconciler Reconciler
	parser     chunk.Parser
	markdown   *chunk.MarkdownChunker
	code       *chunk.CodeChunker
	newFetcher func(repo config.RepoConfig) Fetcher
	logger     *slog.Logger
}

func New(cfg *config.Config, reconciler Reconciler, counter chunk.Counter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	excludes := cfg.ExcludePatternsWithDefaults()
	return &Pipeline{
		repos:      cfg.Repos,
		reconciler: reconciler,
		parser:     chunk.ASTParser{},
		markdown:   chunk.NewMarkdownChunker(cfg.Embedding.MaxInputTokens, counter),
		code:       chunk.NewCodeChunker(cfg.Embedding.MaxInputTokens, counter),
		newFetcher: func(repo config.RepoConfig) Fetcher {
			return fetcher.New(repo, excludes, fetcher.Options{Logger: logger})
		},
		logger: logger,
	}
}

// Run executes one full ingestion. Files are fetched concurrently per
// repository; document order stays stable over the configured repo order
// so classification is deterministic across runs.
func (p *Pipeline) Run(ctx context.Context) (reconcile.Stats, error) {
	fetched := make([][]fetcher.File, len(p.repos))
	g, gctx := errgroup.WithContext(ctx)
	for i, repo := range p.repos {
		g.Go(func() error {
			files, err := p.newFetcher(repo).Fetch(gctx)
			if err != nil {
				return err
			}
			fetched[i] = files
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reconcile.Stats{}, err
	}

	var docs []reconcile.Document
	skipped := 0
	for i, repo := range p.repos {
		for _, file := range fetched[i] {
			doc, ok := p.buildDocument(repo, file)
			if !ok {
				skipped++
				continue
			}
			docs = append(docs, doc)
		}
	}

	stats, err := p.reconciler.Run(ctx, docs, p.scope())
	stats.SkippedDocuments += skipped
	return stats, err
}

func (p *Pipeline) buildDocument(repo config.RepoConfig, file fetcher.File) (reconcile.Document, bool) {
	doc := reconcile.Document{
		Filepath:   file.RelativePath,
		Content:    file.Content,
		SourceType: chunk.SourceType(repo.SourceType),
		GithubURL:  file.SourceURL,
	}

	if repo.SourceType == config.SourceTypeCode {
		parsed, err := p.parser.Parse(file.RelativePath, file.Content)
		if err != nil {
			p.logger.Warn("skipping unparsable file",
				"filepath", file.RelativePath, "error", err)
			return reconcile.Document{}, false
		}
		doc.Chunks = p.code.Chunk(parsed, file.Content)
		return doc, true
	}

	doc.Chunks = p.markdown.Chunk(file.RelativePath, file.Content)
	return doc, true
}

func (p *Pipeline) scope() reconcile.Scope {
	var scope reconcile.Scope
	seen := make(map[string]struct{}, len(p.repos))
	for _, repo := range p.repos {
		base := repo.BaseBlobURL()
		if base == "" {
			continue
		}
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		scope.BaseBlobURLs = append(scope.BaseBlobURLs, base)
		scope.Identifiers = append(scope.Identifiers, repo.Identifier())
	}
	return scope
}
