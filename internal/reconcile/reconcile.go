// Package reconcile implements the incremental ingestion diff engine. A
// run recomputes the desired chunk state from the fetched repositories,
// classifies every desired chunk against the rows already stored as
// unchanged, moved or new, applies moves before deletes and inserts, and
// deletes orphans scoped to the configured repositories. Re-running after
// any partial failure converges to the same state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mimir-rag/mimir/internal/chunk"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
	"github.com/mimir-rag/mimir/internal/fingerprint"
	"github.com/mimir-rag/mimir/internal/store"
)

// Store is the slice of the chunk store the reconciler needs.
type Store interface {
	FetchChunksByChecksums(ctx context.Context, checksums []string) ([]store.ExistingChunk, error)
	UpsertChunks(ctx context.Context, chunks []store.Chunk) error
	MoveChunksAtomic(ctx context.Context, moves []store.Move) (store.MoveResult, error)
	DeleteChunksByIDs(ctx context.Context, ids []int64) error
	FindOrphanedChunkIDs(ctx context.Context, activeChecksums map[string]struct{}, repoBlobURLs []string, activeGithubURLs map[string]struct{}) ([]int64, error)
	FindStrandedChunkIDs(ctx context.Context, activeChecksums map[string]struct{}, repoIDs []string) ([]int64, error)
}

// ContextGenerator produces the LLM retrieval contexts for new chunks.
type ContextGenerator interface {
	GenerateEntityContexts(ctx context.Context, entities []chunk.Entity, fileContent, filepath string) ([]string, error)
	GenerateFileChunkContexts(ctx context.Context, chunks []chunk.Chunk, fileContent string) ([]string, error)
}

// Embedder embeds the contextual texts of new chunks.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Document is one fetched, chunked file.
type Document struct {
	// Filepath is the chunk filepath identity (repository-relative).
	Filepath string
	Content  string
	// SourceType is doc or code.
	SourceType chunk.SourceType
	// GithubURL is the blob URL of the file, without fragment.
	GithubURL string
	DocsURL   string
	Chunks    []chunk.Chunk
}

// Scope restricts orphan deletion to the configured repositories.
type Scope struct {
	// BaseBlobURLs are "https://<host>/<owner>/<repo>/blob/<branch>/"
	// prefixes.
	BaseBlobURLs []string
	// Identifiers are "owner/repo" strings.
	Identifiers []string
}

// Stats summarizes one run.
type Stats struct {
	ProcessedDocuments int `json:"processedDocuments"`
	SkippedDocuments   int `json:"skippedDocuments"`
	UpsertedChunks     int `json:"upsertedChunks"`
	MovedChunks        int `json:"movedChunks"`
	DeletedChunks      int `json:"deletedChunks"`
	UnchangedChunks    int `json:"unchangedChunks"`
}

// Reconciler drives one ingestion run against the store.
type Reconciler struct {
	store    Store
	contexts ContextGenerator
	embedder Embedder
	logger   *slog.Logger
}

func New(st Store, contexts ContextGenerator, embedder Embedder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, contexts: contexts, embedder: embedder, logger: logger}
}

// target is one desired chunk location.
type target struct {
	doc       *Document
	chunk     chunk.Chunk
	githubURL string
	finalURL  string
}

// classification of one target after matching against existing rows.
type classification struct {
	target *target
	// existingID is set for unchanged and moved targets.
	existingID int64
	kind       kind
}

type kind int

const (
	kindUnchanged kind = iota
	kindMoved
	kindNew
)

// Run reconciles the desired state derived from docs against the store.
// On error the returned stats reflect the work completed so far; moves
// and deletes are not rolled back, the next run converges.
func (r *Reconciler) Run(ctx context.Context, docs []Document, scope Scope) (Stats, error) {
	stats := Stats{ProcessedDocuments: len(docs)}

	targets := buildTargets(docs)
	if len(targets) == 0 {
		r.logger.Info("nothing to reconcile")
		return stats, nil
	}

	existing, err := r.fetchExisting(ctx, targets)
	if err != nil {
		return stats, err
	}

	classified := r.classify(targets, existing)

	var moves []store.Move
	var pending []*target
	for _, c := range classified {
		switch c.kind {
		case kindUnchanged:
			stats.UnchangedChunks++
		case kindMoved:
			ch := c.target.chunk
			moves = append(moves, store.Move{
				ID:            c.existingID,
				NewFilepath:   ch.Filepath,
				NewChunkID:    ch.ChunkID,
				NewSourceType: string(ch.SourceType),
				NewGithubURL:  c.target.githubURL,
				NewFinalURL:   c.target.finalURL,
				NewStartLine:  ch.StartLine,
				NewEndLine:    ch.EndLine,
			})
		case kindNew:
			pending = append(pending, c.target)
		}
	}

	// Moves land before deletes and inserts so renamed content is never
	// re-embedded or double-deleted.
	if len(moves) > 0 {
		result, err := r.store.MoveChunksAtomic(ctx, moves)
		stats.MovedChunks += result.Moved
		if err != nil {
			return stats, err
		}
	}

	deleted, err := r.deleteOrphans(ctx, targets, scope)
	stats.DeletedChunks += deleted
	if err != nil {
		return stats, err
	}

	upserted, err := r.createChunks(ctx, pending)
	stats.UpsertedChunks += upserted
	if err != nil {
		return stats, err
	}

	r.logger.Info("reconciliation complete",
		"documents", stats.ProcessedDocuments,
		"upserted", stats.UpsertedChunks,
		"moved", stats.MovedChunks,
		"deleted", stats.DeletedChunks,
		"unchanged", stats.UnchangedChunks)
	return stats, nil
}

// buildTargets flattens docs into desired chunk locations in a stable
// order: document order, then chunk order. The order fixes a canonical
// assignment when identical content appears in several places.
func buildTargets(docs []Document) []*target {
	var targets []*target
	for i := range docs {
		doc := &docs[i]
		for _, ch := range doc.Chunks {
			githubURL := chunkGithubURL(doc.GithubURL, ch)
			targets = append(targets, &target{
				doc:       doc,
				chunk:     ch,
				githubURL: githubURL,
				finalURL:  finalURL(doc, ch, githubURL),
			})
		}
	}
	return targets
}

// finalURL resolves the persisted canonical link at ingestion time: the
// docs site for doc chunks, otherwise the (line-anchored) blob URL, with
// the filepath as last resort.
func finalURL(doc *Document, ch chunk.Chunk, githubURL string) string {
	if ch.SourceType == chunk.SourceTypeDoc && doc.DocsURL != "" {
		return doc.DocsURL
	}
	if githubURL != "" {
		return githubURL
	}
	return ch.Filepath
}

// chunkGithubURL anchors code chunks to their line range.
func chunkGithubURL(blobURL string, ch chunk.Chunk) string {
	if blobURL == "" {
		return ""
	}
	if ch.SourceType != chunk.SourceTypeCode || ch.StartLine <= 0 {
		return blobURL
	}
	if ch.EndLine > ch.StartLine {
		return fmt.Sprintf("%s#L%d-L%d", blobURL, ch.StartLine, ch.EndLine)
	}
	return fmt.Sprintf("%s#L%d", blobURL, ch.StartLine)
}

func (r *Reconciler) fetchExisting(ctx context.Context, targets []*target) (map[string][]store.ExistingChunk, error) {
	seen := make(map[string]struct{}, len(targets))
	var checksums []string
	for _, t := range targets {
		if _, ok := seen[t.chunk.Checksum]; ok {
			continue
		}
		seen[t.chunk.Checksum] = struct{}{}
		checksums = append(checksums, t.chunk.Checksum)
	}

	rows, err := r.store.FetchChunksByChecksums(ctx, checksums)
	if err != nil {
		return nil, err
	}
	existing := make(map[string][]store.ExistingChunk)
	for _, row := range rows {
		existing[row.Checksum] = append(existing[row.Checksum], row)
	}
	return existing, nil
}

// classify matches each target against the existing rows sharing its
// checksum. Each existing row is assigned to at most one target; each
// (filepath, chunkId, sourceType) location is claimed at most once.
func (r *Reconciler) classify(targets []*target, existing map[string][]store.ExistingChunk) []classification {
	assigned := make(map[int64]struct{})
	claimed := make(map[string]struct{})

	var out []classification
	for _, t := range targets {
		ch := t.chunk
		locKey := fingerprint.LocationKey(ch.Filepath, ch.ChunkID, string(ch.SourceType))
		if _, dup := claimed[locKey]; dup {
			r.logger.Warn("duplicate chunk target dropped",
				"filepath", ch.Filepath, "chunk_id", ch.ChunkID)
			continue
		}
		claimed[locKey] = struct{}{}

		candidates := existing[ch.Checksum]

		// Already in place?
		if row, ok := findInPlace(candidates, ch, assigned); ok {
			assigned[row.ID] = struct{}{}
			if row.SourceType == string(ch.SourceType) {
				out = append(out, classification{target: t, existingID: row.ID, kind: kindUnchanged})
			} else {
				// Same location, legacy sourceType spelling: rewrite metadata.
				out = append(out, classification{target: t, existingID: row.ID, kind: kindMoved})
			}
			continue
		}

		// Reuse a row elsewhere: stranded rows first, then any free row.
		if row, ok := findReusable(candidates, assigned); ok {
			assigned[row.ID] = struct{}{}
			out = append(out, classification{target: t, existingID: row.ID, kind: kindMoved})
			continue
		}

		out = append(out, classification{target: t, kind: kindNew})
	}
	return out
}

func findInPlace(candidates []store.ExistingChunk, ch chunk.Chunk, assigned map[int64]struct{}) (store.ExistingChunk, bool) {
	for _, row := range candidates {
		if _, taken := assigned[row.ID]; taken {
			continue
		}
		if row.Filepath == ch.Filepath && row.ChunkID == ch.ChunkID &&
			chunk.NormalizeSourceType(row.SourceType) == chunk.NormalizeSourceType(string(ch.SourceType)) {
			return row, true
		}
	}
	return store.ExistingChunk{}, false
}

func findReusable(candidates []store.ExistingChunk, assigned map[int64]struct{}) (store.ExistingChunk, bool) {
	var fallback *store.ExistingChunk
	for i, row := range candidates {
		if _, taken := assigned[row.ID]; taken {
			continue
		}
		if strings.HasPrefix(row.Filepath, store.MovingPrefix) {
			return row, true
		}
		if fallback == nil {
			fallback = &candidates[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return store.ExistingChunk{}, false
}

// deleteOrphans removes rows in scope that the desired state no longer
// wants, plus dead stranded rows. With no repo scope nothing is deleted.
func (r *Reconciler) deleteOrphans(ctx context.Context, targets []*target, scope Scope) (int, error) {
	if len(scope.BaseBlobURLs) == 0 {
		r.logger.Warn("no repository scope configured, skipping orphan deletion")
		return 0, nil
	}

	activeChecksums := make(map[string]struct{}, len(targets))
	activeURLs := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		activeChecksums[t.chunk.Checksum] = struct{}{}
		if t.githubURL != "" {
			activeURLs[store.NormalizeGithubURL(t.githubURL)] = struct{}{}
		}
	}

	orphans, err := r.store.FindOrphanedChunkIDs(ctx, activeChecksums, scope.BaseBlobURLs, activeURLs)
	if err != nil {
		return 0, err
	}
	stranded, err := r.store.FindStrandedChunkIDs(ctx, activeChecksums, scope.Identifiers)
	if err != nil {
		return 0, err
	}

	seen := make(map[int64]struct{}, len(orphans)+len(stranded))
	var ids []int64
	for _, id := range append(orphans, stranded...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.store.DeleteChunksByIDs(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// createChunks generates contexts per file, embeds all contextual texts
// in one ordered pass, and upserts the finished rows in a single call.
func (r *Reconciler) createChunks(ctx context.Context, pending []*target) (int, error) {
	if len(pending) == 0 {
		return 0, nil
	}

	contextualTexts := make([]string, len(pending))

	// Group by document, keeping each target's position in pending.
	groups := make(map[*Document][]int)
	var order []*Document
	for i, t := range pending {
		if _, ok := groups[t.doc]; !ok {
			order = append(order, t.doc)
		}
		groups[t.doc] = append(groups[t.doc], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, doc := range order {
		indices := groups[doc]
		g.Go(func() error {
			contexts, err := r.generateContexts(gctx, doc, indices, pending)
			if err != nil {
				return err
			}
			for j, idx := range indices {
				contextualTexts[idx] = composeContextualText(doc.SourceType, contexts[j], pending[idx].chunk.Content)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	embeddings, err := r.embedder.EmbedDocuments(ctx, contextualTexts)
	if err != nil {
		return 0, err
	}
	if len(embeddings) != len(pending) {
		return 0, mimirerrors.Newf(mimirerrors.ErrCodeInvariant,
			"embedding count %d does not match pending chunk count %d",
			len(embeddings), len(pending))
	}

	rows := make([]store.Chunk, len(pending))
	for i, t := range pending {
		ch := t.chunk
		rows[i] = store.Chunk{
			Content:        ch.Content,
			ContextualText: contextualTexts[i],
			Embedding:      embeddings[i],
			Filepath:       ch.Filepath,
			ChunkID:        ch.ChunkID,
			ChunkTitle:     ch.ChunkTitle,
			Checksum:       ch.Checksum,
			GithubURL:      t.githubURL,
			DocsURL:        t.doc.DocsURL,
			FinalURL:       t.finalURL,
			SourceType:     string(ch.SourceType),
			EntityType:     ch.EntityType,
			StartLine:      ch.StartLine,
			EndLine:        ch.EndLine,
		}
	}
	if err := r.store.UpsertChunks(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *Reconciler) generateContexts(ctx context.Context, doc *Document, indices []int, pending []*target) ([]string, error) {
	if doc.SourceType == chunk.SourceTypeCode {
		entities := make([]chunk.Entity, len(indices))
		for j, idx := range indices {
			ch := pending[idx].chunk
			entities[j] = chunk.Entity{
				QualifiedName: ch.ChunkTitle,
				EntityType:    ch.EntityType,
				StartLine:     ch.StartLine,
				EndLine:       ch.EndLine,
			}
		}
		return r.contexts.GenerateEntityContexts(ctx, entities, doc.Content, doc.Filepath)
	}

	chunks := make([]chunk.Chunk, len(indices))
	for j, idx := range indices {
		chunks[j] = pending[idx].chunk
	}
	return r.contexts.GenerateFileChunkContexts(ctx, chunks, doc.Content)
}

// composeContextualText builds the embedded string. Doc chunks join
// context and content with a bare separator; code chunks put the
// separator on its own line. Empty context embeds the content alone.
func composeContextualText(sourceType chunk.SourceType, context, content string) string {
	if strings.TrimSpace(context) == "" {
		return content
	}
	if sourceType == chunk.SourceTypeCode {
		return context + "\n---\n" + content
	}
	return context + "---" + content
}
