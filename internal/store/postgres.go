package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/mimir-rag/mimir/internal/config"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

const (
	// checksumBatchSize bounds the IN-list of one checksum lookup.
	checksumBatchSize = 50
	// orphanPageSize is the keyset pagination page for the orphan scan.
	orphanPageSize = 1000
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Postgres is the chunk store. All methods are safe for concurrent use.
type Postgres struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// New connects to the configured database and validates the table name.
// The pgvector types are registered on every pooled connection.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Postgres, error) {
	if !identPattern.MatchString(cfg.Table) {
		return nil, mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
			"invalid table name %q", cfg.Table)
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeConfigInvalid, err, "parse store URL")
	}
	if poolCfg.ConnConfig.Password == "" && cfg.ServiceRoleKey != "" {
		poolCfg.ConnConfig.Password = cfg.ServiceRoleKey
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "connect to store")
	}
	return &Postgres{pool: pool, table: cfg.Table, logger: logger}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// ident returns the sanitized table identifier for SQL interpolation.
func (s *Postgres) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// VerifyConnection pings the database and checks that the chunk table
// exists.
func (s *Postgres) VerifyConnection(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "ping store")
	}
	var reg *string
	err := s.pool.QueryRow(ctx, "SELECT to_regclass($1)::text", s.table).Scan(&reg)
	if err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "check table")
	}
	if reg == nil {
		return mimirerrors.Newf(mimirerrors.ErrCodeStoreMissing,
			"table %q does not exist; apply the schema first", s.table)
	}
	return nil
}

// FetchChunksByChecksums returns every stored row whose checksum is in the
// set, in batches of at most 50 checksums per query. Duplicate locations
// for the same checksum are all returned.
func (s *Postgres) FetchChunksByChecksums(ctx context.Context, checksums []string) ([]ExistingChunk, error) {
	var out []ExistingChunk
	for start := 0; start < len(checksums); start += checksumBatchSize {
		end := min(start+checksumBatchSize, len(checksums))
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			`SELECT id, filepath, chunk_id, checksum, source_type, COALESCE(github_url, '')
			 FROM %s WHERE checksum = ANY($1)`, s.ident()),
			checksums[start:end])
		if err != nil {
			return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "fetch by checksum")
		}
		batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ExistingChunk, error) {
			var c ExistingChunk
			err := row.Scan(&c.ID, &c.Filepath, &c.ChunkID, &c.Checksum, &c.SourceType, &c.GithubURL)
			return c, err
		})
		if err != nil {
			return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "scan checksum rows")
		}
		out = append(out, batch...)
	}
	return out, nil
}

// UpsertChunks inserts rows, replacing all non-identity columns on a
// (filepath, chunk_id) conflict.
func (s *Postgres) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s
			(content, contextual_text, embedding, filepath, chunk_id, chunk_title,
			 checksum, github_url, docs_url, final_url, source_type, entity_type,
			 start_line, end_line)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (filepath, chunk_id) DO UPDATE SET
			content = EXCLUDED.content,
			contextual_text = EXCLUDED.contextual_text,
			embedding = EXCLUDED.embedding,
			chunk_title = EXCLUDED.chunk_title,
			checksum = EXCLUDED.checksum,
			github_url = EXCLUDED.github_url,
			docs_url = EXCLUDED.docs_url,
			final_url = EXCLUDED.final_url,
			source_type = EXCLUDED.source_type,
			entity_type = EXCLUDED.entity_type,
			start_line = EXCLUDED.start_line,
			end_line = EXCLUDED.end_line,
			updated_at = now()`, s.ident())

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(sql,
			c.Content, c.ContextualText, pgvector.NewVector(c.Embedding),
			c.Filepath, c.ChunkID, c.ChunkTitle, c.Checksum,
			nullable(c.GithubURL), nullable(c.DocsURL), nullable(c.FinalURL),
			c.SourceType, nullable(c.EntityType),
			nullableInt(c.StartLine), nullableInt(c.EndLine))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "upsert chunks")
	}
	s.logger.Debug("upserted chunks", "count", len(chunks))
	return nil
}

// MoveChunksAtomic relocates rows in two phases inside one transaction.
// Phase one parks every source row at a unique temporary filepath, freeing
// all target keys. Phase two lands each row at its target unless the
// target is occupied by a row outside this batch, or an earlier move in
// the same batch already claimed it; such rows stay parked and are
// reported stranded.
func (s *Postgres) MoveChunksAtomic(ctx context.Context, moves []Move) (MoveResult, error) {
	var result MoveResult
	if len(moves) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "begin move")
	}
	defer tx.Rollback(ctx)

	park := &pgx.Batch{}
	for _, m := range moves {
		park.Queue(fmt.Sprintf(
			`UPDATE %s
			 SET filepath = $1, chunk_id = $2, source_type = $3,
			     github_url = $4, final_url = $5, start_line = $6, end_line = $7,
			     updated_at = now()
			 WHERE id = $8`, s.ident()),
			MovingPrefix+uuid.NewString(), m.NewChunkID, m.NewSourceType,
			nullable(m.NewGithubURL), nullable(m.NewFinalURL),
			nullableInt(m.NewStartLine), nullableInt(m.NewEndLine),
			m.ID)
	}
	if err := tx.SendBatch(ctx, park).Close(); err != nil {
		return result, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "park moving rows")
	}

	claimed := make(map[string]bool, len(moves))
	for _, m := range moves {
		target := fmt.Sprintf("%s:%d", m.NewFilepath, m.NewChunkID)
		if claimed[target] {
			result.Stranded = append(result.Stranded, m.ID)
			continue
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET filepath = $1
			 WHERE id = $2
			   AND NOT EXISTS (
			     SELECT 1 FROM %s occ
			     WHERE occ.filepath = $1 AND occ.chunk_id = $3 AND occ.id <> $2)`,
			s.ident(), s.ident()),
			m.NewFilepath, m.ID, m.NewChunkID)
		if err != nil {
			return result, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "land moved row")
		}
		if tag.RowsAffected() == 0 {
			result.Stranded = append(result.Stranded, m.ID)
			continue
		}
		claimed[target] = true
		result.Moved++
	}

	if err := tx.Commit(ctx); err != nil {
		return result, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "commit move")
	}
	if len(result.Stranded) > 0 {
		s.logger.Warn("moves left stranded rows",
			"moved", result.Moved, "stranded", len(result.Stranded))
	}
	return result, nil
}

// DeleteChunksByIDs removes rows by primary key.
func (s *Postgres) DeleteChunksByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.ident()), ids)
	if err != nil {
		return mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "delete chunks")
	}
	s.logger.Debug("deleted chunks", "count", len(ids))
	return nil
}

// FindOrphanedChunkIDs scans the table in pages of 1000 rows and returns
// rows inside the given repository blob URL prefixes whose normalized
// githubUrl is absent from activeGithubURLs or whose checksum is absent
// from the desired state. An empty repo scope or an empty desired state
// returns nothing; deleting everything is never inferred from an empty
// run.
func (s *Postgres) FindOrphanedChunkIDs(ctx context.Context, activeChecksums map[string]struct{}, repoBlobURLs []string, activeGithubURLs map[string]struct{}) ([]int64, error) {
	if len(activeChecksums) == 0 || len(repoBlobURLs) == 0 {
		return nil, nil
	}

	var orphans []int64
	lastID := int64(0)
	for {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			`SELECT id, checksum, COALESCE(github_url, '')
			 FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, s.ident()),
			lastID, orphanPageSize)
		if err != nil {
			return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "scan for orphans")
		}

		count := 0
		var scanErr error
		for rows.Next() {
			var (
				id        int64
				checksum  string
				githubURL string
			)
			if scanErr = rows.Scan(&id, &checksum, &githubURL); scanErr != nil {
				break
			}
			count++
			lastID = id
			if !hasPrefixAny(githubURL, repoBlobURLs) {
				continue
			}
			_, urlActive := activeGithubURLs[NormalizeGithubURL(githubURL)]
			_, checksumActive := activeChecksums[checksum]
			if !urlActive || !checksumActive {
				orphans = append(orphans, id)
			}
		}
		rows.Close()
		if scanErr != nil {
			return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, scanErr, "scan orphan row")
		}
		if err := rows.Err(); err != nil {
			return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "iterate orphan rows")
		}
		if count < orphanPageSize {
			return orphans, nil
		}
	}
}

// FindStrandedChunkIDs returns rows left parked at a temporary filepath by
// an interrupted move, skipping any whose checksum the current run still
// wants (the reconciler reclaims those as moves). A non-empty repoIDs set
// restricts the scan to rows whose githubUrl belongs to one of the
// "owner/repo" identifiers.
func (s *Postgres) FindStrandedChunkIDs(ctx context.Context, activeChecksums map[string]struct{}, repoIDs []string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, checksum, COALESCE(github_url, '')
		 FROM %s WHERE filepath LIKE $1`, s.ident()),
		MovingPrefix+"%")
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "find stranded rows")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var (
			id        int64
			checksum  string
			githubURL string
		)
		if err := rows.Scan(&id, &checksum, &githubURL); err != nil {
			return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "scan stranded row")
		}
		if _, active := activeChecksums[checksum]; active {
			continue
		}
		if len(repoIDs) > 0 && !githubURLInRepos(githubURL, repoIDs) {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "iterate stranded rows")
	}
	return ids, nil
}

// NormalizeGithubURL strips the #-fragment so line anchors never defeat
// URL comparison.
func NormalizeGithubURL(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		return u[:i]
	}
	return u
}

func githubURLInRepos(githubURL string, repoIDs []string) bool {
	for _, id := range repoIDs {
		if id != "" && strings.Contains(githubURL, "/"+id+"/blob/") {
			return true
		}
	}
	return false
}

// MatchDocuments runs cosine similarity search through the match_docs
// stored function.
func (s *Postgres) MatchDocuments(ctx context.Context, embedding []float32, matchCount int, threshold float64) ([]Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, filepath, chunk_id, chunk_title, content, contextual_text,
		        github_url, docs_url, source_type, similarity
		 FROM match_docs($1, $2, $3)`,
		pgvector.NewVector(embedding), matchCount, threshold)
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "vector search")
	}
	return collectMatches(rows, true)
}

// SearchFullText runs lexical search through the match_docs_bm25 stored
// function. Ranks are assigned 1-based in result order.
func (s *Postgres) SearchFullText(ctx context.Context, query string, matchCount int) ([]Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, filepath, chunk_id, chunk_title, content, contextual_text,
		        github_url, docs_url, source_type, rank
		 FROM match_docs_bm25($1, $2)`,
		query, matchCount)
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "full-text search")
	}
	matches, err := collectMatches(rows, false)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].BM25Rank = i + 1
	}
	return matches, nil
}

func collectMatches(rows pgx.Rows, vector bool) ([]Match, error) {
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var (
			m         Match
			githubURL *string
			docsURL   *string
			score     float64
		)
		err := row.Scan(&m.ID, &m.Filepath, &m.ChunkID, &m.ChunkTitle,
			&m.Content, &m.ContextualText, &githubURL, &docsURL, &m.SourceType, &score)
		if err != nil {
			return m, err
		}
		if githubURL != nil {
			m.GithubURL = *githubURL
		}
		if docsURL != nil {
			m.DocsURL = *docsURL
		}
		if vector {
			m.Similarity = score
		}
		return m, nil
	})
	if err != nil {
		return nil, mimirerrors.Wrapf(mimirerrors.ErrCodeStore, err, "scan matches")
	}
	return matches, nil
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
