// Package store persists chunks in Postgres with pgvector embeddings and
// a generated tsvector column for lexical search. It is written against a
// Supabase direct connection but runs on any Postgres with the pgvector
// extension.
package store

// Chunk is one row to upsert. (Filepath, ChunkID) is the unique identity;
// Checksum is the content identity used by reconciliation.
type Chunk struct {
	Content        string
	ContextualText string
	Embedding      []float32
	Filepath       string
	ChunkID        int
	ChunkTitle     string
	Checksum       string
	GithubURL      string
	DocsURL        string
	FinalURL       string
	SourceType     string
	EntityType     string
	StartLine      int
	EndLine        int
}

// ExistingChunk is the stored location of a checksum, as returned by the
// reconciliation index. The same checksum may appear at several locations.
type ExistingChunk struct {
	ID         int64
	Filepath   string
	ChunkID    int
	Checksum   string
	SourceType string
	GithubURL  string
}

// Move relocates a stored row to a new (filepath, chunkId) target while
// keeping its embedding.
type Move struct {
	ID            int64
	NewFilepath   string
	NewChunkID    int
	NewSourceType string
	NewGithubURL  string
	NewFinalURL   string
	NewStartLine  int
	NewEndLine    int
}

// MoveResult reports the outcome of MoveChunksAtomic.
type MoveResult struct {
	Moved    int
	Stranded []int64
}

// Match is one retrieval hit from vector or full-text search.
type Match struct {
	ID             int64
	Filepath       string
	ChunkID        int
	ChunkTitle     string
	Content        string
	ContextualText string
	GithubURL      string
	DocsURL        string
	SourceType     string
	// Similarity is the cosine similarity from vector search; zero for
	// BM25-only hits.
	Similarity float64
	// BM25Rank is 1-based; zero when the row did not match lexically.
	BM25Rank int
}

// MovingPrefix marks rows parked at a temporary filepath during a move.
// A row still carrying it was stranded by a failed move.
const MovingPrefix = "__moving__"
