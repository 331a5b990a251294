// Package server exposes the HTTP surface: health, manual and webhook
// ingestion triggers, an OpenAI-compatible chat completion route, and a
// public retrieval route for MCP clients.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mimir-rag/mimir/internal/answer"
	"github.com/mimir-rag/mimir/internal/config"
	"github.com/mimir-rag/mimir/internal/reconcile"
	"github.com/mimir-rag/mimir/internal/retrieve"
	"github.com/mimir-rag/mimir/internal/store"
)

// Retriever runs hybrid search for a question.
type Retriever interface {
	Search(ctx context.Context, question string, opts retrieve.Options) ([]store.Match, error)
}

// Composer generates answers over retrieved chunks.
type Composer interface {
	Compose(ctx context.Context, question string, matches []store.Match, systemOverride string) (answer.Answer, error)
	ComposeStream(ctx context.Context, question string, matches []store.Match, systemOverride string, onSources func([]answer.Source) error, onDelta func(string) error) error
}

// Ingestor runs one full ingestion.
type Ingestor interface {
	Run(ctx context.Context) (reconcile.Stats, error)
}

// Server holds the HTTP handlers and the single-flight ingestion guard.
type Server struct {
	cfg       config.ServerConfig
	retriever Retriever
	composer  Composer
	ingestor  Ingestor
	logger    *slog.Logger

	storeStatus string

	mu   sync.Mutex
	busy bool
}

func New(cfg config.ServerConfig, retriever Retriever, composer Composer, ingestor Ingestor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		retriever: retriever,
		composer:  composer,
		ingestor:  ingestor,
		logger:    logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.POST("/webhook/github", s.handleWebhook)
	r.POST("/mcp/ask", s.handleAsk)

	authed := r.Group("/", s.requireAPIKey)
	authed.POST("/ingest", s.handleIngest)
	authed.POST("/v1/chat/completions", s.handleChatCompletions)

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", "port", s.cfg.Port)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requireAPIKey(c *gin.Context) {
	key := c.GetHeader("x-api-key")
	if key == "" {
		auth := c.GetHeader("Authorization")
		key = strings.TrimPrefix(auth, "Bearer ")
		if key == auth {
			key = ""
		}
	}
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"status":  "error",
			"message": "invalid or missing API key",
		})
		return
	}
	c.Next()
}

// SetStoreStatus records the startup verification result reported by the
// health route.
func (s *Server) SetStoreStatus(status string) {
	s.storeStatus = status
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	store := s.storeStatus
	if store == "" {
		store = "ok"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ingestionBusy": busy, "store": store})
}

// tryBeginIngest claims the single ingestion slot.
func (s *Server) tryBeginIngest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Server) endIngest() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Server) handleIngest(c *gin.Context) {
	if !s.tryBeginIngest() {
		c.JSON(http.StatusConflict, gin.H{
			"status":  "error",
			"message": "ingestion already running",
		})
		return
	}
	defer s.endIngest()

	start := time.Now()
	stats, err := s.ingestor.Run(c.Request.Context())
	if err != nil {
		s.logger.Error("ingestion failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"trigger":    "manual",
		"durationMs": time.Since(start).Milliseconds(),
		"stats":      stats,
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	if s.cfg.WebhookSecret == "" {
		c.JSON(http.StatusNotImplemented, gin.H{
			"status":  "error",
			"message": "webhook secret not configured",
		})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "unreadable body"})
		return
	}
	if !verifySignature(s.cfg.WebhookSecret, body, c.GetHeader("x-hub-signature-256")) {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid signature"})
		return
	}

	if c.GetHeader("X-GitHub-Event") == "ping" {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "pong"})
		return
	}

	if !s.tryBeginIngest() {
		c.JSON(http.StatusAccepted, gin.H{"status": "pending", "message": "ingestion already running"})
		return
	}

	go func() {
		defer s.endIngest()
		start := time.Now()
		stats, err := s.ingestor.Run(context.Background())
		if err != nil {
			s.logger.Error("webhook ingestion failed", "error", err)
			return
		}
		s.logger.Info("webhook ingestion complete",
			"durationMs", time.Since(start).Milliseconds(),
			"upserted", stats.UpsertedChunks,
			"moved", stats.MovedChunks,
			"deleted", stats.DeletedChunks)
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "message": "ingestion started"})
}

// verifySignature checks the GitHub HMAC-SHA256 signature over the raw
// request body.
func verifySignature(secret string, body []byte, header string) bool {
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type askRequest struct {
	Question            string   `json:"question"`
	MatchCount          int      `json:"matchCount"`
	SimilarityThreshold *float64 `json:"similarityThreshold"`
}

type askMatch struct {
	ChunkTitle   string  `json:"chunkTitle"`
	ChunkContent string  `json:"chunkContent"`
	Similarity   float64 `json:"similarity"`
	GithubURL    string  `json:"githubUrl"`
	DocsURL      string  `json:"docsUrl"`
}

// handleAsk is pure retrieval for MCP clients; no answer generation.
func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "question is required"})
		return
	}

	matches, err := s.retriever.Search(c.Request.Context(), req.Question, retrieveOptions(req.MatchCount, req.SimilarityThreshold))
	if err != nil {
		s.respondError(c, err)
		return
	}

	out := make([]askMatch, len(matches))
	for i, m := range matches {
		out[i] = askMatch{
			ChunkTitle:   m.ChunkTitle,
			ChunkContent: m.Content,
			Similarity:   m.Similarity,
			GithubURL:    m.GithubURL,
			DocsURL:      m.DocsURL,
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(out), "matches": out})
}

func retrieveOptions(matchCount int, threshold *float64) retrieve.Options {
	opts := retrieve.Options{MatchCount: matchCount, SimilarityThreshold: -1}
	if threshold != nil {
		opts.SimilarityThreshold = *threshold
	}
	return opts
}

func (s *Server) respondError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.Status(http.StatusRequestTimeout)
		return
	}
	s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
}
