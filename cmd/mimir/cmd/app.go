package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mimir-rag/mimir/internal/answer"
	"github.com/mimir-rag/mimir/internal/chunk"
	"github.com/mimir-rag/mimir/internal/config"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
	"github.com/mimir-rag/mimir/internal/ingest"
	"github.com/mimir-rag/mimir/internal/llm"
	"github.com/mimir-rag/mimir/internal/logging"
	"github.com/mimir-rag/mimir/internal/reconcile"
	"github.com/mimir-rag/mimir/internal/retrieve"
	"github.com/mimir-rag/mimir/internal/server"
	"github.com/mimir-rag/mimir/internal/store"
)

// app is the fully wired runtime shared by serve, ingest and ask.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Postgres
	pipeline  *ingest.Pipeline
	retriever *retrieve.Retriever
	composer  *answer.Composer
	server    *server.Server

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp loads configuration and constructs the pipeline, retriever and
// HTTP server around one store connection. serving enables file logging
// and tolerates a missing schema so the server can come up before the
// store is provisioned.
func buildApp(ctx context.Context, serving bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logCfg := logging.Config{Level: cfg.LogLevel, WriteToStderr: true}
	if serving {
		logCfg = logging.DefaultConfig()
		logCfg.Level = cfg.LogLevel
	}
	logger, logCleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, logCleanup)

	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	storeStatus := "ok"
	if err := st.VerifyConnection(ctx); err != nil {
		if !serving || !errors.Is(err, &mimirerrors.Error{Code: mimirerrors.ErrCodeStoreMissing}) {
			a.Close()
			return nil, err
		}
		logger.Warn("store schema missing, serving degraded", "error", err)
		storeStatus = "schema missing"
	}

	counter := chunk.NewTokenCounter(cfg.Embedding.Model)

	embProvider, err := llm.NewEmbeddingProvider(cfg.Embedding, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	embScheduler := llm.NewScheduler("embedding", cfg.Embedding.Limits, llm.SchedulerOptions{Logger: logger})
	a.closers = append(a.closers, embScheduler.Close)
	embedder := llm.NewEmbedder(embProvider, embScheduler, cfg.Embedding.Limits.BatchSize, counter, logger)

	chatProvider, err := llm.NewChatProvider(cfg.Chat, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	chatScheduler := llm.NewScheduler("chat", cfg.Chat.Limits, llm.SchedulerOptions{Logger: logger})
	a.closers = append(a.closers, chatScheduler.Close)
	chat := llm.NewChat(chatProvider, chatScheduler, counter, cfg.Chat.Temperature, cfg.Chat.MaxOutputTokens, logger)

	reconciler := reconcile.New(st, chat, embedder, logger)
	a.pipeline = ingest.New(cfg, reconciler, counter, logger)
	a.retriever = retrieve.New(st, embedder, cfg.Retrieval, logger)
	a.composer = answer.New(chat, logger)
	a.server = server.New(cfg.Server, a.retriever, a.composer, a.pipeline, logger)
	a.server.SetStoreStatus(storeStatus)

	return a, nil
}
