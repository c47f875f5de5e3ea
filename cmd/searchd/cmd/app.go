package cmd

import (
	"context"
	"log/slog"

	"github.com/connexus-ai/searchd/internal/chunk"
	"github.com/connexus-ai/searchd/internal/config"
	"github.com/connexus-ai/searchd/internal/embed"
	"github.com/connexus-ai/searchd/internal/enrich"
	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/llm"
	"github.com/connexus-ai/searchd/internal/logging"
	"github.com/connexus-ai/searchd/internal/pipeline"
	"github.com/connexus-ai/searchd/internal/search"
	"github.com/connexus-ai/searchd/internal/store"
	"github.com/connexus-ai/searchd/internal/tenant"
)

// app holds the wired service graph behind every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	st       *store.Postgres
	embedder embed.Embedder
	llm      llm.Client
	sink     *tenant.DenialSink
	tenants  *tenant.Manager
	searcher *search.Service
	pipe     *pipeline.Pipeline

	logCleanup func()
}

// newApp loads configuration and connects every collaborator.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: cfg.Logging.FilePath == "",
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	st, err := store.NewPostgres(ctx, cfg.Database, logger)
	if err != nil {
		logCleanup()
		return nil, err
	}

	var embedder embed.Embedder = embed.NewOllama(cfg.Embeddings, logger)
	if cfg.Embeddings.CacheSize > 0 {
		cached, err := embed.NewCached(embedder, cfg.Embeddings.CacheSize)
		if err != nil {
			st.Close()
			logCleanup()
			return nil, err
		}
		embedder = cached
	}

	client := llm.NewOllama(cfg.LLM, logger)

	sink := tenant.NewDenialSink(st, cfg.DenialLog.BufferSize, logger)
	params := hnsw.Params{
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		Seed:           cfg.Index.Seed,
	}
	tenants := tenant.NewManager(st, params, sink, cfg.Persistence.Dir, logger)
	searcher := search.NewService(tenants, embedder, st, logger)

	chunker := chunk.New(client, cfg.Chunking, logger)
	contexts := enrich.NewContextGenerator(client, logger)
	metadata := enrich.NewMetadataExtractor(client, logger)
	pipe := pipeline.New(st, embedder, chunker, contexts, metadata, tenants, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		st:         st,
		embedder:   embedder,
		llm:        client,
		sink:       sink,
		tenants:    tenants,
		searcher:   searcher,
		pipe:       pipe,
		logCleanup: logCleanup,
	}, nil
}

// Close releases the app's resources in dependency order.
func (a *app) Close() {
	a.sink.Close()
	a.st.Close()
	a.logCleanup()
}
