package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/venia-ai/docsearch/internal/auth"
	"github.com/venia-ai/docsearch/internal/blob"
	"github.com/venia-ai/docsearch/internal/cache"
	"github.com/venia-ai/docsearch/internal/chat"
	"github.com/venia-ai/docsearch/internal/config"
	"github.com/venia-ai/docsearch/internal/embed"
	"github.com/venia-ai/docsearch/internal/ingest"
	"github.com/venia-ai/docsearch/internal/llm"
	"github.com/venia-ai/docsearch/internal/ocr"
	"github.com/venia-ai/docsearch/internal/query"
	"github.com/venia-ai/docsearch/internal/ratelimit"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/repository/postgres"
	"github.com/venia-ai/docsearch/internal/search"
	"github.com/venia-ai/docsearch/internal/server"
	"github.com/venia-ai/docsearch/internal/telemetry"
	"github.com/venia-ai/docsearch/internal/tenant"
	"github.com/venia-ai/docsearch/internal/vectorindex"
)

func main() {
	logLevel := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting document search service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	db, err := postgres.New(ctx, cfg.DatabaseURL, postgres.Config{
		MaxConns:       int32(cfg.DBMaxConns),
		MinConns:       int32(cfg.DBMinConns),
		ConnectTimeout: cfg.MetadataTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	tenantRepo := postgres.NewTenantRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	chunkRepo := postgres.NewChunkRepo(db)
	embeddingRepo := postgres.NewEmbeddingRepo(db)
	sessionRepo := postgres.NewSessionRepo(db)

	registry := tenant.NewRegistry(tenantRepo, logger)

	var backend cache.Backend
	if cfg.RedisAddr != "" {
		backend, err = cache.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		slog.Info("connected to Redis", "addr", cfg.RedisAddr)
	} else {
		backend = cache.NewMemoryBackend(cfg.CacheByteBudget, nil)
		slog.Info("using in-memory result cache", "budget_bytes", cfg.CacheByteBudget)
	}
	resultCache := cache.New(backend, cache.Config{
		SearchTTL: cfg.SearchCacheTTL,
		AnswerTTL: cfg.AnswerCacheTTL,
		Timeout:   cfg.CacheTimeout,
	}, logger)
	defer resultCache.Close()

	var blobs blob.Store
	switch cfg.BlobBackend {
	case "s3":
		blobs, err = blob.NewS3Store(ctx, cfg.BlobS3Bucket)
		if err != nil {
			return fmt.Errorf("failed to create S3 blob store: %w", err)
		}
		slog.Info("using S3 blob store", "bucket", cfg.BlobS3Bucket)
	default:
		blobs, err = blob.NewFSStore(cfg.BlobFSRoot)
		if err != nil {
			return fmt.Errorf("failed to create filesystem blob store: %w", err)
		}
		slog.Info("using filesystem blob store", "root", cfg.BlobFSRoot)
	}

	ocrEngine := ocr.NewHTTPEngine(ocr.HTTPConfig{
		BaseURL: cfg.OCRURL,
		Timeout: cfg.OCRTimeout,
	})

	var provider embed.Provider
	switch cfg.EmbedProvider {
	case "ollama":
		provider = embed.NewOllamaProvider(embed.OllamaConfig{
			BaseURL: cfg.EmbedURL,
			Model:   cfg.EmbedModel,
			Timeout: cfg.EmbedTimeout,
		})
	default:
		provider = embed.NewOpenAIProvider(embed.OpenAIConfig{
			BaseURL: cfg.EmbedURL,
			APIKey:  cfg.EmbedAPIKey,
			Model:   cfg.EmbedModel,
			Timeout: cfg.EmbedTimeout,
		})
	}
	embedSvc := embed.NewService(provider, embed.Config{
		BatchSize:  cfg.EmbedBatchSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, logger)
	slog.Info("initialized embedding provider",
		"provider", cfg.EmbedProvider, "model", cfg.EmbedModel)

	var model llm.LLM
	switch cfg.LLMProvider {
	case "ollama":
		model = llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: cfg.LLMURL,
			Model:   cfg.LLMModel,
			Timeout: cfg.LLMTimeout,
		})
	default:
		model = llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLMURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			Timeout: cfg.LLMTimeout,
		})
	}
	slog.Info("initialized completion model",
		"provider", cfg.LLMProvider, "model", cfg.LLMModel)

	index := vectorindex.NewManager(embeddingRepo, cfg.ExactSearch, logger)

	metricsReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(metricsReg)

	chunker := ingest.NewChunker(ingest.ChunkerConfig{
		ChunkSize:      cfg.ChunkSize,
		Overlap:        cfg.ChunkOverlap,
		PreserveLayout: true,
	})
	coordinator := ingest.NewCoordinator(
		documentRepo, chunkRepo, embeddingRepo, blobs,
		ocrEngine, chunker, embedSvc, index,
		telemetry.NewIngestObserver(metrics),
		ingest.CoordinatorConfig{
			MaxRetries:       cfg.MaxRetries,
			RetryDelay:       cfg.RetryDelay,
			MaxConcurrentOCR: int64(cfg.MaxConcurrentOCR),
			OCRTimeout:       cfg.OCRTimeout,
		}, nil, logger)

	queue := ingest.NewQueue(coordinator, ingest.QueueConfig{
		Workers:      cfg.Workers,
		Capacity:     cfg.QueueCapacity,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, nil, logger)
	queue.Start(ctx)
	metrics.RegisterQueueDepth(metricsReg, queue.Depth)

	ingestSvc := ingest.NewService(
		registry, tenantRepo, documentRepo, chunkRepo, embeddingRepo,
		blobs, queue, index,
		ingest.ServiceConfig{MaxFileSize: cfg.MaxFileSize, MaxRetries: cfg.MaxRetries},
		nil, logger)
	if err := ingestSvc.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover queued documents: %w", err)
	}

	limiter := ratelimit.New(nil, nil, logger)
	limiter.StartCleanup(ctx, time.Minute)

	searchEngine := search.NewEngine(
		registry, limiter, resultCache, embedSvc, index, chunkRepo, embeddingRepo,
		search.Config{
			DefaultTopK:      cfg.DefaultTopK,
			DefaultThreshold: cfg.DefaultThreshold,
		}, logger)

	orchestrator := query.NewOrchestrator(
		registry, limiter, resultCache, searchEngine, model,
		query.Config{
			Temperature:   cfg.LLMTemperature,
			MaxTokens:     cfg.LLMMaxTokens,
			ContextTokens: cfg.ContextWindow,
			HistoryChars:  cfg.HistoryWindow,
		}, logger)

	chatMgr := chat.NewManager(
		registry, limiter, sessionRepo, orchestrator,
		chat.Config{
			SessionTimeout:  cfg.SessionTimeout,
			HistoryMessages: cfg.HistoryMessages,
		}, nil, logger)
	chatMgr.StartExpiry(ctx, time.Minute)

	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtConfig.Expiry = cfg.JWTExpiry

	srv := server.New(server.Config{
		Port:           cfg.HTTPPort,
		MaxUploadBytes: cfg.MaxFileSize + (1 << 20), // room for multipart framing
	}, server.Deps{
		Documents: ingestSvc,
		Search:    searchEngine,
		Query:     orchestrator,
		Chat:      chatMgr,
		Index:     index,
		Auth:      auth.NewJWTManager(jwtConfig),
		Metrics:   metrics,
		Gatherer:  metricsReg,
		Ready:     func(ctx context.Context) error { return db.Pool.Ping(ctx) },
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to drain ingestion queue", "error", err)
	}

	slog.Info("service stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TenantRepository    = (*postgres.TenantRepo)(nil)
	_ repository.DocumentRepository  = (*postgres.DocumentRepo)(nil)
	_ repository.ChunkRepository     = (*postgres.ChunkRepo)(nil)
	_ repository.EmbeddingRepository = (*postgres.EmbeddingRepo)(nil)
	_ repository.SessionRepository   = (*postgres.SessionRepo)(nil)
	_ embed.Provider                 = (*embed.OpenAIProvider)(nil)
	_ embed.Provider                 = (*embed.OllamaProvider)(nil)
	_ llm.LLM                        = (*llm.OpenAIClient)(nil)
	_ llm.LLM                        = (*llm.OllamaClient)(nil)
)
