package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/joho/godotenv"

	"github.com/lival-edu/tutorhub/internal/animate"
	"github.com/lival-edu/tutorhub/internal/auth"
	"github.com/lival-edu/tutorhub/internal/cache"
	"github.com/lival-edu/tutorhub/internal/chat"
	"github.com/lival-edu/tutorhub/internal/config"
	"github.com/lival-edu/tutorhub/internal/media"
	"github.com/lival-edu/tutorhub/internal/ratelimit"
	"github.com/lival-edu/tutorhub/internal/report"
	"github.com/lival-edu/tutorhub/internal/server"
	"github.com/lival-edu/tutorhub/internal/storage"
	"github.com/lival-edu/tutorhub/internal/stream"
	"github.com/lival-edu/tutorhub/internal/telemetry"
	"github.com/lival-edu/tutorhub/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TUTORHUB_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tutorhub starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres (thread/message truth).
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Open the local snapshot cache (SQLite; in-memory when no path is set).
	snapshots, err := cache.Open(cfg.CachePath, logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() { _ = snapshots.Close() }()

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Attachment uploads (optional — disabled when no bucket is configured).
	var uploader chat.Uploader
	if cfg.MediaBucket != "" {
		gcsClient, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs: %w", err)
		}
		defer func() { _ = gcsClient.Close() }()
		uploader = media.NewUploader(media.NewGCSBucket(gcsClient, cfg.MediaBucket), logger)
		logger.Info("media uploads: enabled", "bucket", cfg.MediaBucket)
	} else {
		logger.Info("media uploads: disabled (no TUTORHUB_MEDIA_BUCKET)")
	}

	// OCR client, used only on the fallback path (optional).
	var ocr chat.TextRecognizer
	if cfg.OCRURL != "" {
		ocr = media.NewOCRClient(cfg.OCRURL, cfg.OCRTimeout)
		logger.Info("ocr: enabled", "url", cfg.OCRURL)
	} else {
		logger.Info("ocr: disabled (no TUTORHUB_OCR_URL)")
	}

	// Model endpoints: streaming primary, unary fallback (optional).
	streamer := stream.NewClient(cfg.StreamURL, cfg.StreamTimeout)
	var fallback chat.FallbackCompleter
	if cfg.FallbackURL != "" {
		fallback = stream.NewFallbackClient(cfg.FallbackURL, cfg.FallbackTimeout)
		logger.Info("fallback: enabled", "url", cfg.FallbackURL)
	} else {
		logger.Info("fallback: disabled (no TUTORHUB_FALLBACK_URL)")
	}

	animator := animate.New(animate.DefaultChunkRunes, animate.DefaultInterval)

	chatSvc := chat.New(db, snapshots, uploader, ocr, streamer, fallback, animator,
		cfg.ContextWindow, cfg.ThreadPageSize, cfg.MessagePageSize, logger)

	// Report engines. The engine is a pure request parameter: an engine that
	// isn't configured is simply unknown at request time, never a failover.
	var openaiEngine, ollamaEngine report.Engine
	if cfg.OpenAIAPIKey != "" {
		openaiEngine = report.NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		logger.Info("report engine: openai", "model", cfg.OpenAIModel)
	} else {
		logger.Info("report engine: openai disabled (no OPENAI_API_KEY)")
	}
	if cfg.OllamaURL != "" {
		ollamaEngine = report.NewOllamaEngine(cfg.OllamaURL, cfg.OllamaModel)
		logger.Info("report engine: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
	}
	reportGen := report.NewGenerator(db, snapshots, openaiEngine, ollamaEngine, cfg.MessagePageSize, logger)

	// SSE broker (requires the dedicated LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Per-user send/report rate limiter.
	var limiter ratelimit.Limiter
	if cfg.SendRatePerMinute > 0 {
		memLimiter := ratelimit.NewPerMinute(cfg.SendRatePerMinute)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (per-user token bucket)", "per_minute", cfg.SendRatePerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		ChatSvc:             chatSvc,
		ReportSvc:           reportGen,
		Limiter:             limiter,
		Broker:              broker,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("tutorhub shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("tutorhub stopped")
	return nil
}
