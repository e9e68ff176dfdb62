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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/config"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/handler"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/pkg/logger"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/service"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "contractshield",
		Short:         "Contract review backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	})
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		return nil, err
	}
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Info("configuration loaded successfully", "path", path)
	return cfg, nil
}

func runMigrate(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "sqlite" {
		return fmt.Errorf("migrate needs store.driver sqlite, got %q", cfg.Store.Driver)
	}
	store, err := service.OpenSQLite(cfg.Store.Path)
	if err != nil {
		slog.Error("migration failed", "error", err)
		return err
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	slog.Info("schema is up to date", "path", store.Path(), "version", version)
	return nil
}

func openRepository(cfg *config.StoreConfig) (service.Repository, error) {
	if cfg.Driver == "sqlite" {
		return service.OpenSQLite(cfg.Path)
	}
	return service.NewMemoryStore(cfg.MaxTasks), nil
}

func openObjectStore(ctx context.Context, cfg *config.MinioConfig) (service.ObjectStore, error) {
	if cfg.Endpoint == "" {
		slog.Warn("no MINIO endpoint configured, storing uploads on disk; OCR is unavailable", "dir", cfg.LocalDir)
		return service.NewLocalObjectStore(cfg.LocalDir)
	}
	minioSvc, err := service.NewMinioService(cfg)
	if err != nil {
		return nil, err
	}
	if err := minioSvc.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure MINIO bucket: %w", err)
	}
	return minioSvc, nil
}

func runServe(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	repo, err := openRepository(&cfg.Store)
	if err != nil {
		slog.Error("failed to open task store", "driver", cfg.Store.Driver, "error", err)
		return err
	}
	defer repo.Close()

	objects, err := openObjectStore(ctx, &cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize object storage", "error", err)
		return err
	}

	mineruSvc := service.NewMineruService(&cfg.Mineru)
	llm := service.NewOpenRouterClient(&cfg.LLM)
	if !llm.Enabled() {
		slog.Warn("no LLM API key configured, entity extraction falls back to patterns and reviews will fail")
	}

	pool := service.NewWorkerPool(cfg.Review.Workers, cfg.Review.QueueSize)
	reviews := service.NewReviewService(service.ReviewDeps{
		Repo:            repo,
		Objects:         objects,
		Extractor:       service.NewDocumentExtractor(objects, mineruSvc),
		Entities:        service.NewLLMEntityExtractor(llm),
		Analyzer:        service.NewLLMRiskAnalyzer(llm, cfg.LLM.MaxChars),
		Notifier:        service.NewNotifier(),
		Pool:            pool,
		AnalysisTimeout: cfg.Review.AnalysisTimeout,
	})

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     handler.NewRouter(cfg, reviews, mineruSvc),
		ReadTimeout: 60 * time.Second,
		// Uploads wait for extraction, which may include an OCR round trip.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port, "store", cfg.Store.Driver, "workers", cfg.Review.Workers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server...", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			slog.Error("failed to start server", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Review.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	// Reviews in flight finish before the store is closed.
	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Error("review jobs did not finish before shutdown deadline, cancelling", "error", err, "active", pool.Active())
		// Cancelled jobs still mark their tasks failed; the deferred
		// repo.Close must not run under those writes.
		<-pool.Done()
		return err
	}

	slog.Info("server exited gracefully", "reviews_completed", pool.Completed(), "reviews_panicked", pool.Panicked())
	return nil
}
