// Package main provides the entry point for the audiobook conversion server.
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

	"github.com/tigger04/make-audiobook/internal/catalog"
	"github.com/tigger04/make-audiobook/internal/config"
	"github.com/tigger04/make-audiobook/internal/download"
	"github.com/tigger04/make-audiobook/internal/job"
	"github.com/tigger04/make-audiobook/internal/pipeline"
	"github.com/tigger04/make-audiobook/internal/server"
	"github.com/tigger04/make-audiobook/internal/storage"
	"github.com/tigger04/make-audiobook/internal/voice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting audiobook service",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("voices_dir", cfg.VoicesDir),
		slog.String("cache_dir", cfg.CacheDir),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	// Initialize voice catalog access
	fetcher, err := catalog.NewFetcher(cfg.CatalogURL, cfg.CacheDir,
		catalog.WithTTL(cfg.CatalogTTL),
		catalog.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create catalog fetcher: %w", err)
	}

	store := voice.NewStore(cfg.VoicesDir)

	downloader, err := download.New(cfg.DownloadBaseURL, cfg.VoicesDir,
		download.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create downloader: %w", err)
	}

	// Initialize conversion pipeline
	invoker := pipeline.NewInvoker(cfg.PiperPath, cfg.FFmpegPath, cfg.TempDir,
		pipeline.WithEbookConvertPath(cfg.EbookConvertPath),
		pipeline.WithLogger(logger),
	)

	// Initialize job repository
	repo := job.NewMemoryRepository()

	// Initialize ConvertService, archiving finished audiobooks to S3 or a
	// local library directory when configured
	serviceOpts := []job.ServiceOption{job.WithLogger(logger)}
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(context.Background(), storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("create S3 storage: %w", err)
		}
		serviceOpts = append(serviceOpts, job.WithUploader(s3Store))
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
	} else if cfg.LibraryDir != "" {
		localStore, err := storage.NewLocalStorage(cfg.LibraryDir)
		if err != nil {
			return fmt.Errorf("create library storage: %w", err)
		}
		serviceOpts = append(serviceOpts, job.WithUploader(localStore))
		logger.Info("library storage configured",
			slog.String("library_dir", cfg.LibraryDir),
		)
	}

	svc := job.NewConvertService(
		repo,
		fetcher,
		store,
		downloader,
		invoker,
		cfg.MaxConcurrentJobs,
		serviceOpts...,
	)

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(svc, fetcher, store, downloader, logger)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	// Let in-flight conversions record their final status.
	svc.Wait()

	logger.Info("server stopped gracefully")
	return nil
}
