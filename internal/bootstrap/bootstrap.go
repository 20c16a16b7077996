// Package bootstrap provides dependency initialization for the audiobook service.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tigger04/make-audiobook/internal/catalog"
	"github.com/tigger04/make-audiobook/internal/config"
	"github.com/tigger04/make-audiobook/internal/download"
	"github.com/tigger04/make-audiobook/internal/job"
	"github.com/tigger04/make-audiobook/internal/pipeline"
	"github.com/tigger04/make-audiobook/internal/storage"
	"github.com/tigger04/make-audiobook/internal/voice"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	ConvertService *job.ConvertService
	Fetcher        *catalog.Fetcher
	Store          *voice.Store
	Downloader     *download.Downloader
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	fetcher, err := catalog.NewFetcher(cfg.CatalogURL, cfg.CacheDir,
		catalog.WithTTL(cfg.CatalogTTL),
		catalog.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create catalog fetcher: %w", err)
	}

	store := voice.NewStore(cfg.VoicesDir)

	downloader, err := download.New(cfg.DownloadBaseURL, cfg.VoicesDir,
		download.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create downloader: %w", err)
	}

	invoker := pipeline.NewInvoker(cfg.PiperPath, cfg.FFmpegPath, cfg.TempDir,
		pipeline.WithEbookConvertPath(cfg.EbookConvertPath),
		pipeline.WithLogger(logger),
	)

	repo := job.NewMemoryRepository()

	serviceOpts := []job.ServiceOption{job.WithLogger(logger)}
	uploader, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}
	if uploader != nil {
		serviceOpts = append(serviceOpts, job.WithUploader(uploader))
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

	return &Dependencies{
		ConvertService: svc,
		Fetcher:        fetcher,
		Store:          store,
		Downloader:     downloader,
	}, nil
}

// initStorage creates the audiobook archive backend based on configuration.
// S3 takes precedence, then a local library directory; with neither
// configured finished audiobooks stay next to their inputs only.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(context.Background(), storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	if cfg.LibraryDir != "" {
		localStore, err := storage.NewLocalStorage(cfg.LibraryDir)
		if err != nil {
			return nil, fmt.Errorf("create library storage: %w", err)
		}
		logger.Info("library storage configured",
			slog.String("library_dir", cfg.LibraryDir),
		)
		return localStore, nil
	}

	return nil, nil
}
