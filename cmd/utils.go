package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dreambooth-backend/internal/config"
	"dreambooth-backend/internal/database"
	"dreambooth-backend/internal/storage"
	"dreambooth-backend/internal/tokenizer"

	"github.com/schollz/progressbar/v3"
)

func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func NewBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.DataBackend, error) {
	opts := []storage.Option{
		storage.WithLogger(logger),
		storage.WithTraversalPolicy(cfg.TraversalPolicyValue()),
	}

	switch cfg.BackendType() {
	case string(storage.S3BackendType):
		backend, err := storage.NewS3Backend(ctx, cfg.S3Config(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 backend: %w", err)
		}
		logger.Info("using s3 data backend", "bucket", cfg.S3Bucket, "endpoint", cfg.S3EndpointURL)
		return backend, nil
	default:
		return storage.NewLocalBackend(opts...), nil
	}
}

// OpenManifestStore returns a nil store when no manifest database is
// configured. The returned cleanup is never nil and closes the database.
func OpenManifestStore(cfg *config.Config, logger *slog.Logger) (*database.ManifestStore, func(), error) {
	if cfg.ManifestDB == "" {
		return nil, func() {}, nil
	}
	db, err := database.Open(cfg.ManifestDB)
	if err != nil {
		return nil, func() {}, err
	}
	store := database.NewManifestStore(db)
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close manifest database", "error", err)
		}
	}, nil
}

// LoadTokenizer returns nil when no tokenizer is configured.
func LoadTokenizer(cfg *config.Config) (*tokenizer.HFTokenizer, error) {
	if cfg.TokenizerPath == "" {
		return nil, nil
	}
	return tokenizer.Load(cfg.TokenizerPath, cfg.TokenizerMaxLength, cfg.TokenizerPadID)
}

// NewProgress renders bucket assignment progress on stderr.
func NewProgress(description string) func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(description),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("images"),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
}
