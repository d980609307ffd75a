package storage

import (
	"context"
	"fmt"

	"github.com/fruitsalade/jamfsync/internal/config"
	"github.com/fruitsalade/jamfsync/internal/storage/local"
	s3backend "github.com/fruitsalade/jamfsync/internal/storage/s3"
)

// NewBackend creates the destination selected by cfg.StorageBackend.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:     cfg.S3Endpoint,
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Region:       cfg.S3Region,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	case "local", "":
		return local.New(local.Config{
			RootPath:   cfg.LocalFolder,
			CreateDirs: true,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
}
