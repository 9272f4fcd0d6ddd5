package blob

import (
	"context"
	"fmt"
	"time"
)

// Config selects and configures a blob backend.
// The Type field determines which other fields are relevant.
type Config struct {
	Type string // "filesystem", "s3" or "memory"

	// Filesystem-specific fields
	Root          string
	SigningSecret string
	BaseURL       string

	// S3-specific fields
	S3Bucket          string
	S3Region          string
	S3Prefix          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// URLTTL is the default lifetime of signed URLs.
	URLTTL time.Duration
}

// NewFromConfig creates a Store implementation based on cfg.Type.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 blob store requires s3_bucket to be set")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	case "filesystem", "":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem blob store requires root to be set")
		}
		return NewFileSystemStore(cfg.Root, cfg.SigningSecret, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}
