package archive

import (
	"context"
	"fmt"
)

// Type names an archive backend.
type Type string

const (
	TypeNone Type = ""
	TypeFS   Type = "fs"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type     Type
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// New builds the configured store. TypeNone returns a nil store and no
// error: archiving is disabled.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeNone:
		return nil, nil
	case TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case TypeS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case TypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}
