// Package storage is the object store for synthesized clips and merged
// narrations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/secrets"
)

var ErrObjectNotFound = errors.New("object not found")

type Storage interface {
	// Upload writes data at bucket/path, replacing any existing object.
	Upload(ctx context.Context, bucket, path string, data io.Reader, contentType string) error
	Download(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, path string) error
	GetPublicURL(bucket, path string) string
}

func New(cfg config.StorageConfig, creds secrets.Credentials) (Storage, error) {
	switch cfg.Backend {
	case "supabase":
		if creds.SupabaseServiceKey == "" {
			return nil, fmt.Errorf("supabase storage requires SUPABASE_SERVICE_KEY")
		}
		return NewSupabaseStorage(cfg.SupabaseURL, creds.SupabaseServiceKey), nil
	case "local":
		return NewLocalStorage(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
