// FilePath: internal/storage/storage.go
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/config"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	nuts "github.com/vaudience/go-nuts"
)

const (
	jpegContentType    = "image/jpeg"
	defaultPermissions = 0755
)

// BlobStore is the narrow contract the finalizer needs: an idempotent put
// (overwrite-on-conflict, the path is deterministic) and URL resolution.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// New selects the backend from configuration.
func New(cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(cfg)
	case "local":
		return NewLocalStore(cfg)
	}
	return nil, errors.NewValidationError("unknown storage backend "+cfg.Backend, nil)
}

// CapturePath builds the dated blob path for an uploaded image:
// captures/{hw}/{YYYY}/{MM}/{DD}/{image_name}.
func CapturePath(hwID, imageName string, t time.Time) string {
	return fmt.Sprintf("captures/%s/%s/%s", hwID, t.UTC().Format("2006/01/02"), imageName)
}

// LocalStore writes blobs under a base directory, for development and
// single-node deployments.
type LocalStore struct {
	basePath      string
	publicBaseURL string
}

func NewLocalStore(cfg config.StorageConfig) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.BasePath, defaultPermissions); err != nil {
		return nil, errors.NewInternalError("failed to create storage directory", err)
	}
	return &LocalStore{
		basePath:      cfg.BasePath,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *LocalStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	full := filepath.Join(s.basePath, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), defaultPermissions); err != nil {
		return errors.NewInternalError("failed to create blob directory", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return errors.New(errors.CodeStorageUploadFail, "failed to write blob", err)
	}
	nuts.L.Debugf("[LocalStore] Stored blob: %s (%d bytes)", path, len(data))
	return nil
}

func (s *LocalStore) PublicURL(path string) string {
	if s.publicBaseURL == "" {
		return "file://" + filepath.Join(s.basePath, filepath.FromSlash(path))
	}
	return s.publicBaseURL + "/" + path
}
