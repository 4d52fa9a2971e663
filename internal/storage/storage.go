// Package storage archives rendered report exports in an object store.
//
// Each backend package registers a constructor in init():
//
//	func init() {
//	    storage.Register("s3", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.S3)
//	    })
//	}
//
// and cmd/server blank-imports the backends it ships with.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Storage is the object store behind report archives
type Storage interface {
	// Upload stores the object at path and returns its size and SHA256
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download opens the object at path
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes the object; deleting a missing object is not an error
	Delete(ctx context.Context, path string) error

	// GetURL returns a signed download URL valid for ttl, or ErrURLUnsupported
	GetURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Exists reports whether an object is stored at path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult describes a stored object
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string
}

// ReportArchivePath is the object key of a generated report's CSV export.
func ReportArchivePath(keyspace, tenantID, reportID string) string {
	if keyspace == "" {
		keyspace = "reports"
	}
	return keyspace + "/" + tenantID + "/" + reportID + ".csv"
}

// ErrURLUnsupported is returned by GetURL when the backend cannot hand out
// direct links; callers stream the object through Download instead.
var ErrURLUnsupported = errors.New("storage backend does not issue download urls")

// ErrNotFound is returned by Download when no object is stored at the path.
var ErrNotFound = errors.New("object not found")
