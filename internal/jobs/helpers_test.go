package jobs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/storage"
)

var jobNow = time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func assertExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func strPtr(s string) *string { return &s }

// recordingStorage records deletes and fails for paths in failOn.
type recordingStorage struct {
	deleted []string
	failOn  map[string]bool
}

func (s *recordingStorage) Upload(context.Context, string, io.Reader, int64) (*storage.UploadResult, error) {
	return nil, errors.New("not implemented")
}

func (s *recordingStorage) Download(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}

func (s *recordingStorage) Delete(_ context.Context, path string) error {
	if s.failOn[path] {
		return errors.New("permission denied")
	}
	s.deleted = append(s.deleted, path)
	return nil
}

func (s *recordingStorage) GetURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.ErrURLUnsupported
}

func (s *recordingStorage) Exists(context.Context, string) (bool, error) {
	return false, nil
}
