package audit

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/storage"
)

var (
	eventTypeCols = []string{"id", "category", "action", "description", "is_active", "created_at"}

	entryCols = []string{
		"id", "category", "action", "event_description", "description",
		"user_id", "first_name", "last_name", "email",
		"tenant_id", "property_id", "entity_type", "entity_id",
		"old_values", "new_values", "metadata",
		"ip_address", "user_agent", "session_id", "created_at",
		"ctx_id", "cost_amount", "urgency_level", "business_impact",
		"response_time_minutes", "resolution_time_hours", "additional_context",
	}

	fixedNow = time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)
)

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

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

func expectEventType(mock sqlmock.Sqlmock, id int64, category, action string, active bool) {
	mock.ExpectQuery("SELECT .* FROM event_types WHERE category = \\$1 AND action = \\$2").
		WithArgs(category, action).
		WillReturnRows(sqlmock.NewRows(eventTypeCols).
			AddRow(id, category, action, "Seeded "+category+" "+action, active, fixedNow))
}

// addEntryRow appends a ledger row with an acting user and an optional urgency.
func addEntryRow(rows *sqlmock.Rows, id int64, category, action, userID string, urgency string, at time.Time) *sqlmock.Rows {
	var uid, first interface{}
	if userID != "" {
		uid, first = userID, userID
	}
	var ctxID, urg interface{}
	if urgency != "" {
		ctxID, urg = id, urgency
	}
	return rows.AddRow(
		id, category, action, category+" "+action, "desc",
		uid, first, nil, nil,
		"tenant-1", "prop-1", nil, nil,
		nil, nil, nil,
		nil, nil, nil, at,
		ctxID, nil, urg, nil,
		nil, nil, nil,
	)
}

func entry(id int64, category, user string, urgency models.UrgencyLevel, at time.Time) *models.AuditLogEntry {
	e := &models.AuditLogEntry{
		ID:          id,
		Category:    category,
		Action:      "completed",
		Description: "event " + category,
		TenantID:    "tenant-1",
		UserName:    "System",
		CreatedAt:   at,
	}
	if user != "" {
		e.UserID = strPtr(user)
		e.UserName = user + " name"
	}
	if urgency != "" {
		e.Context = &models.AuditContext{AuditLogID: id, UrgencyLevel: urgency}
	}
	return e
}

// memStorage is an in-memory storage.Storage
type memStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}}
}

func (m *memStorage) Upload(_ context.Context, path string, r io.Reader, _ int64) (*storage.UploadResult, error) {
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return &storage.UploadResult{Path: path, Size: int64(len(b))}, nil
}

func (m *memStorage) Download(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStorage) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memStorage) GetURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.ErrURLUnsupported
}

func (m *memStorage) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}
