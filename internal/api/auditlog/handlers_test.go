package auditlog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trusted360/audit-engine/internal/audit"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/middleware"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var eventTypeCols = []string{"id", "category", "action", "description", "is_active", "created_at"}

// setup builds the handlers over a mocked database and a router that injects
// the caller identity the way AuthMiddleware does.
func setup(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, *Handlers) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")

	auditRepo := repositories.NewAuditRepository(sqlxDB)
	metricsRepo := repositories.NewMetricsRepository(sqlxDB)
	registry := audit.NewRegistry(repositories.NewEventTypeRepository(sqlxDB), nil, 0)
	writer := audit.NewWriter(registry, auditRepo, audit.NewAggregator(metricsRepo, time.UTC))
	h := NewHandlers(registry, writer, audit.NewReader(auditRepo, metricsRepo))
	h.now = func() time.Time { return time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC) }

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.TenantIDKey, "tenant-1")
		c.Set(middleware.UserIDKey, "user-1")
		c.Set(middleware.RequestIDKey, "req-abc")
		c.Next()
	})
	r.GET("/event-types", h.ListEventTypesHandler())
	r.POST("/events", h.LogEventHandler())
	r.GET("/logs", h.ListAuditLogsHandler())
	r.GET("/recent", h.RecentActivityHandler())
	r.GET("/metrics", h.OperationalMetricsHandler())
	return r, mock, h
}

func perform(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "handler-test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListEventTypesHandler(t *testing.T) {
	r, mock, _ := setup(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM event_types WHERE is_active = TRUE ORDER BY category, action`).
		WillReturnRows(sqlmock.NewRows(eventTypeCols).
			AddRow(1, "alert", "triggered", "Alert triggered", true, now).
			AddRow(2, "checklist", "completed", "Checklist completed", true, now))

	w := perform(r, http.MethodGet, "/event-types", "")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		EventTypes []map[string]interface{} `json:"event_types"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.EventTypes, 2)
	assert.Equal(t, "alert", body.EventTypes[0]["category"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventTypesHandler_DBError(t *testing.T) {
	r, mock, _ := setup(t)
	mock.ExpectQuery(`FROM event_types`).WillReturnError(assert.AnError)

	w := perform(r, http.MethodGet, "/event-types", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Failed to list event types")
}

func TestLogEventHandler_InvalidBody(t *testing.T) {
	r, _, _ := setup(t)

	for _, body := range []string{`{`, `{"category":"alert"}`, `{"action":"triggered"}`} {
		w := perform(r, http.MethodPost, "/events", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestLogEventHandler_UnknownTypeIsAccepted(t *testing.T) {
	r, mock, _ := setup(t)
	mock.ExpectQuery(`FROM event_types WHERE category = \$1 AND action = \$2`).
		WithArgs("alert", "exploded").
		WillReturnRows(sqlmock.NewRows(eventTypeCols))

	w := perform(r, http.MethodPost, "/events", `{"category":"alert","action":"exploded"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"logged":false}`, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogEventHandler_Created(t *testing.T) {
	r, mock, _ := setup(t)
	mock.ExpectQuery(`FROM event_types WHERE category = \$1 AND action = \$2`).
		WithArgs("user", "login").
		WillReturnRows(sqlmock.NewRows(eventTypeCols).AddRow(7, "user", "login", "User logged in", true, time.Now()))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO audit_logs`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	w := perform(r, http.MethodPost, "/events", `{"category":"user","action":"login"}`)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.EqualValues(t, 42, entry["id"])
	assert.Equal(t, "tenant-1", entry["tenant_id"])
	assert.Equal(t, "user-1", entry["user_id"])
	assert.Equal(t, "User logged in", entry["description"])
	metadata, _ := entry["metadata"].(map[string]interface{})
	assert.Equal(t, "req-abc", metadata["request_id"])
	assert.Equal(t, "handler-test", entry["user_agent"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogEventHandler_WriteFailureIsAccepted(t *testing.T) {
	r, mock, _ := setup(t)
	mock.ExpectQuery(`FROM event_types`).
		WillReturnRows(sqlmock.NewRows(eventTypeCols).AddRow(7, "user", "login", "User logged in", true, time.Now()))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO audit_logs`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	w := perform(r, http.MethodPost, "/events", `{"category":"user","action":"login"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditLogsHandler_BadFilters(t *testing.T) {
	r, _, _ := setup(t)

	tests := map[string]string{
		"bad start date":     "/logs?start_date=yesterday",
		"bad limit":          "/logs?limit=ten",
		"negative offset":    "/logs?offset=-1",
		"unknown entity":     "/logs?entity_type=spaceship",
		"unknown urgency":    "/logs?urgency=meh",
		"start after end":    "/logs?start_date=2026-03-02&end_date=2026-03-01",
		"recent bad urgency": "/recent?urgency=meh",
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			w := perform(r, http.MethodGet, path, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestFiltersFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet,
		"/logs?property_id=p1&urgency=high,critical&action=created&action=closed&end_date=2026-03-01&limit=20", nil)
	c.Set(middleware.TenantIDKey, "tenant-1")

	f, err := filtersFromQuery(c)
	require.NoError(t, err)

	assert.Equal(t, "tenant-1", f.TenantID)
	require.NotNil(t, f.PropertyID)
	assert.Equal(t, "p1", *f.PropertyID)
	assert.Equal(t, []string{"high", "critical"}, f.UrgencyLevels)
	assert.Equal(t, []string{"created", "closed"}, f.Actions)
	assert.Nil(t, f.StartDate)
	require.NotNil(t, f.EndDate)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, 999999999, time.UTC), *f.EndDate)
	assert.Equal(t, 20, f.Limit)
}

func TestOperationalMetricsHandler(t *testing.T) {
	t.Run("property required", func(t *testing.T) {
		r, _, _ := setup(t)
		w := perform(r, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "property_id is required")
	})

	t.Run("default window", func(t *testing.T) {
		r, mock, _ := setup(t)
		mock.ExpectQuery(`FROM operational_metrics_daily`).
			WithArgs("tenant-1", "p1", "2026-03-01", "2026-03-31").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		w := perform(r, http.MethodGet, "/metrics?property_id=p1", "")

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "p1", body["property_id"])
		assert.Equal(t, []interface{}{}, body["metrics"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inverted window", func(t *testing.T) {
		r, _, _ := setup(t)
		w := perform(r, http.MethodGet, "/metrics?property_id=p1&start_date=2026-03-10&end_date=2026-03-01", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
