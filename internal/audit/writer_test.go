package audit

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/telemetry"
)

type chanShipper struct {
	ch chan *models.AuditLogEntry
}

func (s *chanShipper) Ship(_ context.Context, e *models.AuditLogEntry) error {
	s.ch <- e
	return nil
}

func (s *chanShipper) Close() error { return nil }

func newTestWriter(t *testing.T, opts ...WriterOption) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	reg := NewRegistry(repositories.NewEventTypeRepository(db), nil, 0)
	agg := NewAggregator(repositories.NewMetricsRepository(db), nil)
	opts = append([]WriterOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewWriter(reg, repositories.NewAuditRepository(db), agg, opts...), mock
}

func droppedCount(reason string) float64 {
	return telemetry.CounterValue(telemetry.AuditEventsDroppedTotal, prometheus.Labels{"reason": reason})
}

func TestLogEvent_InlineWritesLogAndCounters(t *testing.T) {
	w, mock := newTestWriter(t)

	expectEventType(mock, 4, "checklist", "completed", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs .* RETURNING id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectExec("INSERT INTO operational_metrics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry := w.LogEvent(context.Background(), "checklist", "completed", EventContext{
		UserID:     strPtr("user-7"),
		TenantID:   "tenant-1",
		PropertyID: strPtr("prop-1"),
		Entity:     models.Ref(models.EntityChecklist, "cl-1"),
	})

	require.NotNil(t, entry)
	assert.Equal(t, int64(77), entry.ID)
	assert.Equal(t, "checklist", entry.Category)
	assert.Equal(t, "user-7", entry.UserName)
	assert.Equal(t, "Seeded checklist completed", entry.Description)
	assert.Equal(t, fixedNow, entry.CreatedAt)
	assert.Nil(t, entry.Context)
	assertExpectations(t, mock)
}

func TestLogEvent_InlineWithBusinessContext(t *testing.T) {
	w, mock := newTestWriter(t)

	expectEventType(mock, 11, "alert", "triggered", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec("INSERT INTO audit_context").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO operational_metrics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cost := 40.0
	entry := w.LogEvent(context.Background(), "alert", "triggered", EventContext{
		TenantID:    "tenant-1",
		PropertyID:  strPtr("prop-1"),
		Entity:      models.Ref(models.EntityCamera, "cam-3"),
		Description: strPtr("Motion at loading dock"),
		BusinessContext: &BusinessContext{
			Cost:    &cost,
			Urgency: "emergency",
		},
	})

	require.NotNil(t, entry)
	assert.Equal(t, repositories.SystemUserName, entry.UserName)
	assert.Equal(t, "Motion at loading dock", entry.Description)
	require.NotNil(t, entry.Context)
	assert.Equal(t, models.UrgencyCritical, entry.Context.UrgencyLevel)
	assert.Equal(t, int64(5), entry.Context.AuditLogID)
	assertExpectations(t, mock)
}

func TestLogEvent_DailyCountersFromMixedEvents(t *testing.T) {
	type counts struct {
		tasks, checklists, inspections, violations, alerts, falsePositives int
	}
	events := []struct {
		category, action string
		entity           models.EntityKind
		want             counts
	}{
		{"checklist", "completed", models.EntityChecklist, counts{checklists: 1}},
		{"checklist", "completed", models.EntityChecklist, counts{checklists: 1}},
		{"checklist", "completed", models.EntityChecklist, counts{checklists: 1}},
		{"alert", "triggered", models.EntityCamera, counts{alerts: 1}},
	}

	w, mock := newTestWriter(t)
	var total counts
	for i, ev := range events {
		expectEventType(mock, int64(i+1), ev.category, ev.action, true)
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO audit_logs").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100 + i)))
		mock.ExpectExec("INSERT INTO operational_metrics_daily").
			WithArgs("prop-1", "tenant-1", "2026-03-01",
				ev.want.tasks, ev.want.checklists, ev.want.inspections,
				ev.want.violations, ev.want.alerts, ev.want.falsePositives,
				0, float64(0), nil,
				0, float64(0), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		entry := w.LogEvent(context.Background(), ev.category, ev.action, EventContext{
			TenantID:   "tenant-1",
			PropertyID: strPtr("prop-1"),
			Entity:     models.Ref(ev.entity, "e-1"),
		})
		require.NotNil(t, entry, "event %d", i)

		total.tasks += ev.want.tasks
		total.checklists += ev.want.checklists
		total.inspections += ev.want.inspections
		total.violations += ev.want.violations
		total.alerts += ev.want.alerts
		total.falsePositives += ev.want.falsePositives
	}

	assert.Equal(t, counts{checklists: 3, alerts: 1}, total)
	assertExpectations(t, mock)
}

func TestLogEvent_NoPropertySkipsCounters(t *testing.T) {
	w, mock := newTestWriter(t)

	expectEventType(mock, 2, "user", "login", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))
	mock.ExpectCommit()

	entry := w.LogEvent(context.Background(), "user", "login", EventContext{
		UserID:   strPtr("user-1"),
		TenantID: "tenant-1",
	})
	require.NotNil(t, entry)
	assertExpectations(t, mock)
}

func TestLogEvent_UnknownTypeReturnsNil(t *testing.T) {
	w, mock := newTestWriter(t)
	mock.ExpectQuery("FROM event_types").
		WithArgs("checklist", "teleported").
		WillReturnRows(sqlmock.NewRows(eventTypeCols))

	before := droppedCount("unknown_type")
	entry := w.LogEvent(context.Background(), "checklist", "teleported", EventContext{TenantID: "tenant-1"})

	assert.Nil(t, entry)
	assert.Equal(t, before+1, droppedCount("unknown_type"))
	assertExpectations(t, mock)
}

func TestLogEvent_InvalidContextReturnsNil(t *testing.T) {
	tests := []struct {
		name string
		ec   EventContext
	}{
		{"missing tenant", EventContext{}},
		{"unknown entity kind", EventContext{TenantID: "tenant-1", Entity: &models.EntityRef{Kind: "spaceship", ID: "x"}}},
		{"unknown urgency", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{Urgency: "whenever"}}},
		{"negative response time", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{ResponseTimeMinutes: intPtr(-5)}}},
		{"response time past average column", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{ResponseTimeMinutes: intPtr(200_000_000)}}},
		{"negative resolution time", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{ResolutionTimeHours: floatPtr(-0.5)}}},
		{"resolution time too large", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{ResolutionTimeHours: floatPtr(1e9)}}},
		{"NaN resolution time", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{ResolutionTimeHours: floatPtr(math.NaN())}}},
		{"negative cost", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{Cost: floatPtr(-1)}}},
		{"cost past column precision", EventContext{TenantID: "tenant-1", BusinessContext: &BusinessContext{Cost: floatPtr(1e10)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, mock := newTestWriter(t)
			expectEventType(mock, 4, "checklist", "completed", true)

			before := droppedCount("invalid_context")
			assert.Nil(t, w.LogEvent(context.Background(), "checklist", "completed", tt.ec))
			assert.Equal(t, before+1, droppedCount("invalid_context"))
			assertExpectations(t, mock)
		})
	}
}

func TestLogEvent_AcceptsBusinessNumbersAtBounds(t *testing.T) {
	w, mock := newTestWriter(t)

	expectEventType(mock, 11, "alert", "acknowledged", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(6)))
	mock.ExpectExec("INSERT INTO audit_context").
		WithArgs(int64(6), maxCostAmount, "medium", sqlmock.AnyArg(), maxResponseTimeMinutes, float64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO operational_metrics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry := w.LogEvent(context.Background(), "alert", "acknowledged", EventContext{
		TenantID:   "tenant-1",
		PropertyID: strPtr("prop-1"),
		BusinessContext: &BusinessContext{
			Cost:                floatPtr(maxCostAmount),
			ResponseTimeMinutes: intPtr(maxResponseTimeMinutes),
			ResolutionTimeHours: floatPtr(0),
		},
	})
	require.NotNil(t, entry)
	assertExpectations(t, mock)
}

func TestLogEvent_InsertFailureRollsBack(t *testing.T) {
	w, mock := newTestWriter(t)

	expectEventType(mock, 4, "checklist", "completed", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	before := droppedCount("write_error")
	entry := w.LogEvent(context.Background(), "checklist", "completed", EventContext{TenantID: "tenant-1"})

	assert.Nil(t, entry)
	assert.Equal(t, before+1, droppedCount("write_error"))
	assertExpectations(t, mock)
}

func TestLogEvent_CounterFailureRollsBackInline(t *testing.T) {
	w, mock := newTestWriter(t)

	expectEventType(mock, 4, "checklist", "completed", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("INSERT INTO operational_metrics_daily").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	entry := w.LogEvent(context.Background(), "checklist", "completed", EventContext{
		TenantID:   "tenant-1",
		PropertyID: strPtr("prop-1"),
		Entity:     models.Ref(models.EntityChecklist, "cl-1"),
	})
	assert.Nil(t, entry)
	assertExpectations(t, mock)
}

func TestLogEvent_PanicIsRecovered(t *testing.T) {
	w := NewWriter(nil, nil, nil)

	var entry *models.AuditLogEntry
	assert.NotPanics(t, func() {
		entry = w.LogEvent(context.Background(), "checklist", "completed", EventContext{TenantID: "tenant-1"})
	})
	assert.Nil(t, entry)
}

func TestLogEvent_DeferredFoldsAfterCommit(t *testing.T) {
	w, mock := newTestWriter(t, WithFoldMode(config.FoldModeDeferred))

	expectEventType(mock, 4, "checklist", "completed", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(31)))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audit_logs SET metrics_folded_at = \\$2 WHERE id = \\$1 AND metrics_folded_at IS NULL").
		WithArgs(int64(31), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO operational_metrics_daily").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry := w.LogEvent(context.Background(), "checklist", "completed", EventContext{
		TenantID:   "tenant-1",
		PropertyID: strPtr("prop-1"),
		Entity:     models.Ref(models.EntityChecklist, "cl-1"),
	})
	require.NotNil(t, entry)
	assert.Equal(t, int64(31), entry.ID)
	assertExpectations(t, mock)
}

func TestLogEvent_DeferredFoldFailureKeepsEntry(t *testing.T) {
	w, mock := newTestWriter(t, WithFoldMode(config.FoldModeDeferred))

	expectEventType(mock, 4, "checklist", "completed", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(32)))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audit_logs SET metrics_folded_at").WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	before := telemetry.PlainCounterValue(telemetry.AuditMetricsFoldErrorsTotal)
	entry := w.LogEvent(context.Background(), "checklist", "completed", EventContext{
		TenantID:   "tenant-1",
		PropertyID: strPtr("prop-1"),
	})

	require.NotNil(t, entry)
	assert.Equal(t, before+1, telemetry.PlainCounterValue(telemetry.AuditMetricsFoldErrorsTotal))
	assertExpectations(t, mock)
}

func TestLogEvent_DeferredAlreadyFoldedSkipsCounters(t *testing.T) {
	w, mock := newTestWriter(t, WithFoldMode(config.FoldModeDeferred))

	expectEventType(mock, 4, "checklist", "completed", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(33)))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audit_logs SET metrics_folded_at").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	entry := w.LogEvent(context.Background(), "checklist", "completed", EventContext{
		TenantID:   "tenant-1",
		PropertyID: strPtr("prop-1"),
		Entity:     models.Ref(models.EntityChecklist, "cl-1"),
	})
	require.NotNil(t, entry)
	assertExpectations(t, mock)
}

func TestLogEvent_ShipsCommittedEntry(t *testing.T) {
	s := &chanShipper{ch: make(chan *models.AuditLogEntry, 1)}
	w, mock := newTestWriter(t, WithShipper(s))

	expectEventType(mock, 2, "user", "login", true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	entry := w.LogEvent(context.Background(), "user", "login", EventContext{TenantID: "tenant-1"})
	require.NotNil(t, entry)

	select {
	case shipped := <-s.ch:
		assert.Equal(t, int64(12), shipped.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("entry was not shipped")
	}
}
