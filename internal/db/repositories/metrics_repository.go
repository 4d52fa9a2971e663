package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/db/models"
)

const metricDateLayout = "2006-01-02"

// MetricsRepository maintains the operational_metrics_daily rollup
type MetricsRepository struct {
	db *sqlx.DB
}

// NewMetricsRepository creates a new MetricsRepository
func NewMetricsRepository(db *sqlx.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Increment applies d to the (property, tenant, day) row, creating it when
// absent. The insert and the increment are a single statement so concurrent
// writers never lose an update.
func (r *MetricsRepository) Increment(ctx context.Context, ex sqlx.ExecerContext, propertyID, tenantID string, day time.Time, d models.MetricDelta) error {
	if d.IsZero() {
		return nil
	}

	var (
		alertSamples, woSamples int
		alertTotal, woTotal     float64
		alertAvg, woAvg         *float64
	)
	if d.AlertResponseMinutes != nil {
		alertSamples, alertTotal = 1, *d.AlertResponseMinutes
		v := alertTotal
		alertAvg = &v
	}
	if d.WorkOrderHours != nil {
		woSamples, woTotal = 1, *d.WorkOrderHours
		v := woTotal
		woAvg = &v
	}

	query := `
		INSERT INTO operational_metrics_daily AS om (
			property_id, tenant_id, metric_date,
			tasks_completed, checklists_completed, inspections_completed,
			violations_found, alerts_triggered, false_positives,
			alert_response_samples, alert_response_minutes_total, avg_alert_response_minutes,
			work_order_samples, work_order_hours_total, avg_work_order_hours,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (property_id, tenant_id, metric_date) DO UPDATE SET
			tasks_completed       = om.tasks_completed + EXCLUDED.tasks_completed,
			checklists_completed  = om.checklists_completed + EXCLUDED.checklists_completed,
			inspections_completed = om.inspections_completed + EXCLUDED.inspections_completed,
			violations_found      = om.violations_found + EXCLUDED.violations_found,
			alerts_triggered      = om.alerts_triggered + EXCLUDED.alerts_triggered,
			false_positives       = om.false_positives + EXCLUDED.false_positives,
			alert_response_samples       = om.alert_response_samples + EXCLUDED.alert_response_samples,
			alert_response_minutes_total = om.alert_response_minutes_total + EXCLUDED.alert_response_minutes_total,
			avg_alert_response_minutes = CASE
				WHEN om.alert_response_samples + EXCLUDED.alert_response_samples = 0 THEN NULL
				ELSE (om.alert_response_minutes_total + EXCLUDED.alert_response_minutes_total)
				     / (om.alert_response_samples + EXCLUDED.alert_response_samples)
			END,
			work_order_samples     = om.work_order_samples + EXCLUDED.work_order_samples,
			work_order_hours_total = om.work_order_hours_total + EXCLUDED.work_order_hours_total,
			avg_work_order_hours = CASE
				WHEN om.work_order_samples + EXCLUDED.work_order_samples = 0 THEN NULL
				ELSE (om.work_order_hours_total + EXCLUDED.work_order_hours_total)
				     / (om.work_order_samples + EXCLUDED.work_order_samples)
			END,
			updated_at = NOW()
	`
	_, err := ex.ExecContext(ctx, query,
		propertyID, tenantID, day.Format(metricDateLayout),
		d.TasksCompleted, d.ChecklistsCompleted, d.InspectionsCompleted,
		d.ViolationsFound, d.AlertsTriggered, d.FalsePositives,
		alertSamples, alertTotal, alertAvg,
		woSamples, woTotal, woAvg,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert operational metrics: %w", err)
	}
	return nil
}

// ListRange returns the day rows of one property within [from, to], oldest first.
func (r *MetricsRepository) ListRange(ctx context.Context, tenantID, propertyID string, from, to time.Time) ([]*models.OperationalMetricsDaily, error) {
	var rows []*models.OperationalMetricsDaily
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, property_id, tenant_id, metric_date,
		       tasks_completed, checklists_completed, inspections_completed,
		       violations_found, alerts_triggered, false_positives,
		       avg_alert_response_minutes, avg_work_order_hours, updated_at
		FROM operational_metrics_daily
		WHERE tenant_id = $1 AND property_id = $2
		  AND metric_date >= $3 AND metric_date <= $4
		ORDER BY metric_date ASC`,
		tenantID, propertyID, from.Format(metricDateLayout), to.Format(metricDateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list operational metrics: %w", err)
	}
	return rows, nil
}
