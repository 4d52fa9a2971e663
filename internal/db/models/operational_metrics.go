package models

import "time"

// OperationalMetricsDaily is the per (property, tenant, day) counters row.
// Only the metrics repository's upsert writes it.
type OperationalMetricsDaily struct {
	ID                      int64     `db:"id" json:"id"`
	PropertyID              string    `db:"property_id" json:"property_id"`
	TenantID                string    `db:"tenant_id" json:"tenant_id"`
	MetricDate              time.Time `db:"metric_date" json:"metric_date"`
	TasksCompleted          int       `db:"tasks_completed" json:"tasks_completed"`
	ChecklistsCompleted     int       `db:"checklists_completed" json:"checklists_completed"`
	InspectionsCompleted    int       `db:"inspections_completed" json:"inspections_completed"`
	ViolationsFound         int       `db:"violations_found" json:"violations_found"`
	AlertsTriggered         int       `db:"alerts_triggered" json:"alerts_triggered"`
	FalsePositives          int       `db:"false_positives" json:"false_positives"`
	AvgAlertResponseMinutes *float64  `db:"avg_alert_response_minutes" json:"avg_alert_response_minutes"`
	AvgWorkOrderHours       *float64  `db:"avg_work_order_hours" json:"avg_work_order_hours"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

// MetricDelta is the set of increments one event contributes to a day row.
// Sample fields feed the rolling averages.
type MetricDelta struct {
	TasksCompleted       int
	ChecklistsCompleted  int
	InspectionsCompleted int
	ViolationsFound      int
	AlertsTriggered      int
	FalsePositives       int

	AlertResponseMinutes *float64
	WorkOrderHours       *float64
}

// IsZero reports whether applying d would change nothing.
func (d MetricDelta) IsZero() bool {
	return d.TasksCompleted == 0 && d.ChecklistsCompleted == 0 && d.InspectionsCompleted == 0 &&
		d.ViolationsFound == 0 && d.AlertsTriggered == 0 && d.FalsePositives == 0 &&
		d.AlertResponseMinutes == nil && d.WorkOrderHours == nil
}
