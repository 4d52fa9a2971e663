package audit

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/db/repositories"
)

// FoldInput is the slice of an audit event the aggregator needs.
type FoldInput struct {
	TenantID   string
	PropertyID *string
	Category   string
	// EntityType is the entity kind of the event, empty when it had no entity.
	EntityType string
	Action     string
	CreatedAt  time.Time

	ResponseTimeMinutes *int
	ResolutionTimeHours *float64
}

// Aggregator folds audit events into the per (property, tenant, day)
// operational counters.
type Aggregator struct {
	metrics *repositories.MetricsRepository
	loc     *time.Location
}

// NewAggregator creates an Aggregator bucketing days in loc (UTC when nil).
func NewAggregator(metrics *repositories.MetricsRepository, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{metrics: metrics, loc: loc}
}

// MetricDate returns the calendar day t falls on in the aggregator's timezone.
func (a *Aggregator) MetricDate(t time.Time) time.Time {
	local := t.In(a.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
}

// FoldEvent applies the counter delta of in through ex, which is normally the
// writer's transaction. Events without a property or without a mapping are a no-op.
func (a *Aggregator) FoldEvent(ctx context.Context, ex sqlx.ExecerContext, in FoldInput) error {
	if in.PropertyID == nil || *in.PropertyID == "" {
		return nil
	}
	delta := DeltaFor(in)
	if delta.IsZero() {
		return nil
	}
	return a.metrics.Increment(ctx, ex, *in.PropertyID, in.TenantID, a.MetricDate(in.CreatedAt), delta)
}

// DeltaFor maps an event to its counter increments. The entity type is tried
// first; when it yields nothing the event category is used, so an alert logged
// against a camera entity still counts as an alert.
func DeltaFor(in FoldInput) models.MetricDelta {
	kind := in.EntityType
	if kind == "" {
		kind = in.Category
	}
	d := deltaFor(kind, in.Action, in.ResponseTimeMinutes, in.ResolutionTimeHours)
	if d.IsZero() && kind != in.Category {
		d = deltaFor(in.Category, in.Action, in.ResponseTimeMinutes, in.ResolutionTimeHours)
	}
	return d
}

func deltaFor(kind, action string, responseMinutes *int, resolutionHours *float64) models.MetricDelta {
	var d models.MetricDelta
	switch kind {
	case "checklist":
		if action == "completed" {
			d.ChecklistsCompleted = 1
		}
	case "checklist_item":
		if action == "completed" {
			d.TasksCompleted = 1
		}
	case "inspection":
		if action == "completed" {
			d.InspectionsCompleted = 1
		}
	case "violation":
		switch action {
		case "found", "reported", "violation_found":
			d.ViolationsFound = 1
		}
	case "compliance":
		if action == "violation_found" {
			d.ViolationsFound = 1
		}
	case "alert", "video":
		switch action {
		case "triggered", "created", "alert_triggered":
			d.AlertsTriggered = 1
		case "false_positive":
			d.FalsePositives = 1
		case "acknowledged", "resolved", "alert_acknowledged", "alert_resolved":
			if responseMinutes != nil {
				v := float64(*responseMinutes)
				d.AlertResponseMinutes = &v
			}
		}
	case "work_order":
		if action == "completed" && resolutionHours != nil {
			v := *resolutionHours
			d.WorkOrderHours = &v
		}
	}
	return d
}
