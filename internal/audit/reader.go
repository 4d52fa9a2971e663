package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/db/repositories"
)

const (
	// DefaultPageSize applies when a query sets no limit
	DefaultPageSize = 50
	// MaxPageSize bounds interactive queries
	MaxPageSize = 500
	// RecentActivityLimit is the size of the dashboard activity feed
	RecentActivityLimit = 50
)

// DateRange is an inclusive time window
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AuditLogPage is one page of audit history
type AuditLogPage struct {
	Entries []*models.AuditLogEntry `json:"entries"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// ActivityItem is an audit entry shaped for the dashboard feed
type ActivityItem struct {
	ID          int64               `json:"id"`
	Category    string              `json:"category"`
	Action      string              `json:"action"`
	Description string              `json:"description"`
	User        string              `json:"user"`
	PropertyID  *string             `json:"property_id,omitempty"`
	Entity      *models.EntityRef   `json:"entity,omitempty"`
	Urgency     models.UrgencyLevel `json:"urgency"`
	OccurredAt  time.Time           `json:"occurred_at"`
}

// Reader serves filtered audit history and the daily metrics rows.
type Reader struct {
	logs    *repositories.AuditRepository
	metrics *repositories.MetricsRepository
	loc     *time.Location
}

// ReaderOption configures a Reader
type ReaderOption func(*Reader)

// WithMetricsLocation sets the timezone metric_date is bucketed in. It must
// match the Aggregator's location.
func WithMetricsLocation(loc *time.Location) ReaderOption {
	return func(r *Reader) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// NewReader creates a Reader. Metric days are read in UTC unless
// WithMetricsLocation says otherwise.
func NewReader(logs *repositories.AuditRepository, metrics *repositories.MetricsRepository, opts ...ReaderOption) *Reader {
	r := &Reader{logs: logs, metrics: metrics, loc: time.UTC}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// validateFilters checks f and applies paging defaults.
func validateFilters(f *repositories.AuditFilters) error {
	if f.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidFilter)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidFilter)
	}
	if f.Limit == 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.StartDate != nil && f.EndDate != nil && f.StartDate.After(*f.EndDate) {
		return fmt.Errorf("%w: start date is after end date", ErrInvalidFilter)
	}
	if f.EntityType != nil && !models.EntityKind(*f.EntityType).Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidFilter, *f.EntityType)
	}
	for _, et := range f.EntityTypes {
		if !models.EntityKind(et).Valid() {
			return fmt.Errorf("%w: unknown entity type %q", ErrInvalidFilter, et)
		}
	}
	for i, u := range f.UrgencyLevels {
		level, ok := models.ParseUrgency(u)
		if !ok || u == "" {
			return fmt.Errorf("%w: unknown urgency %q", ErrInvalidFilter, u)
		}
		f.UrgencyLevels[i] = string(level)
	}
	return nil
}

// GetAuditLogs returns one page of entries matching f, most recent first.
func (r *Reader) GetAuditLogs(ctx context.Context, f repositories.AuditFilters) (*AuditLogPage, error) {
	if err := validateFilters(&f); err != nil {
		return nil, err
	}

	entries, err := r.logs.ListEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := r.logs.CountEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	return &AuditLogPage{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// GetRecentActivity returns the most recent entries matching f as feed items.
// Paging in f is ignored.
func (r *Reader) GetRecentActivity(ctx context.Context, f repositories.AuditFilters) ([]ActivityItem, error) {
	f.Limit, f.Offset = RecentActivityLimit, 0
	if err := validateFilters(&f); err != nil {
		return nil, err
	}

	entries, err := r.logs.ListEntries(ctx, f)
	if err != nil {
		return nil, err
	}

	items := make([]ActivityItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, ActivityItem{
			ID:          e.ID,
			Category:    e.Category,
			Action:      e.Action,
			Description: e.Description,
			User:        e.UserName,
			PropertyID:  e.PropertyID,
			Entity:      e.Entity,
			Urgency:     e.Urgency(),
			OccurredAt:  e.CreatedAt,
		})
	}
	return items, nil
}

// GetOperationalMetrics returns the daily counter rows of one property. The
// rows are always read from the database.
func (r *Reader) GetOperationalMetrics(ctx context.Context, tenantID, propertyID string, dr DateRange) ([]*models.OperationalMetricsDaily, error) {
	if tenantID == "" || propertyID == "" {
		return nil, fmt.Errorf("%w: tenant id and property id are required", ErrInvalidFilter)
	}
	if dr.Start.After(dr.End) {
		return nil, fmt.Errorf("%w: start date is after end date", ErrInvalidFilter)
	}
	return r.metrics.ListRange(ctx, tenantID, propertyID, dr.Start.In(r.loc), dr.End.In(r.loc))
}

// entriesForReport loads up to max entries for a report run, bypassing the
// interactive page cap. It reports whether more rows matched than were loaded.
func (r *Reader) entriesForReport(ctx context.Context, f repositories.AuditFilters, max int) ([]*models.AuditLogEntry, bool, error) {
	if f.TenantID == "" {
		return nil, false, fmt.Errorf("%w: tenant id is required", ErrInvalidFilter)
	}
	f.Limit, f.Offset = max+1, 0
	entries, err := r.logs.ListEntries(ctx, f)
	if err != nil {
		return nil, false, err
	}
	if len(entries) > max {
		return entries[:max], true, nil
	}
	return entries, false, nil
}
