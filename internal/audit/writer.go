package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/trusted360/audit-engine/internal/config"
	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/safego"
	"github.com/trusted360/audit-engine/internal/telemetry"
)

const shipTimeout = 10 * time.Second

// EventContext is what a producer knows about an event when it logs it.
// TenantID is required; everything else is optional.
type EventContext struct {
	UserID      *string                `json:"user_id,omitempty"`
	TenantID    string                 `json:"tenant_id"`
	PropertyID  *string                `json:"property_id,omitempty"`
	Entity      *models.EntityRef      `json:"entity,omitempty"`
	Description *string                `json:"description,omitempty"`
	OldValues   map[string]interface{} `json:"old_values,omitempty"`
	NewValues   map[string]interface{} `json:"new_values,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	IPAddress   *string                `json:"ip_address,omitempty"`
	UserAgent   *string                `json:"user_agent,omitempty"`
	SessionID   *string                `json:"session_id,omitempty"`

	BusinessContext *BusinessContext `json:"business_context,omitempty"`
}

// BusinessContext is the optional cost and urgency annotation of an event.
type BusinessContext struct {
	Cost                *float64               `json:"cost,omitempty"`
	Urgency             string                 `json:"urgency,omitempty"`
	Impact              *string                `json:"impact,omitempty"`
	ResponseTimeMinutes *int                   `json:"response_time_minutes,omitempty"`
	ResolutionTimeHours *float64               `json:"resolution_time_hours,omitempty"`
	Additional          map[string]interface{} `json:"additional,omitempty"`
}

// Writer persists audit events. LogEvent never returns an error and never
// panics; a nil result means the event was not recorded.
type Writer struct {
	registry   *Registry
	logs       *repositories.AuditRepository
	aggregator *Aggregator
	foldMode   string
	shipper    Shipper
	now        func() time.Time
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithFoldMode selects config.FoldModeInline or config.FoldModeDeferred.
func WithFoldMode(mode string) WriterOption {
	return func(w *Writer) { w.foldMode = mode }
}

// WithShipper forwards committed entries to s.
func WithShipper(s Shipper) WriterOption {
	return func(w *Writer) { w.shipper = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer. The default fold mode is inline.
func NewWriter(registry *Registry, logs *repositories.AuditRepository, aggregator *Aggregator, opts ...WriterOption) *Writer {
	w := &Writer{
		registry:   registry,
		logs:       logs,
		aggregator: aggregator,
		foldMode:   config.FoldModeInline,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// errInvalidContext marks producer mistakes, which are dropped like write errors
// but counted separately.
var errInvalidContext = errors.New("invalid event context")

// LogEvent records one event and returns the committed entry, or nil when the
// event type is unknown or anything went wrong.
func (w *Writer) LogEvent(ctx context.Context, category, action string, ec EventContext) (entry *models.AuditLogEntry) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.LogEvent")
	span.SetAttributes(attribute.String("audit.category", category), attribute.String("audit.action", action))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			w.drop(ctx, fmt.Errorf("panic while logging audit event: %v", r), category, action, ec)
			entry = nil
		}
	}()

	et, err := w.registry.Resolve(ctx, category, action)
	if errors.Is(err, ErrEventTypeNotFound) {
		slog.Warn("unknown audit event type, event dropped",
			"category", category, "action", action, "tenant_id", ec.TenantID)
		telemetry.AuditEventsDroppedTotal.WithLabelValues("unknown_type").Inc()
		return nil
	}
	if err != nil {
		w.drop(ctx, fmt.Errorf("failed to resolve event type: %w", err), category, action, ec)
		return nil
	}

	log, bc, err := w.build(et, action, ec)
	if err != nil {
		w.drop(ctx, err, category, action, ec)
		return nil
	}

	if w.foldMode == config.FoldModeDeferred {
		err = w.writeDeferred(ctx, et, log, bc)
	} else {
		err = w.writeInline(ctx, et, log, bc)
	}
	if err != nil {
		w.drop(ctx, err, category, action, ec)
		return nil
	}

	telemetry.AuditEventsLoggedTotal.WithLabelValues(category).Inc()
	entry = toEntry(et, log, bc)
	w.ship(entry)
	return entry
}

// build validates ec and turns it into the rows to insert.
func (w *Writer) build(et *models.EventType, action string, ec EventContext) (*models.AuditLog, *models.AuditContext, error) {
	if ec.TenantID == "" {
		return nil, nil, fmt.Errorf("%w: tenant id is required", errInvalidContext)
	}
	if ec.Entity != nil && !ec.Entity.Kind.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown entity type %q", errInvalidContext, ec.Entity.Kind)
	}

	description := et.Description
	if ec.Description != nil && *ec.Description != "" {
		description = *ec.Description
	}

	log := &models.AuditLog{
		EventTypeID: et.ID,
		UserID:      ec.UserID,
		TenantID:    ec.TenantID,
		PropertyID:  ec.PropertyID,
		Entity:      ec.Entity,
		Action:      action,
		Description: description,
		OldValues:   ec.OldValues,
		NewValues:   ec.NewValues,
		Metadata:    ec.Metadata,
		IPAddress:   ec.IPAddress,
		UserAgent:   ec.UserAgent,
		SessionID:   ec.SessionID,
		CreatedAt:   w.now().UTC(),
	}

	if ec.BusinessContext == nil {
		return log, nil, nil
	}
	urgency, ok := models.ParseUrgency(ec.BusinessContext.Urgency)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown urgency %q", errInvalidContext, ec.BusinessContext.Urgency)
	}
	if err := checkBusinessNumbers(ec.BusinessContext); err != nil {
		return nil, nil, err
	}
	bc := &models.AuditContext{
		CostAmount:          ec.BusinessContext.Cost,
		UrgencyLevel:        urgency,
		BusinessImpact:      ec.BusinessContext.Impact,
		ResponseTimeMinutes: ec.BusinessContext.ResponseTimeMinutes,
		ResolutionTimeHours: ec.BusinessContext.ResolutionTimeHours,
		AdditionalContext:   ec.BusinessContext.Additional,
	}
	return log, bc, nil
}

// Upper bounds for business context numbers. Each stays inside its column
// (cost_amount NUMERIC(12,2), the NUMERIC(10,2) daily averages) so a fold of
// the value can never overflow.
const (
	maxCostAmount          = 9_999_999_999.99
	maxResponseTimeMinutes = 525_600 // one year
	maxResolutionTimeHours = 8_760   // one year
)

func checkBusinessNumbers(bc *BusinessContext) error {
	if c := bc.Cost; c != nil && (math.IsNaN(*c) || *c < 0 || *c > maxCostAmount) {
		return fmt.Errorf("%w: cost %v out of range [0, %.2f]", errInvalidContext, *c, maxCostAmount)
	}
	if m := bc.ResponseTimeMinutes; m != nil && (*m < 0 || *m > maxResponseTimeMinutes) {
		return fmt.Errorf("%w: response time %d minutes out of range [0, %d]", errInvalidContext, *m, maxResponseTimeMinutes)
	}
	if h := bc.ResolutionTimeHours; h != nil && (math.IsNaN(*h) || *h < 0 || *h > maxResolutionTimeHours) {
		return fmt.Errorf("%w: resolution time %v hours out of range [0, %d]", errInvalidContext, *h, maxResolutionTimeHours)
	}
	return nil
}

func foldInput(et *models.EventType, log *models.AuditLog, bc *models.AuditContext) FoldInput {
	in := FoldInput{
		TenantID:   log.TenantID,
		PropertyID: log.PropertyID,
		Category:   et.Category,
		Action:     log.Action,
		CreatedAt:  log.CreatedAt,
	}
	if log.Entity != nil {
		in.EntityType = string(log.Entity.Kind)
	}
	if bc != nil {
		in.ResponseTimeMinutes = bc.ResponseTimeMinutes
		in.ResolutionTimeHours = bc.ResolutionTimeHours
	}
	return in
}

// writeInline inserts the log, its context and the counter fold in one transaction.
func (w *Writer) writeInline(ctx context.Context, et *models.EventType, log *models.AuditLog, bc *models.AuditContext) error {
	folded := log.CreatedAt
	log.MetricsFoldedAt = &folded

	tx, err := w.logs.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := w.logs.InsertLog(ctx, tx, log); err != nil {
		return err
	}
	if bc != nil {
		bc.AuditLogID = log.ID
		if err := w.logs.InsertContext(ctx, tx, bc); err != nil {
			return err
		}
	}
	if err := w.aggregator.FoldEvent(ctx, tx, foldInput(et, log, bc)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit event: %w", err)
	}
	return nil
}

// writeDeferred commits the log and its context first, then folds counters in
// a second transaction. A failed fold leaves the row unfolded for the fold job.
func (w *Writer) writeDeferred(ctx context.Context, et *models.EventType, log *models.AuditLog, bc *models.AuditContext) error {
	needsFold := log.PropertyID != nil && *log.PropertyID != ""
	if !needsFold {
		folded := log.CreatedAt
		log.MetricsFoldedAt = &folded
	}

	tx, err := w.logs.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := w.logs.InsertLog(ctx, tx, log); err != nil {
		return err
	}
	if bc != nil {
		bc.AuditLogID = log.ID
		if err := w.logs.InsertContext(ctx, tx, bc); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit event: %w", err)
	}

	if needsFold {
		if err := FoldCommitted(ctx, w.logs, w.aggregator, log.ID, foldInput(et, log, bc), w.now().UTC()); err != nil {
			telemetry.AuditMetricsFoldErrorsTotal.Inc()
			slog.Warn("deferred metrics fold failed, fold job will retry",
				"audit_log_id", log.ID, "tenant_id", log.TenantID, "error", err)
		} else {
			now := w.now().UTC()
			log.MetricsFoldedAt = &now
		}
	}
	return nil
}

// FoldCommitted stamps entry id as folded and applies its counters in one
// transaction, so a concurrent fold of the same entry cannot double count.
// It is a no-op when the entry was already folded.
func FoldCommitted(ctx context.Context, logs *repositories.AuditRepository, agg *Aggregator, id int64, in FoldInput, at time.Time) error {
	tx, err := logs.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	claimed, err := logs.MarkFolded(ctx, tx, id, at)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	if err := agg.FoldEvent(ctx, tx, in); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *Writer) drop(ctx context.Context, err error, category, action string, ec EventContext) {
	reason := "write_error"
	if errors.Is(err, errInvalidContext) {
		reason = "invalid_context"
	}
	telemetry.AuditEventsDroppedTotal.WithLabelValues(reason).Inc()
	slog.Error("failed to write audit event",
		"category", category,
		"action", action,
		"tenant_id", ec.TenantID,
		"property_id", ec.PropertyID,
		"user_id", ec.UserID,
		"entity", ec.Entity,
		"reason", reason,
		"error", err,
	)

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("audit.category", category)
		scope.SetTag("audit.action", action)
		scope.SetTag("audit.reason", reason)
		scope.SetTag("tenant_id", ec.TenantID)
		hub.CaptureException(err)
	})
}

func (w *Writer) ship(entry *models.AuditLogEntry) {
	if w.shipper == nil {
		return
	}
	safego.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		_ = w.shipper.Ship(ctx, entry)
	})
}

// toEntry renders the committed rows in the read shape. The display name is
// resolved on read; here it is the raw user id.
func toEntry(et *models.EventType, log *models.AuditLog, bc *models.AuditContext) *models.AuditLogEntry {
	userName := repositories.SystemUserName
	if log.UserID != nil {
		userName = *log.UserID
	}
	return &models.AuditLogEntry{
		ID:               log.ID,
		Category:         et.Category,
		Action:           log.Action,
		EventDescription: et.Description,
		Description:      log.Description,
		UserID:           log.UserID,
		UserName:         userName,
		TenantID:         log.TenantID,
		PropertyID:       log.PropertyID,
		Entity:           log.Entity,
		OldValues:        log.OldValues,
		NewValues:        log.NewValues,
		Metadata:         log.Metadata,
		IPAddress:        log.IPAddress,
		UserAgent:        log.UserAgent,
		SessionID:        log.SessionID,
		Context:          bc,
		CreatedAt:        log.CreatedAt,
	}
}
