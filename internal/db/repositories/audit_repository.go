// audit_repository.go implements AuditRepository: transactional inserts into the append-only
// audit ledger and its context table, and the filtered, denormalized read used by dashboards
// and reports.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/trusted360/audit-engine/internal/db/models"
)

// SystemUserName is shown for entries that have no acting user.
const SystemUserName = "System"

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs. TenantID is required;
// every other field is optional and filters are AND-combined.
type AuditFilters struct {
	TenantID      string
	PropertyID    *string
	UserID        *string
	Category      *string
	Categories    []string
	Actions       []string
	EntityType    *string
	EntityTypes   []string
	UrgencyLevels []string
	StartDate     *time.Time
	EndDate       *time.Time
	Limit         int
	Offset        int
}

// UnfoldedEvent is a claimed ledger row still waiting for its metrics fold
type UnfoldedEvent struct {
	ID                  int64
	TenantID            string
	PropertyID          string
	Category            string
	EntityType          *string
	Action              string
	CreatedAt           time.Time
	ResponseTimeMinutes *int
	ResolutionTimeHours *float64
	FoldAttempts        int
}

// BeginTx starts a transaction on the underlying pool
func (r *AuditRepository) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// InsertLog appends one ledger row inside tx and fills in its id. CreatedAt is
// set when the caller left it zero.
func (r *AuditRepository) InsertLog(ctx context.Context, tx sqlx.QueryerContext, log *models.AuditLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	oldValues, err := jsonbParam(log.OldValues)
	if err != nil {
		return fmt.Errorf("failed to encode old_values: %w", err)
	}
	newValues, err := jsonbParam(log.NewValues)
	if err != nil {
		return fmt.Errorf("failed to encode new_values: %w", err)
	}
	metadata, err := jsonbParam(log.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var entityType, entityID *string
	if log.Entity != nil {
		kind := string(log.Entity.Kind)
		entityType, entityID = &kind, &log.Entity.ID
	}

	query := `
		INSERT INTO audit_logs (
			event_type_id, user_id, tenant_id, property_id, entity_type, entity_id,
			action, description, old_values, new_values, metadata,
			ip_address, user_agent, session_id, created_at, metrics_folded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`
	err = tx.QueryRowxContext(ctx, query,
		log.EventTypeID,
		log.UserID,
		log.TenantID,
		log.PropertyID,
		entityType,
		entityID,
		log.Action,
		log.Description,
		oldValues,
		newValues,
		metadata,
		log.IPAddress,
		log.UserAgent,
		log.SessionID,
		log.CreatedAt,
		log.MetricsFoldedAt,
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// InsertContext writes the business context row for an already inserted log.
func (r *AuditRepository) InsertContext(ctx context.Context, tx sqlx.ExecerContext, c *models.AuditContext) error {
	if c.AuditLogID == 0 {
		return errors.New("audit context requires a parent audit log id")
	}
	if c.UrgencyLevel == "" {
		c.UrgencyLevel = models.UrgencyMedium
	}

	additional, err := jsonbParam(c.AdditionalContext)
	if err != nil {
		return fmt.Errorf("failed to encode additional_context: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_context (
			audit_log_id, cost_amount, urgency_level, business_impact,
			response_time_minutes, resolution_time_hours, additional_context
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.AuditLogID,
		c.CostAmount,
		string(c.UrgencyLevel),
		c.BusinessImpact,
		c.ResponseTimeMinutes,
		c.ResolutionTimeHours,
		additional,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit context: %w", err)
	}
	return nil
}

// MarkFolded stamps metrics_folded_at on an entry that has not been folded yet.
// It reports false when another transaction already folded it.
func (r *AuditRepository) MarkFolded(ctx context.Context, tx sqlx.ExecerContext, id int64, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE audit_logs SET metrics_folded_at = $2 WHERE id = $1 AND metrics_folded_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark audit log %d folded: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordFoldFailure bumps the fold attempt count of an entry whose fold was
// rolled back, so later claims try it after entries that have never failed.
func (r *AuditRepository) RecordFoldFailure(ctx context.Context, tx sqlx.ExecerContext, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE audit_logs SET fold_attempts = fold_attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record fold failure for audit log %d: %w", id, err)
	}
	return nil
}

// ClaimUnfolded locks up to limit property-scoped entries that still need a
// metrics fold. Rows locked by a concurrent claimer are skipped, and entries
// that already failed maxAttempts times are left alone.
func (r *AuditRepository) ClaimUnfolded(ctx context.Context, tx sqlx.QueryerContext, olderThan time.Time, maxAttempts, limit int) ([]*UnfoldedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	rows, err := tx.QueryxContext(ctx, `
		SELECT al.id, al.tenant_id, al.property_id, et.category, al.entity_type, al.action, al.created_at,
		       ac.response_time_minutes, ac.resolution_time_hours, al.fold_attempts
		FROM audit_logs al
		JOIN event_types et ON et.id = al.event_type_id
		LEFT JOIN audit_context ac ON ac.audit_log_id = al.id
		WHERE al.metrics_folded_at IS NULL
		  AND al.property_id IS NOT NULL
		  AND al.created_at <= $1
		  AND al.fold_attempts < $2
		ORDER BY al.fold_attempts ASC, al.created_at ASC
		LIMIT $3
		FOR UPDATE OF al SKIP LOCKED`,
		olderThan, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim unfolded audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*UnfoldedEvent, 0, limit)
	for rows.Next() {
		var (
			ev         UnfoldedEvent
			entityType sql.NullString
			response   sql.NullInt64
			resolution sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.PropertyID, &ev.Category, &entityType, &ev.Action,
			&ev.CreatedAt, &response, &resolution, &ev.FoldAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan unfolded audit log: %w", err)
		}
		ev.EntityType = nullStringPtr(entityType)
		if response.Valid {
			v := int(response.Int64)
			ev.ResponseTimeMinutes = &v
		}
		if resolution.Valid {
			v := resolution.Float64
			ev.ResolutionTimeHours = &v
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

const entrySelect = `
	SELECT al.id, et.category, al.action, et.description, al.description,
	       al.user_id, u.first_name, u.last_name, u.email,
	       al.tenant_id, al.property_id, al.entity_type, al.entity_id,
	       al.old_values, al.new_values, al.metadata,
	       al.ip_address, al.user_agent, al.session_id, al.created_at,
	       ac.audit_log_id, ac.cost_amount, ac.urgency_level, ac.business_impact,
	       ac.response_time_minutes, ac.resolution_time_hours, ac.additional_context
	FROM audit_logs al
	JOIN event_types et ON et.id = al.event_type_id
	LEFT JOIN audit_context ac ON ac.audit_log_id = al.id
	LEFT JOIN users u ON u.id = al.user_id
`

// buildWhere renders the WHERE clause shared by the list and count queries.
func buildWhere(f AuditFilters) (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{f.TenantID}
	b.WriteString(" WHERE al.tenant_id = $1")

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		fmt.Fprintf(&b, clause, len(args))
	}

	if f.PropertyID != nil {
		add(" AND al.property_id = $%d", *f.PropertyID)
	}
	if f.UserID != nil {
		add(" AND al.user_id = $%d", *f.UserID)
	}
	if f.Category != nil {
		add(" AND et.category = $%d", *f.Category)
	}
	if len(f.Categories) > 0 {
		add(" AND et.category = ANY($%d)", pq.Array(f.Categories))
	}
	if len(f.Actions) > 0 {
		add(" AND al.action = ANY($%d)", pq.Array(f.Actions))
	}
	if f.EntityType != nil {
		add(" AND al.entity_type = $%d", *f.EntityType)
	}
	if len(f.EntityTypes) > 0 {
		add(" AND al.entity_type = ANY($%d)", pq.Array(f.EntityTypes))
	}
	if len(f.UrgencyLevels) > 0 {
		add(" AND COALESCE(ac.urgency_level, 'medium') = ANY($%d)", pq.Array(f.UrgencyLevels))
	}
	if f.StartDate != nil {
		add(" AND al.created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add(" AND al.created_at <= $%d", *f.EndDate)
	}
	return b.String(), args
}

// ListEntries returns denormalized entries, most recent first.
func (r *AuditRepository) ListEntries(ctx context.Context, f AuditFilters) ([]*models.AuditLogEntry, error) {
	where, args := buildWhere(f)
	query := entrySelect + where + " ORDER BY al.created_at DESC, al.id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.AuditLogEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

// CountEntries returns how many entries match f, ignoring paging.
func (r *AuditRepository) CountEntries(ctx context.Context, f AuditFilters) (int, error) {
	where, args := buildWhere(f)
	query := `
		SELECT COUNT(*)
		FROM audit_logs al
		JOIN event_types et ON et.id = al.event_type_id
		LEFT JOIN audit_context ac ON ac.audit_log_id = al.id` + where

	var total int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return total, nil
}

// GetEntry returns one entry of the tenant, or nil if it does not exist.
func (r *AuditRepository) GetEntry(ctx context.Context, tenantID string, id int64) (*models.AuditLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, entrySelect+" WHERE al.tenant_id = $1 AND al.id = $2", tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntry(rows)
}

// Count returns the total number of ledger rows.
func (r *AuditRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_logs`); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return n, nil
}

func scanEntry(rows *sql.Rows) (*models.AuditLogEntry, error) {
	var (
		e                                  models.AuditLogEntry
		userID, firstName, lastName, email sql.NullString
		propertyID, entityType, entityID   sql.NullString
		ipAddress, userAgent, sessionID    sql.NullString
		oldValues, newValues, metadata     []byte
		ctxID                              sql.NullInt64
		cost                               sql.NullFloat64
		urgency, impact                    sql.NullString
		response                           sql.NullInt64
		resolution                         sql.NullFloat64
		additional                         []byte
	)

	err := rows.Scan(
		&e.ID, &e.Category, &e.Action, &e.EventDescription, &e.Description,
		&userID, &firstName, &lastName, &email,
		&e.TenantID, &propertyID, &entityType, &entityID,
		&oldValues, &newValues, &metadata,
		&ipAddress, &userAgent, &sessionID, &e.CreatedAt,
		&ctxID, &cost, &urgency, &impact,
		&response, &resolution, &additional,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	e.UserID = nullStringPtr(userID)
	e.UserName = displayName(userID, firstName, lastName, email)
	e.PropertyID = nullStringPtr(propertyID)
	if entityType.Valid && entityID.Valid {
		e.Entity = &models.EntityRef{Kind: models.EntityKind(entityType.String), ID: entityID.String}
	}
	e.OldValues = decodeJSONField(oldValues, "old_values", e.ID)
	e.NewValues = decodeJSONField(newValues, "new_values", e.ID)
	e.Metadata = decodeJSONField(metadata, "metadata", e.ID)
	e.IPAddress = nullStringPtr(ipAddress)
	e.UserAgent = nullStringPtr(userAgent)
	e.SessionID = nullStringPtr(sessionID)

	if ctxID.Valid {
		c := &models.AuditContext{
			AuditLogID:        ctxID.Int64,
			UrgencyLevel:      models.UrgencyLevel(urgency.String),
			BusinessImpact:    nullStringPtr(impact),
			AdditionalContext: decodeJSONField(additional, "additional_context", e.ID),
		}
		if cost.Valid {
			v := cost.Float64
			c.CostAmount = &v
		}
		if response.Valid {
			v := int(response.Int64)
			c.ResponseTimeMinutes = &v
		}
		if resolution.Valid {
			v := resolution.Float64
			c.ResolutionTimeHours = &v
		}
		e.Context = c
	}

	return &e, nil
}

// displayName prefers the user's full name, then email, then the raw id.
func displayName(userID, first, last, email sql.NullString) string {
	if !userID.Valid {
		return SystemUserName
	}
	if name := strings.TrimSpace(first.String + " " + last.String); name != "" {
		return name
	}
	if email.Valid && email.String != "" {
		return email.String
	}
	return userID.String
}

// decodeJSONField decodes a JSONB column into an object. A malformed or
// non-object value is logged and dropped so the rest of the row survives.
func decodeJSONField(raw []byte, field string, id int64) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Warn("discarding malformed audit JSON field", "audit_log_id", id, "field", field, "error", err)
		return nil
	}
	return out
}

// jsonbParam encodes v for a JSONB column. lib/pq sends []byte as bytea, so
// the encoded document is passed as text.
func jsonbParam(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
