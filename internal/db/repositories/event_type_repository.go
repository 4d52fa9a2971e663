// event_type_repository.go implements EventTypeRepository, read access to the
// (category, action) taxonomy seeded by migration.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/db/models"
)

const eventTypeColumns = `id, category, action, description, is_active, created_at`

// EventTypeRepository handles event type lookups
type EventTypeRepository struct {
	db *sqlx.DB
}

// NewEventTypeRepository creates a new EventTypeRepository
func NewEventTypeRepository(db *sqlx.DB) *EventTypeRepository {
	return &EventTypeRepository{db: db}
}

// GetByCategoryAction returns the event type for the exact pair, or nil if
// none is registered.
func (r *EventTypeRepository) GetByCategoryAction(ctx context.Context, category, action string) (*models.EventType, error) {
	var et models.EventType
	err := r.db.GetContext(ctx, &et,
		`SELECT `+eventTypeColumns+` FROM event_types WHERE category = $1 AND action = $2`,
		category, action,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event type %s.%s: %w", category, action, err)
	}
	return &et, nil
}

// List returns event types ordered by category and action.
func (r *EventTypeRepository) List(ctx context.Context, activeOnly bool) ([]*models.EventType, error) {
	query := `SELECT ` + eventTypeColumns + ` FROM event_types`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY category, action`

	var types []*models.EventType
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, fmt.Errorf("failed to list event types: %w", err)
	}
	return types, nil
}

// Count returns the number of registered event types.
func (r *EventTypeRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM event_types`); err != nil {
		return 0, fmt.Errorf("failed to count event types: %w", err)
	}
	return n, nil
}
