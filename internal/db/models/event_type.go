package models

import "time"

// EventType is one registered (category, action) pair. Rows are reference data
// seeded by migration and never written by request traffic.
type EventType struct {
	ID          int64     `db:"id" json:"id"`
	Category    string    `db:"category" json:"category"`
	Action      string    `db:"action" json:"action"`
	Description string    `db:"description" json:"description"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Key returns the dotted "category.action" form, e.g. "checklist.completed".
func (e *EventType) Key() string {
	return e.Category + "." + e.Action
}
