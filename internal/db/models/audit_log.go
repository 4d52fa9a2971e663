// Package models - audit_log.go defines the append-only audit ledger row, its optional
// business context extension and the denormalized shape returned to readers.
package models

import (
	"strings"
	"time"
)

// UrgencyLevel grades the business urgency of an audited event
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// ParseUrgency maps both the stored vocabulary and the producer vocabulary
// (routine, urgent, emergency) onto an UrgencyLevel. Empty input yields medium.
func ParseUrgency(s string) (UrgencyLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return UrgencyMedium, true
	case "low", "routine":
		return UrgencyLow, true
	case "medium", "normal":
		return UrgencyMedium, true
	case "high", "urgent":
		return UrgencyHigh, true
	case "critical", "emergency":
		return UrgencyCritical, true
	}
	return "", false
}

// IsCritical reports whether the level counts toward a report's critical events.
func (u UrgencyLevel) IsCritical() bool {
	return u == UrgencyHigh || u == UrgencyCritical
}

// AuditLog is one immutable ledger row
type AuditLog struct {
	ID          int64
	EventTypeID int64
	UserID      *string // nil for system actions
	TenantID    string
	PropertyID  *string
	Entity      *EntityRef
	Action      string
	Description string
	OldValues   map[string]interface{}
	NewValues   map[string]interface{}
	Metadata    map[string]interface{}
	IPAddress   *string
	UserAgent   *string
	SessionID   *string
	CreatedAt   time.Time

	MetricsFoldedAt *time.Time
}

// AuditContext is the optional 1:1 business annotation of an AuditLog
type AuditContext struct {
	AuditLogID          int64                  `json:"-"`
	CostAmount          *float64               `json:"cost_amount,omitempty"`
	UrgencyLevel        UrgencyLevel           `json:"urgency_level"`
	BusinessImpact      *string                `json:"business_impact,omitempty"`
	ResponseTimeMinutes *int                   `json:"response_time_minutes,omitempty"`
	ResolutionTimeHours *float64               `json:"resolution_time_hours,omitempty"`
	AdditionalContext   map[string]interface{} `json:"additional_context,omitempty"`
}

// AuditLogEntry is an AuditLog joined with its event type, context and actor
type AuditLogEntry struct {
	ID               int64                  `json:"id"`
	Category         string                 `json:"category"`
	Action           string                 `json:"action"`
	EventDescription string                 `json:"event_description"`
	Description      string                 `json:"description"`
	UserID           *string                `json:"user_id,omitempty"`
	UserName         string                 `json:"user_name"`
	TenantID         string                 `json:"tenant_id"`
	PropertyID       *string                `json:"property_id,omitempty"`
	Entity           *EntityRef             `json:"entity,omitempty"`
	OldValues        map[string]interface{} `json:"old_values,omitempty"`
	NewValues        map[string]interface{} `json:"new_values,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	IPAddress        *string                `json:"ip_address,omitempty"`
	UserAgent        *string                `json:"user_agent,omitempty"`
	SessionID        *string                `json:"session_id,omitempty"`
	Context          *AuditContext          `json:"context,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Urgency returns the context urgency, or medium when the entry has no context.
func (e *AuditLogEntry) Urgency() UrgencyLevel {
	if e.Context == nil || e.Context.UrgencyLevel == "" {
		return UrgencyMedium
	}
	return e.Context.UrgencyLevel
}
