// Package models - report.go defines report templates (declarative, stored as data) and the
// immutable snapshots produced by running one over a date range.
package models

import "time"

// Template categories
const (
	ReportCategoryActivity    = "activity"
	ReportCategoryCompliance  = "compliance"
	ReportCategoryPerformance = "performance"
	ReportCategorySecurity    = "security"
)

// TemplateFilters narrows the rows a template reports on. Empty fields match everything.
type TemplateFilters struct {
	Categories    []string `json:"categories,omitempty"`
	Actions       []string `json:"actions,omitempty"`
	EntityTypes   []string `json:"entity_types,omitempty"`
	UrgencyLevels []string `json:"urgency_levels,omitempty"`
	PropertyID    *string  `json:"property_id,omitempty"`
	UserID        *string  `json:"user_id,omitempty"`
}

// SortSpec orders report rows or group buckets
type SortSpec struct {
	Field     string `json:"field"`
	Direction string `json:"direction"` // asc | desc
}

// ReportTemplate is a reusable, data-driven report definition
type ReportTemplate struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	ReportType    string          `json:"report_type"`
	SchemaVersion string          `json:"schema_version"`
	Filters       TemplateFilters `json:"filters"`
	Columns       []string        `json:"columns"`
	Grouping      []string        `json:"grouping"`
	Sorting       []SortSpec      `json:"sorting"`
	CreatedBy     *string         `json:"created_by,omitempty"`
	IsPublic      bool            `json:"is_public"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ReportSummary is the headline block of a generated report
type ReportSummary struct {
	TotalEvents    int     `json:"total_events"`
	CriticalEvents int     `json:"critical_events"`
	MostActiveDay  *string `json:"most_active_day"`
	TopCategory    *string `json:"top_category"`
}

// UserCount is one entry of a report's top users
type UserCount struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Count    int    `json:"count"`
}

// GroupBucket is one value of a grouping key with its event count
type GroupBucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ReportData is the full computed payload of a generated report
type ReportData struct {
	TotalEvents      int                      `json:"total_events"`
	EventsByCategory map[string]int           `json:"events_by_category"`
	EventsByDay      map[string]int           `json:"events_by_day"`
	TopUsers         []UserCount              `json:"top_users"`
	CriticalEvents   []*AuditLogEntry         `json:"critical_events"`
	Groups           map[string][]GroupBucket `json:"groups,omitempty"`
	Columns          []string                 `json:"columns,omitempty"`
	Rows             []map[string]interface{} `json:"rows,omitempty"`
	Truncated        bool                     `json:"truncated"`
}

// GeneratedReport is a persisted point-in-time report run
type GeneratedReport struct {
	ID          string          `json:"id"`
	TemplateID  string          `json:"template_id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	Filters     TemplateFilters `json:"filters"`
	Summary     ReportSummary   `json:"summary"`
	Data        ReportData      `json:"data"`
	GeneratedBy *string         `json:"generated_by,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	ArchivePath *string         `json:"archive_path,omitempty"`
}
