package audit

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/trusted360/audit-engine/internal/db/models"
)

// CurrentSchemaVersion is stamped on templates created without one.
const CurrentSchemaVersion = "1.0"

var supportedSchema = version.MustConstraints(version.NewConstraint(">= 1.0, < 2.0"))

var templateCategories = map[string]bool{
	models.ReportCategoryActivity:    true,
	models.ReportCategoryCompliance:  true,
	models.ReportCategoryPerformance: true,
	models.ReportCategorySecurity:    true,
}

// Grouping keys a template may bucket by
var groupingKeys = map[string]bool{
	"category":    true,
	"day":         true,
	"user":        true,
	"property":    true,
	"entity_type": true,
	"action":      true,
	"urgency":     true,
}

// Columns a template may project into report rows
var reportColumns = map[string]bool{
	"id":              true,
	"occurred_at":     true,
	"category":        true,
	"action":          true,
	"description":     true,
	"user":            true,
	"property_id":     true,
	"entity_type":     true,
	"entity_id":       true,
	"urgency":         true,
	"cost":            true,
	"business_impact": true,
	"ip_address":      true,
}

// DefaultColumns applies when a template names none
var DefaultColumns = []string{"occurred_at", "category", "action", "description", "user", "urgency"}

// ValidateTemplate checks a template against the supported schema and fills
// defaults. Every violation is reported, joined into one ErrInvalidTemplate.
func ValidateTemplate(t *models.ReportTemplate) error {
	var problems []string

	if strings.TrimSpace(t.Name) == "" {
		problems = append(problems, "name is required")
	}
	if t.SchemaVersion == "" {
		t.SchemaVersion = CurrentSchemaVersion
	}
	if v, err := version.NewVersion(t.SchemaVersion); err != nil {
		problems = append(problems, fmt.Sprintf("schema_version %q is not a version", t.SchemaVersion))
	} else if !supportedSchema.Check(v) {
		problems = append(problems, fmt.Sprintf("schema_version %s is not supported (want %s)", v, supportedSchema))
	}
	if !templateCategories[t.Category] {
		problems = append(problems, fmt.Sprintf("unknown category %q", t.Category))
	}
	if t.ReportType == "" {
		t.ReportType = "summary"
	}

	if len(t.Columns) == 0 {
		t.Columns = append([]string(nil), DefaultColumns...)
	}
	projected := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !reportColumns[c] {
			problems = append(problems, fmt.Sprintf("unknown column %q", c))
		}
		projected[c] = true
	}
	for _, g := range t.Grouping {
		if !groupingKeys[g] {
			problems = append(problems, fmt.Sprintf("unknown grouping key %q", g))
		}
	}
	for i := range t.Sorting {
		s := &t.Sorting[i]
		switch {
		case s.Field == "count":
		case !reportColumns[s.Field]:
			problems = append(problems, fmt.Sprintf("unknown sort field %q", s.Field))
		case !projected[s.Field]:
			// rows only carry projected columns
			problems = append(problems, fmt.Sprintf("sort field %q is not a selected column", s.Field))
		}
		s.Direction = strings.ToLower(s.Direction)
		if s.Direction == "" {
			s.Direction = "asc"
		}
		if s.Direction != "asc" && s.Direction != "desc" {
			problems = append(problems, fmt.Sprintf("sort direction for %s must be asc or desc", s.Field))
		}
	}

	problems = append(problems, validateFilterSet(t.Filters)...)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTemplate, strings.Join(problems, "; "))
	}
	return nil
}

func validateFilterSet(f models.TemplateFilters) []string {
	var problems []string
	for _, et := range f.EntityTypes {
		if !models.EntityKind(et).Valid() {
			problems = append(problems, fmt.Sprintf("unknown entity type %q", et))
		}
	}
	for _, u := range f.UrgencyLevels {
		if _, ok := models.ParseUrgency(u); !ok || u == "" {
			problems = append(problems, fmt.Sprintf("unknown urgency %q", u))
		}
	}
	return problems
}
