package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/storage"
	"github.com/trusted360/audit-engine/internal/telemetry"
)

const (
	// DefaultReportMaxRows caps a report run when no limit is configured
	DefaultReportMaxRows = 10000
	topUsersLimit        = 5
	dayLayout            = "2006-01-02"
)

// ReportRequest asks for one run of a template over a date range. Filters
// narrow the template's own filters; they can never widen them.
type ReportRequest struct {
	TemplateID  string
	TenantID    string
	DateRange   DateRange
	Filters     models.TemplateFilters
	GeneratedBy *string
}

// ReportEngine runs report templates over the audit history and persists the results.
type ReportEngine struct {
	reports  *repositories.ReportRepository
	reader   *Reader
	maxRows  int
	ttl      time.Duration
	loc      *time.Location
	archive  storage.Storage
	keyspace string
	now      func() time.Time
}

// ReportOption configures a ReportEngine
type ReportOption func(*ReportEngine)

// WithArchive uploads a CSV rendering of each generated report to s.
func WithArchive(s storage.Storage, keyspace string) ReportOption {
	return func(e *ReportEngine) {
		e.archive = s
		e.keyspace = keyspace
	}
}

// WithReportClock overrides the clock stamping generated_at and expires_at.
func WithReportClock(now func() time.Time) ReportOption {
	return func(e *ReportEngine) { e.now = now }
}

// NewReportEngine creates a ReportEngine. Days are bucketed in loc.
func NewReportEngine(reports *repositories.ReportRepository, reader *Reader, maxRows int, ttl time.Duration, loc *time.Location, opts ...ReportOption) *ReportEngine {
	if maxRows <= 0 {
		maxRows = DefaultReportMaxRows
	}
	if loc == nil {
		loc = time.UTC
	}
	e := &ReportEngine{
		reports: reports,
		reader:  reader,
		maxRows: maxRows,
		ttl:     ttl,
		loc:     loc,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTemplate validates and stores a template owned by tenantID.
func (e *ReportEngine) CreateTemplate(ctx context.Context, tenantID string, t *models.ReportTemplate) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidTemplate)
	}
	if err := ValidateTemplate(t); err != nil {
		return err
	}
	t.TenantID = tenantID
	t.IsActive = true
	return e.reports.CreateTemplate(ctx, t)
}

// ListTemplates returns the templates visible to tenantID, optionally of one category.
func (e *ReportEngine) ListTemplates(ctx context.Context, tenantID, category string) ([]*models.ReportTemplate, error) {
	return e.reports.ListTemplates(ctx, tenantID, category)
}

// GetReport returns a generated report of tenantID.
func (e *ReportEngine) GetReport(ctx context.Context, tenantID, id string) (*models.GeneratedReport, error) {
	rep, err := e.reports.GetReport(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	return rep, nil
}

// ListReports returns one page of generated reports without their data payload.
func (e *ReportEngine) ListReports(ctx context.Context, tenantID string, limit, offset int) ([]*models.GeneratedReport, int, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset must not be negative", ErrInvalidFilter)
	}
	return e.reports.ListReports(ctx, tenantID, limit, offset)
}

// GenerateReport runs the template named by req and persists the result.
func (e *ReportEngine) GenerateReport(ctx context.Context, req ReportRequest) (*models.GeneratedReport, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.GenerateReport")
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("report.template_id", req.TemplateID),
	)
	defer span.End()

	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidFilter)
	}
	if req.DateRange.Start.After(req.DateRange.End) {
		return nil, fmt.Errorf("%w: start date is after end date", ErrInvalidFilter)
	}
	if problems := validateFilterSet(req.Filters); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, strings.Join(problems, "; "))
	}

	tmpl, err := e.reports.GetTemplate(ctx, req.TenantID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, req.TemplateID)
	}

	start := time.Now()
	defer func() {
		telemetry.ReportGenerationDuration.WithLabelValues(tmpl.Category).Observe(time.Since(start).Seconds())
	}()

	filters, effective, satisfiable := mergeFilters(tmpl.Filters, req.Filters)
	filters.TenantID = req.TenantID
	filters.StartDate = &req.DateRange.Start
	filters.EndDate = &req.DateRange.End

	var entries []*models.AuditLogEntry
	var truncated bool
	if satisfiable {
		entries, truncated, err = e.reader.entriesForReport(ctx, filters, e.maxRows)
		if err != nil {
			return nil, err
		}
	}
	if truncated {
		slog.Warn("report rows truncated", "template_id", tmpl.ID, "tenant_id", req.TenantID, "max_rows", e.maxRows)
	}

	data, summary := BuildReport(entries, tmpl, e.loc)
	data.Truncated = truncated

	now := e.now().UTC()
	rep := &models.GeneratedReport{
		TemplateID:  tmpl.ID,
		TenantID:    req.TenantID,
		Name:        fmt.Sprintf("%s (%s to %s)", tmpl.Name, req.DateRange.Start.In(e.loc).Format(dayLayout), req.DateRange.End.In(e.loc).Format(dayLayout)),
		StartDate:   req.DateRange.Start,
		EndDate:     req.DateRange.End,
		Filters:     effective,
		Summary:     summary,
		Data:        data,
		GeneratedBy: req.GeneratedBy,
		GeneratedAt: now,
	}
	if e.ttl > 0 {
		exp := now.Add(e.ttl)
		rep.ExpiresAt = &exp
	}

	if err := e.reports.CreateReport(ctx, rep); err != nil {
		return nil, err
	}

	e.archiveReport(ctx, rep)
	return rep, nil
}

// archiveReport uploads the CSV rendering. Failures are logged only.
func (e *ReportEngine) archiveReport(ctx context.Context, rep *models.GeneratedReport) {
	if e.archive == nil {
		return
	}
	body, err := RenderCSV(rep)
	if err != nil {
		slog.Error("failed to render report archive", "report_id", rep.ID, "error", err)
		return
	}
	path := storage.ReportArchivePath(e.keyspace, rep.TenantID, rep.ID)
	if _, err := e.archive.Upload(ctx, path, bytes.NewReader(body), int64(len(body))); err != nil {
		slog.Error("failed to upload report archive", "report_id", rep.ID, "path", path, "error", err)
		return
	}
	if err := e.reports.UpdateArchivePath(ctx, rep.ID, path); err != nil {
		slog.Error("failed to record report archive path", "report_id", rep.ID, "error", err)
		return
	}
	rep.ArchivePath = &path
}

// mergeFilters intersects template filters with request filters. It returns
// the query filters, the effective filter set recorded on the report, and false
// when the intersection cannot match any row.
func mergeFilters(tmpl, req models.TemplateFilters) (repositories.AuditFilters, models.TemplateFilters, bool) {
	ok := true
	narrow := func(a, b []string) []string {
		switch {
		case len(a) == 0:
			return b
		case len(b) == 0:
			return a
		}
		in := make(map[string]bool, len(b))
		for _, v := range b {
			in[v] = true
		}
		var out []string
		for _, v := range a {
			if in[v] {
				out = append(out, v)
			}
		}
		if len(out) == 0 {
			ok = false
		}
		return out
	}
	single := func(a, b *string) *string {
		switch {
		case a == nil:
			return b
		case b == nil:
			return a
		case *a != *b:
			ok = false
		}
		return a
	}

	eff := models.TemplateFilters{
		Categories:    narrow(tmpl.Categories, req.Categories),
		Actions:       narrow(tmpl.Actions, req.Actions),
		EntityTypes:   narrow(tmpl.EntityTypes, req.EntityTypes),
		UrgencyLevels: narrow(canonicalUrgencies(tmpl.UrgencyLevels), canonicalUrgencies(req.UrgencyLevels)),
		PropertyID:    single(tmpl.PropertyID, req.PropertyID),
		UserID:        single(tmpl.UserID, req.UserID),
	}
	return repositories.AuditFilters{
		Categories:    eff.Categories,
		Actions:       eff.Actions,
		EntityTypes:   eff.EntityTypes,
		UrgencyLevels: eff.UrgencyLevels,
		PropertyID:    eff.PropertyID,
		UserID:        eff.UserID,
	}, eff, ok
}

func canonicalUrgencies(levels []string) []string {
	if len(levels) == 0 {
		return nil
	}
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		u, _ := models.ParseUrgency(l)
		out = append(out, string(u))
	}
	return out
}

// BuildReport computes the report payload and summary from entries ordered
// most recent first. Ties in top users and top category go to the value seen
// first; ties in most active day go to the earliest day.
func BuildReport(entries []*models.AuditLogEntry, tmpl *models.ReportTemplate, loc *time.Location) (models.ReportData, models.ReportSummary) {
	if loc == nil {
		loc = time.UTC
	}
	data := models.ReportData{
		TotalEvents:      len(entries),
		EventsByCategory: map[string]int{},
		EventsByDay:      map[string]int{},
		TopUsers:         []models.UserCount{},
		CriticalEvents:   []*models.AuditLogEntry{},
		Columns:          tmpl.Columns,
	}

	var categoryOrder []string
	var userOrder []string
	users := map[string]*models.UserCount{}

	for _, e := range entries {
		if data.EventsByCategory[e.Category] == 0 {
			categoryOrder = append(categoryOrder, e.Category)
		}
		data.EventsByCategory[e.Category]++
		data.EventsByDay[e.CreatedAt.In(loc).Format(dayLayout)]++

		if e.UserID != nil {
			uc, seen := users[*e.UserID]
			if !seen {
				uc = &models.UserCount{UserID: *e.UserID, UserName: e.UserName}
				users[*e.UserID] = uc
				userOrder = append(userOrder, *e.UserID)
			}
			uc.Count++
		}

		if e.Urgency().IsCritical() {
			data.CriticalEvents = append(data.CriticalEvents, e)
		}
	}

	for _, id := range userOrder {
		data.TopUsers = append(data.TopUsers, *users[id])
	}
	sort.SliceStable(data.TopUsers, func(i, j int) bool {
		return data.TopUsers[i].Count > data.TopUsers[j].Count
	})
	if len(data.TopUsers) > topUsersLimit {
		data.TopUsers = data.TopUsers[:topUsersLimit]
	}

	if len(tmpl.Grouping) > 0 {
		data.Groups = make(map[string][]models.GroupBucket, len(tmpl.Grouping))
		for _, key := range tmpl.Grouping {
			data.Groups[key] = groupBy(entries, key, loc, countDirection(tmpl.Sorting))
		}
	}

	if len(tmpl.Columns) > 0 {
		data.Rows = make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			row := make(map[string]interface{}, len(tmpl.Columns))
			for _, c := range tmpl.Columns {
				row[c] = columnValue(e, c, loc)
			}
			data.Rows = append(data.Rows, row)
		}
		sortRows(data.Rows, tmpl.Sorting)
	}

	summary := models.ReportSummary{
		TotalEvents:    data.TotalEvents,
		CriticalEvents: len(data.CriticalEvents),
	}
	if day, ok := mostActiveDay(data.EventsByDay); ok {
		summary.MostActiveDay = &day
	}
	if len(categoryOrder) > 0 {
		top := categoryOrder[0]
		for _, c := range categoryOrder[1:] {
			if data.EventsByCategory[c] > data.EventsByCategory[top] {
				top = c
			}
		}
		summary.TopCategory = &top
	}
	return data, summary
}

func mostActiveDay(byDay map[string]int) (string, bool) {
	best, bestCount := "", 0
	for day, n := range byDay {
		if n > bestCount || (n == bestCount && day < best) {
			best, bestCount = day, n
		}
	}
	return best, bestCount > 0
}

// countDirection returns the bucket order requested by a "count" sort, desc by default.
func countDirection(sorting []models.SortSpec) string {
	for _, s := range sorting {
		if s.Field == "count" {
			return s.Direction
		}
	}
	return "desc"
}

func groupBy(entries []*models.AuditLogEntry, key string, loc *time.Location, direction string) []models.GroupBucket {
	counts := map[string]int{}
	for _, e := range entries {
		counts[groupKey(e, key, loc)]++
	}
	buckets := make([]models.GroupBucket, 0, len(counts))
	for k, n := range counts {
		buckets = append(buckets, models.GroupBucket{Key: k, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			if direction == "asc" {
				return buckets[i].Count < buckets[j].Count
			}
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
	return buckets
}

func groupKey(e *models.AuditLogEntry, key string, loc *time.Location) string {
	switch key {
	case "category":
		return e.Category
	case "day":
		return e.CreatedAt.In(loc).Format(dayLayout)
	case "user":
		return e.UserName
	case "property":
		if e.PropertyID != nil {
			return *e.PropertyID
		}
		return "none"
	case "entity_type":
		if e.Entity != nil {
			return string(e.Entity.Kind)
		}
		return "none"
	case "action":
		return e.Action
	case "urgency":
		return string(e.Urgency())
	}
	return ""
}

// columnValue projects one column of an entry. Missing optional values are nil.
func columnValue(e *models.AuditLogEntry, col string, loc *time.Location) interface{} {
	switch col {
	case "id":
		return e.ID
	case "occurred_at":
		return e.CreatedAt.In(loc).Format(time.RFC3339)
	case "category":
		return e.Category
	case "action":
		return e.Action
	case "description":
		return e.Description
	case "user":
		return e.UserName
	case "property_id":
		if e.PropertyID != nil {
			return *e.PropertyID
		}
	case "entity_type":
		if e.Entity != nil {
			return string(e.Entity.Kind)
		}
	case "entity_id":
		if e.Entity != nil {
			return e.Entity.ID
		}
	case "urgency":
		return string(e.Urgency())
	case "cost":
		if e.Context != nil && e.Context.CostAmount != nil {
			return *e.Context.CostAmount
		}
	case "business_impact":
		if e.Context != nil && e.Context.BusinessImpact != nil {
			return *e.Context.BusinessImpact
		}
	case "ip_address":
		if e.IPAddress != nil {
			return *e.IPAddress
		}
	}
	return nil
}

// sortRows orders rows by the template's column sorts, keeping fetch order
// (most recent first) for rows that compare equal.
func sortRows(rows []map[string]interface{}, sorting []models.SortSpec) {
	var specs []models.SortSpec
	for _, s := range sorting {
		if s.Field != "count" {
			specs = append(specs, s)
		}
	}
	if len(specs) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range specs {
			c := compareValues(rows[i][s.Field], rows[j][s.Field])
			if c == 0 {
				continue
			}
			if s.Direction == "desc" {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders nil first, then numbers, then strings.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
