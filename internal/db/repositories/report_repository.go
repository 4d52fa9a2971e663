// report_repository.go implements ReportRepository: report templates and the
// generated report snapshots produced from them.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trusted360/audit-engine/internal/db/models"
)

// ReportRepository handles report template and generated report persistence
type ReportRepository struct {
	db *sqlx.DB
}

// NewReportRepository creates a new ReportRepository
func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// templateRow mirrors report_templates with JSONB columns left raw
type templateRow struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	Name          string    `db:"name"`
	Description   string    `db:"description"`
	Category      string    `db:"category"`
	ReportType    string    `db:"report_type"`
	SchemaVersion string    `db:"schema_version"`
	Filters       []byte    `db:"filters"`
	Columns       []byte    `db:"columns"`
	Grouping      []byte    `db:"grouping"`
	Sorting       []byte    `db:"sorting"`
	CreatedBy     *string   `db:"created_by"`
	IsPublic      bool      `db:"is_public"`
	IsActive      bool      `db:"is_active"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

const templateColumns = `id, tenant_id, name, description, category, report_type, schema_version,
	filters, columns, grouping, sorting, created_by, is_public, is_active, created_at, updated_at`

func (row *templateRow) toModel() (*models.ReportTemplate, error) {
	t := &models.ReportTemplate{
		ID:            row.ID,
		TenantID:      row.TenantID,
		Name:          row.Name,
		Description:   row.Description,
		Category:      row.Category,
		ReportType:    row.ReportType,
		SchemaVersion: row.SchemaVersion,
		CreatedBy:     row.CreatedBy,
		IsPublic:      row.IsPublic,
		IsActive:      row.IsActive,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if err := unmarshalIfPresent(row.Filters, &t.Filters); err != nil {
		return nil, fmt.Errorf("template %s has malformed filters: %w", row.ID, err)
	}
	if err := unmarshalIfPresent(row.Columns, &t.Columns); err != nil {
		return nil, fmt.Errorf("template %s has malformed columns: %w", row.ID, err)
	}
	if err := unmarshalIfPresent(row.Grouping, &t.Grouping); err != nil {
		return nil, fmt.Errorf("template %s has malformed grouping: %w", row.ID, err)
	}
	if err := unmarshalIfPresent(row.Sorting, &t.Sorting); err != nil {
		return nil, fmt.Errorf("template %s has malformed sorting: %w", row.ID, err)
	}
	return t, nil
}

// CreateTemplate inserts a template, assigning an id when none is set.
func (r *ReportRepository) CreateTemplate(ctx context.Context, t *models.ReportTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	filters, err := json.Marshal(t.Filters)
	if err != nil {
		return fmt.Errorf("failed to encode template filters: %w", err)
	}
	columns, err := json.Marshal(nonNilStrings(t.Columns))
	if err != nil {
		return fmt.Errorf("failed to encode template columns: %w", err)
	}
	grouping, err := json.Marshal(nonNilStrings(t.Grouping))
	if err != nil {
		return fmt.Errorf("failed to encode template grouping: %w", err)
	}
	sorting := []byte("[]")
	if len(t.Sorting) > 0 {
		if sorting, err = json.Marshal(t.Sorting); err != nil {
			return fmt.Errorf("failed to encode template sorting: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO report_templates (
			id, tenant_id, name, description, category, report_type, schema_version,
			filters, columns, grouping, sorting, created_by, is_public, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.TenantID, t.Name, t.Description, t.Category, t.ReportType, t.SchemaVersion,
		string(filters), string(columns), string(grouping), string(sorting),
		t.CreatedBy, t.IsPublic, t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create report template: %w", err)
	}
	return nil
}

// GetTemplate returns an active template owned by the tenant or shared
// publicly, or nil when there is none.
func (r *ReportRepository) GetTemplate(ctx context.Context, tenantID, id string) (*models.ReportTemplate, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var row templateRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+templateColumns+` FROM report_templates
		 WHERE id = $1 AND (tenant_id = $2 OR is_public = TRUE) AND is_active = TRUE`,
		id, tenantID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report template: %w", err)
	}
	return row.toModel()
}

// ListTemplates returns the tenant's active templates plus public ones,
// optionally restricted to one category.
func (r *ReportRepository) ListTemplates(ctx context.Context, tenantID, category string) ([]*models.ReportTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM report_templates
		WHERE (tenant_id = $1 OR is_public = TRUE) AND is_active = TRUE`
	args := []interface{}{tenantID}
	if category != "" {
		query += ` AND category = $2`
		args = append(args, category)
	}
	query += ` ORDER BY name ASC`

	var rows []templateRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list report templates: %w", err)
	}

	templates := make([]*models.ReportTemplate, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// reportRow mirrors generated_reports with JSONB columns left raw
type reportRow struct {
	ID          string     `db:"id"`
	TemplateID  string     `db:"template_id"`
	TenantID    string     `db:"tenant_id"`
	Name        string     `db:"name"`
	StartDate   time.Time  `db:"start_date"`
	EndDate     time.Time  `db:"end_date"`
	Filters     []byte     `db:"filters"`
	Summary     []byte     `db:"summary_stats"`
	Data        []byte     `db:"data"`
	GeneratedBy *string    `db:"generated_by"`
	GeneratedAt time.Time  `db:"generated_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	ArchivePath *string    `db:"archive_path"`
}

func (row *reportRow) toModel() (*models.GeneratedReport, error) {
	rep := &models.GeneratedReport{
		ID:          row.ID,
		TemplateID:  row.TemplateID,
		TenantID:    row.TenantID,
		Name:        row.Name,
		StartDate:   row.StartDate,
		EndDate:     row.EndDate,
		GeneratedBy: row.GeneratedBy,
		GeneratedAt: row.GeneratedAt,
		ExpiresAt:   row.ExpiresAt,
		ArchivePath: row.ArchivePath,
	}
	if err := unmarshalIfPresent(row.Filters, &rep.Filters); err != nil {
		return nil, fmt.Errorf("report %s has malformed filters: %w", row.ID, err)
	}
	if err := unmarshalIfPresent(row.Summary, &rep.Summary); err != nil {
		return nil, fmt.Errorf("report %s has malformed summary: %w", row.ID, err)
	}
	if err := unmarshalIfPresent(row.Data, &rep.Data); err != nil {
		return nil, fmt.Errorf("report %s has malformed data: %w", row.ID, err)
	}
	return rep, nil
}

// CreateReport persists a generated report snapshot.
func (r *ReportRepository) CreateReport(ctx context.Context, rep *models.GeneratedReport) error {
	if rep.ID == "" {
		rep.ID = uuid.New().String()
	}
	if rep.GeneratedAt.IsZero() {
		rep.GeneratedAt = time.Now().UTC()
	}

	filters, err := json.Marshal(rep.Filters)
	if err != nil {
		return fmt.Errorf("failed to encode report filters: %w", err)
	}
	summary, err := json.Marshal(rep.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode report summary: %w", err)
	}
	data, err := json.Marshal(rep.Data)
	if err != nil {
		return fmt.Errorf("failed to encode report data: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO generated_reports (
			id, template_id, tenant_id, name, start_date, end_date, filters,
			summary_stats, data, generated_by, generated_at, expires_at, archive_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rep.ID, rep.TemplateID, rep.TenantID, rep.Name, rep.StartDate, rep.EndDate,
		string(filters), string(summary), string(data),
		rep.GeneratedBy, rep.GeneratedAt, rep.ExpiresAt, rep.ArchivePath,
	)
	if err != nil {
		return fmt.Errorf("failed to create generated report: %w", err)
	}
	return nil
}

// UpdateArchivePath records where the report's export was archived.
func (r *ReportRepository) UpdateArchivePath(ctx context.Context, id, path string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE generated_reports SET archive_path = $2 WHERE id = $1`, id, path)
	if err != nil {
		return fmt.Errorf("failed to update report archive path: %w", err)
	}
	return nil
}

// GetReport returns a full report of the tenant, or nil when absent.
func (r *ReportRepository) GetReport(ctx context.Context, tenantID, id string) (*models.GeneratedReport, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var row reportRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, template_id, tenant_id, name, start_date, end_date, filters,
		       summary_stats, data, generated_by, generated_at, expires_at, archive_path
		FROM generated_reports
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generated report: %w", err)
	}
	return row.toModel()
}

// ListReports returns report headers of the tenant, newest first. The data
// payload is not loaded.
func (r *ReportRepository) ListReports(ctx context.Context, tenantID string, limit, offset int) ([]*models.GeneratedReport, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM generated_reports WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, fmt.Errorf("failed to count generated reports: %w", err)
	}

	var rows []reportRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, template_id, tenant_id, name, start_date, end_date, filters,
		       summary_stats, generated_by, generated_at, expires_at, archive_path
		FROM generated_reports
		WHERE tenant_id = $1
		ORDER BY generated_at DESC
		LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list generated reports: %w", err)
	}

	reports := make([]*models.GeneratedReport, 0, len(rows))
	for i := range rows {
		rep, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, rep)
	}
	return reports, total, nil
}

// ExpiredReport identifies a report whose retention has lapsed
type ExpiredReport struct {
	ID          string  `db:"id"`
	ArchivePath *string `db:"archive_path"`
}

// ListExpired returns up to limit reports whose expires_at is before now.
func (r *ReportRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]ExpiredReport, error) {
	var out []ExpiredReport
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, archive_path FROM generated_reports
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reports: %w", err)
	}
	return out, nil
}

// DeleteReport removes a report snapshot.
func (r *ReportRepository) DeleteReport(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM generated_reports WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete generated report: %w", err)
	}
	return nil
}

func unmarshalIfPresent(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
