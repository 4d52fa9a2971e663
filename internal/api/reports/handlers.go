// Package reports serves report templates, report generation and exports.
package reports

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trusted360/audit-engine/internal/api/apiutil"
	"github.com/trusted360/audit-engine/internal/audit"
	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/middleware"
	"github.com/trusted360/audit-engine/internal/storage"
)

// Handlers handles report endpoints
type Handlers struct {
	engine  *audit.ReportEngine
	archive storage.Storage
	urlTTL  time.Duration
}

// NewHandlers creates the report handlers. archive may be nil when archiving
// is disabled.
func NewHandlers(engine *audit.ReportEngine, archive storage.Storage, urlTTL time.Duration) *Handlers {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &Handlers{engine: engine, archive: archive, urlTTL: urlTTL}
}

// CreateTemplateRequest is the body of a new template. Ownership fields are
// filled from the token.
type CreateTemplateRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	Category      string                 `json:"category" binding:"required"`
	ReportType    string                 `json:"report_type"`
	SchemaVersion string                 `json:"schema_version"`
	Filters       models.TemplateFilters `json:"filters"`
	Columns       []string               `json:"columns"`
	Grouping      []string               `json:"grouping"`
	Sorting       []models.SortSpec      `json:"sorting"`
	IsPublic      bool                   `json:"is_public"`
}

// GenerateRequest asks for one run of a template
type GenerateRequest struct {
	TemplateID string                 `json:"template_id" binding:"required"`
	StartDate  string                 `json:"start_date" binding:"required"`
	EndDate    string                 `json:"end_date" binding:"required"`
	Filters    models.TemplateFilters `json:"filters"`
}

// @Summary      Create report template
// @Description  Validates and stores a report template for the caller's tenant. Requires reports:manage scope.
// @Tags         Reports
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateTemplateRequest  true  "Template"
// @Success      201  {object}  models.ReportTemplate
// @Failure      400  {object}  map[string]interface{}  "Invalid template"
// @Router       /api/v1/reports/templates [post]
func (h *Handlers) CreateTemplateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTemplateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apiutil.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		tmpl := &models.ReportTemplate{
			Name:          req.Name,
			Description:   req.Description,
			Category:      req.Category,
			ReportType:    req.ReportType,
			SchemaVersion: req.SchemaVersion,
			Filters:       req.Filters,
			Columns:       req.Columns,
			Grouping:      req.Grouping,
			Sorting:       req.Sorting,
			IsPublic:      req.IsPublic,
		}
		if userID := middleware.UserID(c); userID != "" {
			tmpl.CreatedBy = &userID
		}

		if err := h.engine.CreateTemplate(c.Request.Context(), middleware.TenantID(c), tmpl); err != nil {
			apiutil.RespondError(c, err, "create report template")
			return
		}
		c.JSON(http.StatusCreated, tmpl)
	}
}

// ListTemplatesHandler lists the tenant's templates plus public ones
// GET /api/v1/reports/templates?category=security
func (h *Handlers) ListTemplatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		templates, err := h.engine.ListTemplates(c.Request.Context(), middleware.TenantID(c), c.Query("category"))
		if err != nil {
			apiutil.RespondError(c, err, "list report templates")
			return
		}
		if templates == nil {
			templates = []*models.ReportTemplate{}
		}
		c.JSON(http.StatusOK, gin.H{"templates": templates})
	}
}

// @Summary      Generate report
// @Description  Runs a template over an inclusive date range and stores the result. Request filters can only narrow the template's filters. Requires reports:read scope.
// @Tags         Reports
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  GenerateRequest  true  "Run parameters"
// @Success      201  {object}  models.GeneratedReport
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      404  {object}  map[string]interface{}  "Template not found"
// @Router       /api/v1/reports/generate [post]
func (h *Handlers) GenerateReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apiutil.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		start, err := apiutil.ParseTime(req.StartDate, false)
		if err != nil {
			apiutil.BadRequest(c, "invalid start_date: "+err.Error())
			return
		}
		end, err := apiutil.ParseTime(req.EndDate, true)
		if err != nil {
			apiutil.BadRequest(c, "invalid end_date: "+err.Error())
			return
		}

		run := audit.ReportRequest{
			TemplateID: req.TemplateID,
			TenantID:   middleware.TenantID(c),
			DateRange:  audit.DateRange{Start: start, End: end},
			Filters:    req.Filters,
		}
		if userID := middleware.UserID(c); userID != "" {
			run.GeneratedBy = &userID
		}

		rep, err := h.engine.GenerateReport(c.Request.Context(), run)
		if err != nil {
			apiutil.RespondError(c, err, "generate report")
			return
		}
		c.JSON(http.StatusCreated, rep)
	}
}

// ListReportsHandler lists generated report headers, newest first
// GET /api/v1/reports?limit=20&offset=0
func (h *Handlers) ListReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := apiutil.QueryInt(c, "limit", 0)
		if err != nil {
			apiutil.BadRequest(c, err.Error())
			return
		}
		offset, err := apiutil.QueryInt(c, "offset", 0)
		if err != nil {
			apiutil.BadRequest(c, err.Error())
			return
		}

		reports, total, err := h.engine.ListReports(c.Request.Context(), middleware.TenantID(c), limit, offset)
		if err != nil {
			apiutil.RespondError(c, err, "list reports")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"reports": reports,
			"total":   total,
			"limit":   limit,
			"offset":  offset,
		})
	}
}

// GetReportHandler returns one generated report with its data
// GET /api/v1/reports/:id
func (h *Handlers) GetReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := h.engine.GetReport(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
		if err != nil {
			apiutil.RespondError(c, err, "load report")
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

// @Summary      Export report
// @Description  Renders a generated report as CSV, XLSX or PDF. Requires reports:read scope.
// @Tags         Reports
// @Security     Bearer
// @Produce      octet-stream
// @Param        id      path   string  true   "Report ID"
// @Param        format  query  string  false  "csv (default), xlsx or pdf"
// @Success      200
// @Failure      400  {object}  map[string]interface{}  "Unsupported format"
// @Failure      404  {object}  map[string]interface{}  "Report not found"
// @Router       /api/v1/reports/{id}/export [get]
func (h *Handlers) ExportReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		format := strings.ToLower(c.DefaultQuery("format", audit.FormatCSV))
		contentType, ok := audit.ExportContentTypes[format]
		if !ok {
			apiutil.BadRequest(c, fmt.Sprintf("unsupported format %q (want csv, xlsx or pdf)", format))
			return
		}

		rep, err := h.engine.GetReport(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
		if err != nil {
			apiutil.RespondError(c, err, "load report")
			return
		}

		body, err := audit.Render(rep, format)
		if err != nil {
			apiutil.RespondError(c, err, "render report")
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="report-%s.%s"`, rep.ID, format))
		c.Data(http.StatusOK, contentType, body)
	}
}

// ArchiveHandler hands out the archived CSV of a report. Backends that sign
// URLs answer with a redirect; the others stream the object.
// GET /api/v1/reports/:id/archive
func (h *Handlers) ArchiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := h.engine.GetReport(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
		if err != nil {
			apiutil.RespondError(c, err, "load report")
			return
		}
		if h.archive == nil || rep.ArchivePath == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report has no archived copy"})
			return
		}

		url, err := h.archive.GetURL(c.Request.Context(), *rep.ArchivePath, h.urlTTL)
		if err == nil {
			c.Redirect(http.StatusFound, url)
			return
		}
		if !errors.Is(err, storage.ErrURLUnsupported) {
			apiutil.RespondError(c, err, "sign archive url")
			return
		}

		rc, err := h.archive.Download(c.Request.Context(), *rep.ArchivePath)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Archived copy is gone"})
			return
		}
		if err != nil {
			apiutil.RespondError(c, err, "download archive")
			return
		}
		defer rc.Close()

		c.DataFromReader(http.StatusOK, -1, audit.ExportContentTypes[audit.FormatCSV], rc, map[string]string{
			"Content-Disposition": fmt.Sprintf(`attachment; filename="report-%s.csv"`, rep.ID),
		})
	}
}
