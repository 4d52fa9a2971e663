// Package auditlog serves the audit trail over HTTP: event intake from other
// services, filtered history, the dashboard activity feed and the daily
// operational counters.
package auditlog

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trusted360/audit-engine/internal/api/apiutil"
	"github.com/trusted360/audit-engine/internal/audit"
	"github.com/trusted360/audit-engine/internal/db/models"
	"github.com/trusted360/audit-engine/internal/db/repositories"
	"github.com/trusted360/audit-engine/internal/middleware"
)

// defaultMetricsWindow applies when the metrics query names no start date
const defaultMetricsWindow = 30 * 24 * time.Hour

// Handlers handles the audit endpoints
type Handlers struct {
	registry *audit.Registry
	writer   *audit.Writer
	reader   *audit.Reader
	now      func() time.Time
}

// NewHandlers creates the audit handlers
func NewHandlers(registry *audit.Registry, writer *audit.Writer, reader *audit.Reader) *Handlers {
	return &Handlers{registry: registry, writer: writer, reader: reader, now: time.Now}
}

// LogEventRequest is the intake body. The tenant is taken from the token.
type LogEventRequest struct {
	Category        string                 `json:"category" binding:"required"`
	Action          string                 `json:"action" binding:"required"`
	UserID          *string                `json:"user_id"`
	PropertyID      *string                `json:"property_id"`
	Entity          *models.EntityRef      `json:"entity"`
	Description     *string                `json:"description"`
	OldValues       map[string]interface{} `json:"old_values"`
	NewValues       map[string]interface{} `json:"new_values"`
	Metadata        map[string]interface{} `json:"metadata"`
	SessionID       *string                `json:"session_id"`
	BusinessContext *audit.BusinessContext `json:"business_context"`
}

// @Summary      List event types
// @Description  Returns the active audit event taxonomy. Requires audit:read scope.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "event_types: []models.EventType"
// @Router       /api/v1/audit/event-types [get]
func (h *Handlers) ListEventTypesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		types, err := h.registry.List(c.Request.Context())
		if err != nil {
			apiutil.RespondError(c, err, "list event types")
			return
		}
		c.JSON(http.StatusOK, gin.H{"event_types": types})
	}
}

// @Summary      Record an audit event
// @Description  Writes one audit event for the caller's tenant. Answers 202 with logged=false when the event was dropped. Requires audit:write scope.
// @Tags         Audit
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  LogEventRequest  true  "Event"
// @Success      201  {object}  models.AuditLogEntry
// @Success      202  {object}  map[string]interface{}  "logged: false"
// @Failure      400  {object}  map[string]interface{}  "Invalid body"
// @Router       /api/v1/audit/events [post]
// LogEventHandler never surfaces a write failure as an error status: the
// caller's own action already happened and must not be retried because its
// audit trail could not be written.
func (h *Handlers) LogEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LogEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apiutil.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		userID := req.UserID
		if userID == nil {
			if id := middleware.UserID(c); id != "" {
				userID = &id
			}
		}

		metadata := req.Metadata
		if rid := c.GetString(middleware.RequestIDKey); rid != "" {
			if metadata == nil {
				metadata = map[string]interface{}{}
			}
			if _, ok := metadata["request_id"]; !ok {
				metadata["request_id"] = rid
			}
		}

		ip := c.ClientIP()
		ec := audit.EventContext{
			UserID:          userID,
			TenantID:        middleware.TenantID(c),
			PropertyID:      req.PropertyID,
			Entity:          req.Entity,
			Description:     req.Description,
			OldValues:       req.OldValues,
			NewValues:       req.NewValues,
			Metadata:        metadata,
			IPAddress:       &ip,
			SessionID:       req.SessionID,
			BusinessContext: req.BusinessContext,
		}
		if ua := c.Request.UserAgent(); ua != "" {
			ec.UserAgent = &ua
		}

		entry := h.writer.LogEvent(c.Request.Context(), req.Category, req.Action, ec)
		if entry == nil {
			c.JSON(http.StatusAccepted, gin.H{"logged": false})
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

// filtersFromQuery builds tenant-scoped filters from the query string.
func filtersFromQuery(c *gin.Context) (repositories.AuditFilters, error) {
	f := repositories.AuditFilters{
		TenantID:      middleware.TenantID(c),
		PropertyID:    apiutil.QueryString(c, "property_id"),
		UserID:        apiutil.QueryString(c, "user_id"),
		Category:      apiutil.QueryString(c, "category"),
		EntityType:    apiutil.QueryString(c, "entity_type"),
		Actions:       apiutil.QueryList(c, "action"),
		UrgencyLevels: apiutil.QueryList(c, "urgency"),
	}

	var err error
	if f.StartDate, err = apiutil.QueryTime(c, "start_date", false); err != nil {
		return f, err
	}
	if f.EndDate, err = apiutil.QueryTime(c, "end_date", true); err != nil {
		return f, err
	}
	if f.Limit, err = apiutil.QueryInt(c, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = apiutil.QueryInt(c, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

// @Summary      Query audit logs
// @Description  Returns one page of the caller's tenant audit history, most recent first. Requires audit:read scope.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        property_id  query  string  false  "Property"
// @Param        user_id      query  string  false  "Acting user"
// @Param        category     query  string  false  "Event category"
// @Param        entity_type  query  string  false  "Entity kind"
// @Param        urgency      query  string  false  "Comma separated urgency levels"
// @Param        start_date   query  string  false  "RFC 3339 or YYYY-MM-DD"
// @Param        end_date     query  string  false  "RFC 3339 or YYYY-MM-DD (inclusive)"
// @Param        limit        query  int     false  "Page size, default 50, max 500"
// @Param        offset       query  int     false  "Offset"
// @Success      200  {object}  audit.AuditLogPage
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Router       /api/v1/audit/logs [get]
func (h *Handlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filtersFromQuery(c)
		if err != nil {
			apiutil.BadRequest(c, err.Error())
			return
		}

		page, err := h.reader.GetAuditLogs(c.Request.Context(), f)
		if err != nil {
			apiutil.RespondError(c, err, "query audit logs")
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// RecentActivityHandler serves the dashboard feed
// GET /api/v1/audit/recent?property_id=...
func (h *Handlers) RecentActivityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filtersFromQuery(c)
		if err != nil {
			apiutil.BadRequest(c, err.Error())
			return
		}

		items, err := h.reader.GetRecentActivity(c.Request.Context(), f)
		if err != nil {
			apiutil.RespondError(c, err, "load recent activity")
			return
		}
		c.JSON(http.StatusOK, gin.H{"activity": items})
	}
}

// OperationalMetricsHandler returns the daily counters of one property.
// The window defaults to the last 30 days.
// GET /api/v1/metrics/operational?property_id=...&start_date=...&end_date=...
func (h *Handlers) OperationalMetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		propertyID := strings.TrimSpace(c.Query("property_id"))
		if propertyID == "" {
			apiutil.BadRequest(c, "property_id is required")
			return
		}

		end, err := apiutil.QueryTime(c, "end_date", true)
		if err != nil {
			apiutil.BadRequest(c, err.Error())
			return
		}
		start, err := apiutil.QueryTime(c, "start_date", false)
		if err != nil {
			apiutil.BadRequest(c, err.Error())
			return
		}
		dr := audit.DateRange{End: h.now().UTC()}
		if end != nil {
			dr.End = *end
		}
		dr.Start = dr.End.Add(-defaultMetricsWindow)
		if start != nil {
			dr.Start = *start
		}

		rows, err := h.reader.GetOperationalMetrics(c.Request.Context(), middleware.TenantID(c), propertyID, dr)
		if err != nil {
			apiutil.RespondError(c, err, "load operational metrics")
			return
		}
		if rows == nil {
			rows = []*models.OperationalMetricsDaily{}
		}
		c.JSON(http.StatusOK, gin.H{
			"property_id": propertyID,
			"start_date":  dr.Start,
			"end_date":    dr.End,
			"metrics":     rows,
		})
	}
}
