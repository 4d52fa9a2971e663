// Package apiutil holds the request parsing and error mapping shared by the
// audit and report handlers.
package apiutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trusted360/audit-engine/internal/audit"
)

const dateLayout = "2006-01-02"

// ParseTime accepts RFC 3339 timestamps and bare YYYY-MM-DD dates. A bare
// date is midnight UTC, or the last instant of that day when endOfDay is set,
// so a date-only end bound includes the whole day.
func ParseTime(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// QueryTime parses an optional time query parameter.
func QueryTime(c *gin.Context, name string, endOfDay bool) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := ParseTime(raw, endOfDay)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &t, nil
}

// QueryInt parses an optional integer query parameter, returning def when absent.
func QueryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", name, raw)
	}
	return n, nil
}

// QueryString returns a pointer to a non-empty query parameter.
func QueryString(c *gin.Context, name string) *string {
	if v := strings.TrimSpace(c.Query(name)); v != "" {
		return &v
	}
	return nil
}

// QueryList splits a comma separated query parameter, also accepting the
// parameter repeated.
func QueryList(c *gin.Context, name string) []string {
	var out []string
	for _, raw := range c.QueryArray(name) {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// BadRequest aborts with a 400 carrying msg.
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// RespondError maps engine errors onto HTTP statuses. Unexpected errors are
// logged with the request id and answered with a generic 500 body.
func RespondError(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, audit.ErrInvalidFilter), errors.Is(err, audit.ErrInvalidTemplate):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, audit.ErrTemplateNotFound), errors.Is(err, audit.ErrReportNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		slog.ErrorContext(c.Request.Context(), "request failed",
			"what", what, "path", c.FullPath(), "request_id", c.GetString("request_id"), "error", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + what})
	}
}
