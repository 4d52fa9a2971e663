package audit

import "errors"

var (
	// ErrEventTypeNotFound means the (category, action) pair is not registered or is inactive.
	ErrEventTypeNotFound = errors.New("event type not found")
	// ErrInvalidFilter is returned for malformed read or report filters.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrTemplateNotFound means the template does not exist for the tenant.
	ErrTemplateNotFound = errors.New("report template not found")
	// ErrInvalidTemplate is returned when a template fails schema validation.
	ErrInvalidTemplate = errors.New("invalid report template")
	// ErrReportNotFound means the generated report does not exist for the tenant.
	ErrReportNotFound = errors.New("generated report not found")
)
