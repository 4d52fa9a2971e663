package auth

import "fmt"

// Scope represents a permission/scope type
type Scope string

const (
	// Audit log scopes
	ScopeAuditRead  Scope = "audit:read"
	ScopeAuditWrite Scope = "audit:write" // record events on behalf of other services

	// Report scopes
	ScopeReportsRead   Scope = "reports:read"
	ScopeReportsManage Scope = "reports:manage" // create templates and generate reports

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// implied maps a scope to the read scope it also grants
var implied = map[Scope]Scope{
	ScopeAuditWrite:    ScopeAuditRead,
	ScopeReportsManage: ScopeReportsRead,
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeAuditRead,
		ScopeAuditWrite,
		ScopeReportsRead,
		ScopeReportsManage,
		ScopeAdmin,
	}
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	valid := make(map[string]bool, len(AllScopes()))
	for _, s := range AllScopes() {
		valid[string(s)] = true
	}
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if a user has a required scope.
// Admin grants everything; write and manage grant the matching read.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		s := Scope(scope)
		if s == required || s == ScopeAdmin || implied[s] == required {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}
