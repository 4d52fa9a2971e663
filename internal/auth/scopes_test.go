package auth

import "testing"

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"empty list", []string{}, false},
		{"single valid scope", []string{"audit:read"}, false},
		{"multiple valid scopes", []string{"audit:write", "reports:manage", "admin"}, false},
		{"invalid scope", []string{"modules:read"}, true},
		{"empty string scope", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name       string
		userScopes []string
		required   Scope
		want       bool
	}{
		{"exact match", []string{"audit:read"}, ScopeAuditRead, true},
		{"admin grants audit:write", []string{"admin"}, ScopeAuditWrite, true},
		{"admin grants reports:manage", []string{"admin"}, ScopeReportsManage, true},
		{"audit:write implies audit:read", []string{"audit:write"}, ScopeAuditRead, true},
		{"reports:manage implies reports:read", []string{"reports:manage"}, ScopeReportsRead, true},
		{"read does not imply write", []string{"audit:read"}, ScopeAuditWrite, false},
		{"audit:write does not imply reports:read", []string{"audit:write"}, ScopeReportsRead, false},
		{"unknown scope grants nothing", []string{"bogus"}, ScopeAuditRead, false},
		{"no scopes", nil, ScopeAuditRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.userScopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %s) = %v, want %v", tt.userScopes, tt.required, got, tt.want)
			}
		})
	}
}

func TestHasAnyScope(t *testing.T) {
	if !HasAnyScope([]string{"reports:read"}, []Scope{ScopeAuditRead, ScopeReportsRead}) {
		t.Error("HasAnyScope() = false, want true")
	}
	if HasAnyScope([]string{"reports:read"}, []Scope{ScopeAuditRead, ScopeAuditWrite}) {
		t.Error("HasAnyScope() = true, want false")
	}
}
