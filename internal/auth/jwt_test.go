package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trusted360/audit-engine/internal/config"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Issuer: "trusted360"})
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}
	return v
}

func TestNewVerifier(t *testing.T) {
	t.Run("secret from config", func(t *testing.T) {
		if _, err := NewVerifier(config.AuthConfig{JWTSecret: testSecret}); err != nil {
			t.Errorf("NewVerifier() unexpected error: %v", err)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		t.Setenv("T360_DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		if _, err := NewVerifier(config.AuthConfig{}); err != ErrMissingSecret {
			t.Errorf("NewVerifier() error = %v, want ErrMissingSecret", err)
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		t.Setenv("T360_DEV_MODE", "true")
		v, err := NewVerifier(config.AuthConfig{})
		if err != nil {
			t.Fatalf("NewVerifier() unexpected error in dev mode: %v", err)
		}
		if len(v.secret) != 64 {
			t.Errorf("generated secret length = %d, want 64", len(v.secret))
		}
	})
}

func TestSignAndVerify(t *testing.T) {
	v := newTestVerifier(t)

	t.Run("round trip", func(t *testing.T) {
		token, err := v.Sign(Claims{
			UserID:   "user-123",
			TenantID: "tenant-1",
			Email:    "guard@example.com",
			Scopes:   []string{"audit:read"},
		}, time.Hour)
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}

		claims, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify() error: %v", err)
		}
		if claims.UserID != "user-123" || claims.TenantID != "tenant-1" {
			t.Errorf("claims = %+v", claims)
		}
		if len(claims.Scopes) != 1 || claims.Scopes[0] != "audit:read" {
			t.Errorf("claims.Scopes = %v", claims.Scopes)
		}
		if claims.Subject != "user-123" || claims.Issuer != "trusted360" {
			t.Errorf("registered claims = %+v", claims.RegisteredClaims)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, err := v.Sign(Claims{UserID: "u", TenantID: "t"}, time.Hour)
		v.now = time.Now
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}
		if _, err := v.Verify(token); err == nil {
			t.Error("Verify() expected error for expired token")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, _ := NewVerifier(config.AuthConfig{JWTSecret: strings.Repeat("x", 32), Issuer: "trusted360"})
		token, _ := other.Sign(Claims{UserID: "u", TenantID: "t"}, time.Hour)
		if _, err := v.Verify(token); err == nil {
			t.Error("Verify() expected error for foreign signature")
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, _ := NewVerifier(config.AuthConfig{JWTSecret: testSecret, Issuer: "someone-else"})
		token, _ := other.Sign(Claims{UserID: "u", TenantID: "t"}, time.Hour)
		if _, err := v.Verify(token); err == nil {
			t.Error("Verify() expected error for foreign issuer")
		}
	})

	t.Run("missing tenant", func(t *testing.T) {
		token, _ := v.Sign(Claims{UserID: "u"}, time.Hour)
		if _, err := v.Verify(token); err == nil {
			t.Error("Verify() expected error for token without tenant_id")
		}
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		claims := &Claims{UserID: "u", TenantID: "t", RegisteredClaims: jwt.RegisteredClaims{Issuer: "trusted360"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString() error: %v", err)
		}
		if _, err := v.Verify(token); err == nil {
			t.Error("Verify() expected error for alg=none")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := v.Verify("not.a.token"); err == nil {
			t.Error("Verify() expected error for malformed token")
		}
	})
}
