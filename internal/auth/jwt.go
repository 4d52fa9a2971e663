// Package auth verifies the bearer tokens minted by the platform session
// service and defines the permission scopes of the audit API.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trusted360/audit-engine/internal/config"
)

// ErrMissingSecret is returned outside dev mode when no signing secret is configured.
var ErrMissingSecret = errors.New("auth.jwt_secret is required outside development mode " +
	"(generate one with: openssl rand -hex 32)")

// Claims represents the JWT claims structure. TenantID is authoritative for
// every request; no handler accepts a tenant from the request itself.
type Claims struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Email    string   `json:"email,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Verifier signs and validates HS256 tokens with one shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// isDevMode checks the environment markers that allow running without a secret
func isDevMode() bool {
	devMode := os.Getenv("T360_DEV_MODE")
	return devMode == "true" || devMode == "1" || os.Getenv("GIN_MODE") == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// NewVerifier builds a Verifier from cfg. Without a secret it fails, unless
// dev mode is on, in which case a random per-process secret is generated.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		if !isDevMode() {
			return nil, ErrMissingSecret
		}
		secret = generateRandomSecret()
		slog.Warn("auth.jwt_secret not set, using an auto-generated secret for development; tokens will not survive a restart")
	} else if len(secret) < 32 {
		slog.Warn("auth.jwt_secret is shorter than the recommended 32 characters")
	}
	return &Verifier{secret: []byte(secret), issuer: cfg.Issuer, now: time.Now}, nil
}

// Sign issues a token for claims, filling the registered times and issuer.
// The platform session service owns real issuance; Sign serves tooling and tests.
func (v *Verifier) Sign(claims Claims, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	now := v.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    v.issuer,
		Subject:   claims.UserID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(v.secret)
}

// Verify parses and validates a token. A token without a user or a tenant is
// rejected even when its signature is valid.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return nil, errors.New("token is missing user_id or tenant_id")
	}
	return claims, nil
}
