// Package middleware provides HTTP middleware for the ledger API
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/contract_ledger/internal/app/auth"
	"github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/internal/httputil"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware provides HS256 bearer authentication
type AuthMiddleware struct {
	secret    []byte
	logger    *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(secret []byte, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}

	return &AuthMiddleware{
		secret:    secret,
		logger:    log,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.respondError(w, r, errors.Unauthorized("invalid Authorization header format"))
			return
		}

		principal, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = context.WithValue(ctx, logger.TenantIDKey, principal.TenantID)
		ctx = context.WithValue(ctx, logger.UserIDKey, principal.UserID)

		m.logger.WithContext(ctx).WithField("role", principal.Role).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken validates a JWT token and returns the principal it names
func (m *AuthMiddleware) validateToken(tokenString string) (auth.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return auth.Principal{}, errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return auth.Principal{}, errors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return auth.Principal{}, errors.InvalidToken(nil).WithDetails("reason", "user_id and tenant_id are required")
	}
	role, ok := auth.ParseRole(claims.Role)
	if !ok {
		return auth.Principal{}, errors.InvalidToken(nil).WithDetails("reason", "unknown role")
	}

	return auth.Principal{TenantID: claims.TenantID, UserID: claims.UserID, Role: role}, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, r, err)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("authentication failed")
}

// IssueToken signs an HS256 token for principal that expires after ttl.
func IssueToken(secret []byte, p auth.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   p.UserID,
		TenantID: p.TenantID,
		Role:     string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
