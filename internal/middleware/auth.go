package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"docqa/internal/apperr"
)

const OwnerHeader = "X-Owner-ID"

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerKey, ownerID)
}

// GetOwnerID returns the authenticated owner, or "" outside an authenticated request.
func GetOwnerID(ctx context.Context) string {
	if id, ok := ctx.Value(OwnerKey).(string); ok {
		return id
	}
	return ""
}

// Authenticator resolves the owner of a request from an HS256 bearer token.
// Without a secret it trusts the X-Owner-ID header, which is only meant for
// local development.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Owner(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
			return owner, nil
		}
		return "", fmt.Errorf("%w: missing %s header", apperr.ErrUnauthorized, OwnerHeader)
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: missing bearer token", apperr.ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", apperr.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Require rejects requests without a valid owner and stores the owner in the
// request context.
func (a *Authenticator) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.Owner(r)
		if err != nil {
			slog.WarnContext(r.Context(), "rejected unauthenticated request", "path", r.URL.Path, "error", err)
			writeUnauthorized(r.Context(), w, err)
			return
		}
		next(w, r.WithContext(WithOwnerID(r.Context(), owner)))
	}
}

func writeUnauthorized(ctx context.Context, w http.ResponseWriter, err error) {
	msg := "Unauthorized"
	if errors.Is(err, apperr.ErrUnauthorized) {
		msg = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    "UNAUTHORIZED",
			"message": msg,
		},
		"correlationId": GetCorrelationID(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
