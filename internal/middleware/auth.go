// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pinehouse-stays/guest-messaging/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// PrincipalKey is the context key for the verified principal.
	PrincipalKey ContextKey = "principal"
)

// Claims represents JWT claims issued by the identity provider. The core
// never checks credentials itself; it only consumes the verified result.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Auth creates JWT authentication middleware that requires a valid token.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFromRequest(r, jwtSecret)
			if !ok {
				http.Error(w, `{"error":"invalid or missing token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// OptionalAuth decodes a token when present but lets unauthenticated
// requests through. Guest endpoints identify callers by contact email in
// the request body instead.
func OptionalAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := principalFromRequest(r, jwtSecret); ok {
				r = r.WithContext(WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireStaff rejects requests whose principal is not staff.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok || !p.Staff() {
			http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFromRequest(r *http.Request, jwtSecret string) (model.Principal, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return model.Principal{}, false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return model.Principal{}, false
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return model.Principal{}, false
	}

	role := model.Role(claims.Role)
	if !role.Valid() {
		role = model.RoleGuest
	}
	return model.Principal{
		ID:    claims.Subject,
		Name:  claims.Name,
		Email: claims.Email,
		Role:  role,
	}, true
}

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetPrincipal gets the verified principal from context.
func GetPrincipal(ctx context.Context) (model.Principal, bool) {
	if v := ctx.Value(PrincipalKey); v != nil {
		p, ok := v.(model.Principal)
		return p, ok
	}
	return model.Principal{}, false
}
