package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/muxgate/muxgate/internal/config"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Claims is the bearer token payload. Namespaces is the set of namespaces
// the caller may see; it is resolved upstream when the token is minted.
type Claims struct {
	Namespaces []string `json:"namespaces"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller. A nil Namespaces slice means
// unrestricted visibility (AUTH_DISABLED deployments).
type Principal struct {
	Subject    string
	Namespaces []string
}

// CanSee reports whether the principal may see entities in the namespace.
func (p *Principal) CanSee(namespace string) bool {
	if p == nil {
		return false
	}
	if p.Namespaces == nil {
		return true
	}
	for _, ns := range p.Namespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// DefaultNamespace is the namespace used for creates that omit one.
func (p *Principal) DefaultNamespace() string {
	if p == nil || len(p.Namespaces) == 0 {
		return "default"
	}
	return p.Namespaces[0]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ParseToken verifies a bearer token and returns its claims.
func ParseToken(token string) (*Claims, error) {
	if config.Cfg.AuthSecret == "" {
		return nil, errors.New("auth secret not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(config.Cfg.AuthSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// BearerToken extracts the token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticate resolves the request's principal without writing a
// response. The WebSocket attach handler uses this directly so it can
// close the channel with its own code space on failure.
func Authenticate(r *http.Request) (*Principal, error) {
	if config.Cfg.AuthDisabled {
		return &Principal{Subject: "anonymous"}, nil
	}
	token := BearerToken(r)
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	claims, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	ns := claims.Namespaces
	if ns == nil {
		ns = []string{}
	}
	return &Principal{Subject: claims.Subject, Namespaces: ns}, nil
}

// RequireAuth rejects unauthenticated requests and stores the principal
// in the request context.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithPrincipal stores a principal in the context the same way
// RequireAuth does.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal returns the authenticated principal, or nil outside
// RequireAuth.
func GetPrincipal(r *http.Request) *Principal {
	p, _ := r.Context().Value(principalContextKey).(*Principal)
	return p
}
