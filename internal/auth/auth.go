// Package auth verifies bearer credentials for the HTTP admin surface. The
// real-time hub does not use it.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleCoordinator Role = "coordinator"
	RoleRescueTeam  Role = "rescueTeam"
)

type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Authenticator maps a credential to an identity or returns ErrUnauthorized.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// StaticAuthenticator checks credentials against a fixed token table.
type StaticAuthenticator struct {
	tokens map[string]Identity
}

var _ Authenticator = (*StaticAuthenticator)(nil)

func NewStatic(tokens map[string]Identity) *StaticAuthenticator {
	t := make(map[string]Identity, len(tokens))
	for tok, id := range tokens {
		if tok != "" {
			t[tok] = id
		}
	}
	return &StaticAuthenticator{tokens: t}
}

// Authenticate compares against every token in constant time.
func (a *StaticAuthenticator) Authenticate(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthorized
	}
	var (
		found Identity
		ok    bool
	)
	for tok, id := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(credential)) == 1 {
			found, ok = id, true
		}
	}
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	return found, nil
}

// CredentialFromRequest reads a bearer token from the Authorization header,
// the X-Relief-Hub-Token header or the token query parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if h := r.Header.Get("X-Relief-Hub-Token"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Require rejects requests without a valid credential (401) or whose
// identity holds none of the allowed roles (403).
func Require(a Authenticator, allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), CredentialFromRequest(r))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !hasRole(id.Role, allowed) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func hasRole(role Role, allowed []Role) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
