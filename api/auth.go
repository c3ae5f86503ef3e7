/*
auth.go - Caller identity

PURPOSE:
  Resolves which account is making a request. Two modes:
  - JWT:    "Authorization: Bearer <token>" signed HS256; subject is the
            account id, "role": "admin" grants admin routes.
  - Header: the trusted chat front-end sets X-User-ID (and X-User-Role).
            Used when no JWT secret is configured.

SEE ALSO:
  - server.go: Authenticate / RequireAdmin middleware placement
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/market-engine/ledger"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	Account ledger.AccountID
	Role    string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Authenticator extracts an Identity from a request.
type Authenticator interface {
	Identify(r *http.Request) (Identity, error)
}

// =============================================================================
// HEADER
// =============================================================================

type HeaderAuth struct{}

func (HeaderAuth) Identify(r *http.Request) (Identity, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return Identity{}, fmt.Errorf("%w: %s header required", ErrUnauthenticated, HeaderUserID)
	}
	return Identity{Account: ledger.AccountID(id), Role: r.Header.Get(HeaderUserRole)}, nil
}

// =============================================================================
// JWT
// =============================================================================

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type JWTAuth struct {
	secret []byte
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

func (a *JWTAuth) Identify(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return Identity{}, fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Identity{Account: ledger.AccountID(claims.Subject), Role: claims.Role}, nil
}

// Issue signs a token for account. Used by operators and tests.
func (a *JWTAuth) Issue(account ledger.AccountID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(account),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "market-engine",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type identityKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticate rejects requests without a valid identity.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Identify(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Authentication required", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
