// Package auth authenticates erp requests with bearer JWTs and scopes them to
// the restaurants listed in the token.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mesa-systems/mesa-stack/common/httputil"
	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/erp/pkg/tokens"
)

type contextKey string

const claimsKey contextKey = "claims"

// PathRestaurantID is the route wildcard naming the restaurant.
const PathRestaurantID = "restaurantID"

var ErrMissingToken = errors.New("missing bearer token")

// Validator checks an access token.
type Validator interface {
	ValidateAccessToken(token string) (*tokens.Claims, error)
}

type Middleware struct {
	validator Validator
	logger    *logging.Logger
}

func NewMiddleware(v Validator, logger *logging.Logger) *Middleware {
	if logger == nil {
		logger = logging.Default()
	}
	return &Middleware{validator: v, logger: logger}
}

// Authenticate validates the token of r. The token comes from the
// Authorization header, or from the access_token query parameter for
// websocket clients that cannot set headers.
func (m *Middleware) Authenticate(r *http.Request) (*tokens.Claims, error) {
	token := r.URL.Query().Get("access_token")
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, tokens.ErrInvalidToken
		}
		token = parts[1]
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	return m.validator.ValidateAccessToken(token)
}

// RequireAuth rejects requests without a valid token with 401.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.Authenticate(r)
		if err != nil {
			m.logger.WithContext(r.Context()).Debug("request not authenticated",
				logging.Path(r.URL.Path), logging.Error(err))
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRestaurant rejects requests for a restaurant outside the token's
// scope with 403. It must wrap a handler registered on a pattern with the
// {restaurantID} wildcard.
func (m *Middleware) RequireRestaurant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		rid := r.PathValue(PathRestaurantID)
		if !claims.CanAccess(rid) {
			m.logger.WithContext(r.Context()).Warn("restaurant access denied",
				logging.UserID(claims.UserID), logging.RestaurantID(rid))
			httputil.WriteForbidden(w, "no access to restaurant "+rid)
			return
		}
		next(w, r)
	}
}

func WithClaims(ctx context.Context, claims *tokens.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func ClaimsFromContext(ctx context.Context) *tokens.Claims {
	claims, _ := ctx.Value(claimsKey).(*tokens.Claims)
	return claims
}

// UserID returns the authenticated user of ctx, or "".
func UserID(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.UserID
	}
	return ""
}
