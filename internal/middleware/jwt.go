package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/estate-auth/internal/model"
	"github.com/iliyamo/estate-auth/internal/service"
	"github.com/iliyamo/estate-auth/internal/utils"
)

// AccessCookie is the cookie read when no Authorization header is sent.
const AccessCookie = "access_token"

var (
	errUnauthorized = &service.Error{Kind: service.KindUnauthorized, Message: "unauthorized"}
	errForbidden    = &service.Error{Kind: service.KindForbidden, Message: "forbidden"}
	errDenylist     = &service.Error{Kind: service.KindStoreUnavailable, Message: "service temporarily unavailable"}
)

// Guard verifies access tokens on inbound requests.  It never consults the
// credential store; handlers that need the current status load it
// themselves.
type Guard struct {
	Tokens *utils.TokenService
	Deny   service.Denylist // optional
	Log    logrus.FieldLogger
}

func NewGuard(tokens *utils.TokenService, deny service.Denylist, log logrus.FieldLogger) *Guard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Guard{Tokens: tokens, Deny: deny, Log: log.WithField("component", "guard")}
}

// ExtractToken returns the bearer token of r, falling back to the
// access_token cookie.  It returns "" when neither is present.
func ExtractToken(r *http.Request) string {
	// Prefer the Authorization header; the scheme is case-insensitive.
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
		// a non-bearer Authorization header is not overridden by the cookie
		return ""
	}
	// Browser clients send the token as an HttpOnly cookie instead.
	if ck, err := r.Cookie(AccessCookie); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}

// Authenticate verifies raw as an access token.  Every verification failure
// is reported as Unauthorized; the expired-vs-invalid distinction is only
// logged.
func (g *Guard) Authenticate(ctx context.Context, raw string) (model.Principal, error) {
	if raw == "" {
		return model.Principal{}, errUnauthorized
	}
	// Verify signature, issuer, expiry and the access claim shape.
	claims, err := g.Tokens.Verify(raw, utils.KindAccess)
	if err != nil {
		// Keep the expired/forged distinction in the logs only.
		reason := "invalid"
		if errors.Is(err, utils.ErrTokenExpired) {
			reason = "expired"
		}
		g.Log.WithError(err).WithField("reason", reason).Debug("access token rejected")
		return model.Principal{}, errUnauthorized
	}
	p, err := claims.Principal()
	if err != nil {
		return model.Principal{}, errUnauthorized
	}
	// Tokens revoked by logout are rejected until they expire.
	if g.Deny != nil {
		revoked, err := g.Deny.IsRevoked(ctx, p.JTI)
		if err != nil {
			// fail closed: an unknown revocation state is not accepted
			g.Log.WithError(err).Error("denylist lookup failed")
			return model.Principal{}, errDenylist
		}
		if revoked {
			g.Log.WithField("identity_id", p.ID).Debug("revoked access token")
			return model.Principal{}, errUnauthorized
		}
	}
	return p, nil
}

// RequireAuth extracts and verifies the access token of r.
func (g *Guard) RequireAuth(r *http.Request) (model.Principal, error) {
	return g.Authenticate(r.Context(), ExtractToken(r))
}

// RequireRole is RequireAuth plus a role check.
func (g *Guard) RequireRole(r *http.Request, roles ...model.Role) (model.Principal, error) {
	p, err := g.RequireAuth(r)
	if err != nil {
		return model.Principal{}, err
	}
	if !Allowed(p, roles...) {
		return model.Principal{}, errForbidden
	}
	return p, nil
}

// Allowed reports whether p satisfies one of roles.  Admin gates are also
// satisfied by any admin-level role, so super admins pass them.
func Allowed(p model.Principal, roles ...model.Role) bool {
	for _, r := range roles {
		if p.Role == r || (r == model.RoleAdmin && p.IsAdmin()) {
			return true
		}
	}
	return false
}

// JWTAuth validates the access token and stores the principal for
// downstream handlers.
func (g *Guard) JWTAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := g.RequireAuth(c.Request())
			if err != nil {
				return WriteError(c, err)
			}
			SetPrincipal(c, p)
			return next(c)
		}
	}
}
