package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/estate-auth/internal/model"
)

// RequireRole rejects requests whose principal satisfies none of roles.  It
// must run after JWTAuth; a missing principal is Unauthorized.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFrom(c)
			if !ok {
				return WriteError(c, errUnauthorized)
			}
			if !Allowed(p, roles...) {
				return WriteError(c, errForbidden)
			}
			return next(c)
		}
	}
}
