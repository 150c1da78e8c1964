package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/estate-auth/internal/handler"
	"github.com/iliyamo/estate-auth/internal/metrics"
	"github.com/iliyamo/estate-auth/internal/middleware"
	"github.com/iliyamo/estate-auth/internal/model"
)

// RegisterRoutes registers routes that do not require authentication: the
// health check and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, m *metrics.Metrics, degraded bool) {
	e.GET("/healthz", handler.Health(degraded))
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
}

// RegisterAuth registers the authentication routes.  Session-less flows live
// under /v1/auth behind the rate limiter; protected endpoints live under /v1
// behind JWTAuth, with admin endpoints additionally gated by role.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, guard *middleware.Guard, limiter echo.MiddlewareFunc) {
	if limiter == nil {
		limiter = passThrough
	}

	g := e.Group("/v1/auth", limiter)
	g.POST("/login", a.Login)
	g.POST("/otp/send", a.SendOTP)
	g.POST("/otp/verify", a.VerifyOTP)
	g.POST("/register", a.Register)
	g.POST("/signup", a.Signup)
	g.POST("/password/forgot", a.ForgotPassword)
	g.POST("/password/reset", a.ResetPassword)
	g.POST("/refresh", a.Refresh)

	e.POST("/v1/admin/auth/login", a.AdminLogin, limiter)

	auth := e.Group("/v1", guard.JWTAuth())
	auth.GET("/me", a.Me)
	auth.PUT("/me/profile", a.CompleteProfile)
	auth.PUT("/me/password", a.ChangePassword)
	auth.POST("/logout", a.Logout)

	admin := auth.Group("/admin")
	admin.GET("/me", a.AdminMe, middleware.RequireRole(model.RoleAdmin))
	admin.PUT("/identities/:id/status", a.SetStatus, middleware.RequireRole(model.RoleSuperAdmin))
}

func passThrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

