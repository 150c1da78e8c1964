package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/estate-auth/internal/middleware"
	"github.com/iliyamo/estate-auth/internal/model"
	"github.com/iliyamo/estate-auth/internal/service"
)

type profileReq struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
	PreferredCity string `json:"preferred_city"`
}

type changePasswordReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type statusReq struct {
	Status string `json:"status"`
}

var errNoPrincipal = &service.Error{Kind: service.KindUnauthorized, Message: "unauthorized"}

// Me: the caller's identity with a fresh status check (protected).
func (h *AuthHandler) Me(c echo.Context) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return middleware.WriteError(c, errNoPrincipal)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	me, err := h.Auth.Me(ctx, p)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true, "identity": me})
}

// AdminMe: like Me, behind the admin gate.  is_admin is kept at the top
// level for older admin clients.
func (h *AuthHandler) AdminMe(c echo.Context) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return middleware.WriteError(c, errNoPrincipal)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	me, err := h.Auth.Me(ctx, p)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true, "admin": me, "is_admin": me.IsAdmin})
}

// CompleteProfile: update names, email and city (protected).
func (h *AuthHandler) CompleteProfile(c echo.Context) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return middleware.WriteError(c, errNoPrincipal)
	}
	var req profileReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	if !validEmail(req.Email) {
		return middleware.BadRequest(c, "invalid email")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	me, err := h.Auth.CompleteProfile(ctx, p, service.ProfileInput{
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Email:         strings.TrimSpace(req.Email),
		PreferredCity: req.PreferredCity,
	})
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true, "identity": me})
}

// ChangePassword: set or change the caller's password (protected).
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return middleware.WriteError(c, errNoPrincipal)
	}
	var req changePasswordReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	// current_password may be empty for identities without one.
	if req.NewPassword == "" {
		return middleware.BadRequest(c, "new_password required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Auth.ChangePassword(ctx, p, req.CurrentPassword, req.NewPassword); err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true})
}

// SetStatus: suspend, reactivate or soft-delete an identity (super_admin).
func (h *AuthHandler) SetStatus(c echo.Context) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return middleware.WriteError(c, errNoPrincipal)
	}
	// Parse the target identity ID from the path.
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return middleware.BadRequest(c, "invalid id")
	}
	var req statusReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	// Accept "Suspended", " active " and similar spellings.
	status := model.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		return middleware.BadRequest(c, "status must be active, suspended or deleted")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	got, err := h.Auth.SetStatus(ctx, p, id, status)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true, "identity": got})
}
