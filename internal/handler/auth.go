package handler

import (
	"context"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/estate-auth/internal/middleware"
	"github.com/iliyamo/estate-auth/internal/model"
	"github.com/iliyamo/estate-auth/internal/service"
	"github.com/iliyamo/estate-auth/internal/utils"
)

// RefreshCookie and RefreshHeader carry the refresh token when it is not in
// the request body.
const (
	RefreshCookie = "refresh_token"
	RefreshHeader = "X-Refresh-Token"
)

const requestTimeout = 5 * time.Second

var (
	phoneRe = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	codeRe  = regexp.MustCompile(`^[0-9]{6}$`)
)

// AuthHandler exposes the authentication flows over HTTP.
type AuthHandler struct {
	Auth          *service.AuthService
	SecureCookies bool
}

func NewAuthHandler(auth *service.AuthService, secureCookies bool) *AuthHandler {
	return &AuthHandler{Auth: auth, SecureCookies: secureCookies}
}

// ----- DTOs -----

type loginReq struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Password   string `json:"password"`
}

type phoneReq struct {
	Phone string `json:"phone"`
}

type verifyOTPReq struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type registerReq struct {
	Phone         string `json:"phone"`
	FullName      string `json:"full_name"`
	Email         string `json:"email"`
	PreferredCity string `json:"preferred_city"`
}

type signupReq struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Password  string `json:"password"`
}

type resetReq struct {
	Phone       string `json:"phone"`
	Code        string `json:"otp"`
	NewPassword string `json:"new_password"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type adminLoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResp struct {
	OK        bool                 `json:"ok"`
	Identity  model.PublicIdentity `json:"identity"`
	Access    utils.SignedToken    `json:"access"`
	Refresh   utils.SignedToken    `json:"refresh"`
	IsNewUser bool                 `json:"is_new_user"`
}

type otpResp struct {
	OK        bool      `json:"ok"`
	Phone     string    `json:"phone"`
	OTP       string    `json:"otp,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type registerResp struct {
	OK         bool                 `json:"ok"`
	Identity   model.PublicIdentity `json:"identity"`
	IsExisting bool                 `json:"is_existing"`
	IsNewUser  bool                 `json:"is_new_user"`
}

// Login: password login by email or phone.
func (h *AuthHandler) Login(c echo.Context) error {
	// Bind the JSON body into the DTO.
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	// Older clients send email or phone instead of identifier.
	identifier := firstNonEmpty(req.Identifier, req.Email, req.Phone)
	if identifier == "" || req.Password == "" {
		return middleware.BadRequest(c, "identifier/password required")
	}
	// phones are stored normalized, so strip separators before lookup; an
	// identifier that still is not a phone simply fails as InvalidCredentials
	if !strings.Contains(identifier, "@") {
		identifier, _ = normalizePhone(identifier)
	}

	// Bound the store round trips with a per-request timeout.
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sess, err := h.Auth.Login(ctx, identifier, req.Password)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return h.writeSession(c, http.StatusOK, sess)
}

// SendOTP: issue a login code, creating the identity when unknown.
func (h *AuthHandler) SendOTP(c echo.Context) error {
	var req phoneReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	phone, ok := normalizePhone(req.Phone)
	if !ok {
		return middleware.BadRequest(c, "valid phone required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sent, err := h.Auth.SendOTP(ctx, phone)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, otpResp{OK: true, Phone: sent.Phone, OTP: sent.Code, ExpiresAt: sent.ExpiresAt})
}

// VerifyOTP: consume a login code and return a session.
func (h *AuthHandler) VerifyOTP(c echo.Context) error {
	var req verifyOTPReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	// Reject malformed codes before touching the store.
	phone, ok := normalizePhone(req.Phone)
	if !ok || !codeRe.MatchString(strings.TrimSpace(req.Code)) {
		return middleware.BadRequest(c, "valid phone and 6-digit code required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sess, err := h.Auth.VerifyOTP(ctx, phone, strings.TrimSpace(req.Code))
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return h.writeSession(c, http.StatusOK, sess)
}

// Register: idempotent registration by phone.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	phone, ok := normalizePhone(req.Phone)
	if !ok || strings.TrimSpace(req.FullName) == "" {
		return middleware.BadRequest(c, "phone/full_name required")
	}
	if !validEmail(req.Email) {
		return middleware.BadRequest(c, "invalid email")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	reg, err := h.Auth.Register(ctx, service.RegisterInput{
		Phone:         phone,
		FullName:      req.FullName,
		Email:         strings.TrimSpace(req.Email),
		PreferredCity: strings.TrimSpace(req.PreferredCity),
	})
	if err != nil {
		return middleware.WriteError(c, err)
	}
	// 201 for a new identity, 200 when the phone was already registered.
	status := http.StatusCreated
	if reg.IsExisting {
		status = http.StatusOK
	}
	return c.JSON(status, registerResp{OK: true, Identity: reg.Identity, IsExisting: reg.IsExisting, IsNewUser: reg.IsNewUser})
}

// Signup: create an identity with an optional password and log it in.
func (h *AuthHandler) Signup(c echo.Context) error {
	var req signupReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	phone, ok := normalizePhone(req.Phone)
	if !ok || strings.TrimSpace(req.FirstName) == "" {
		return middleware.BadRequest(c, "first_name/phone required")
	}
	if !validEmail(req.Email) {
		return middleware.BadRequest(c, "invalid email")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sess, err := h.Auth.Signup(ctx, service.SignupInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     strings.TrimSpace(req.Email),
		Phone:     phone,
		Password:  req.Password,
	})
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return h.writeSession(c, http.StatusCreated, sess)
}

// ForgotPassword: issue a reset code for an existing phone.
func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	var req phoneReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	phone, ok := normalizePhone(req.Phone)
	if !ok {
		return middleware.BadRequest(c, "valid phone required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sent, err := h.Auth.ForgotPassword(ctx, phone)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, otpResp{OK: true, Phone: sent.Phone, OTP: sent.Code, ExpiresAt: sent.ExpiresAt})
}

// ResetPassword: consume a reset code and set a new password.
func (h *AuthHandler) ResetPassword(c echo.Context) error {
	var req resetReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	phone, ok := normalizePhone(req.Phone)
	if !ok || !codeRe.MatchString(strings.TrimSpace(req.Code)) || req.NewPassword == "" {
		return middleware.BadRequest(c, "phone/otp/new_password required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Auth.ResetPassword(ctx, phone, strings.TrimSpace(req.Code), req.NewPassword); err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true})
}

// Refresh: mint a new access token.  The refresh token is read from the
// X-Refresh-Token header, the refresh_token cookie or the body, in that
// order.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw := refreshToken(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	access, err := h.Auth.Refresh(ctx, raw)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true, "access": access})
}

// AdminLogin: email/password login restricted to admin roles.
func (h *AuthHandler) AdminLogin(c echo.Context) error {
	var req adminLoginReq
	if err := c.Bind(&req); err != nil {
		return middleware.BadRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return middleware.BadRequest(c, "email/password required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sess, err := h.Auth.AdminLogin(ctx, strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		return middleware.WriteError(c, err)
	}
	return h.writeSession(c, http.StatusOK, sess)
}

// Logout: revoke the presented access token and, if sent, the refresh token
// (protected).
func (h *AuthHandler) Logout(c echo.Context) error {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		return middleware.WriteError(c, &service.Error{Kind: service.KindUnauthorized, Message: "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Auth.Logout(ctx, p, refreshToken(c)); err != nil {
		return middleware.WriteError(c, err)
	}
	h.clearCookies(c)
	return c.JSON(http.StatusOK, echo.Map{"ok": true})
}

func (h *AuthHandler) writeSession(c echo.Context, status int, sess service.Session) error {
	// Browser clients use the cookies; API clients read the tokens from the body.
	h.setCookie(c, middleware.AccessCookie, sess.Tokens.Access)
	h.setCookie(c, RefreshCookie, sess.Tokens.Refresh)
	return c.JSON(status, sessionResp{
		OK:        true,
		Identity:  sess.Identity,
		Access:    sess.Tokens.Access,
		Refresh:   sess.Tokens.Refresh,
		IsNewUser: sess.IsNewUser,
	})
}

func (h *AuthHandler) setCookie(c echo.Context, name string, tok utils.SignedToken) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    tok.Token,
		Path:     "/v1",
		Expires:  tok.Expires,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookies(c echo.Context) {
	for _, name := range []string{middleware.AccessCookie, RefreshCookie} {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Path:     "/v1",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// refreshToken reads the refresh token from header, cookie or body.  A body
// is only bound when the request carries one.
func refreshToken(c echo.Context) string {
	// 1) explicit header
	if v := strings.TrimSpace(c.Request().Header.Get(RefreshHeader)); v != "" {
		return v
	}
	// 2) cookie set at login
	if ck, err := c.Cookie(RefreshCookie); err == nil && ck.Value != "" {
		return strings.TrimSpace(ck.Value)
	}
	if c.Request().ContentLength == 0 {
		return ""
	}
	// 3) JSON body; a malformed body just means no token
	var req refreshReq
	_ = c.Bind(&req)
	return strings.TrimSpace(req.RefreshToken)
}

// normalizePhone strips spaces and dashes and validates the result.
func normalizePhone(raw string) (string, bool) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	return p, phoneRe.MatchString(p)
}

// validEmail accepts an empty email (optional fields) or a bare address.
func validEmail(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	addr, err := mail.ParseAddress(raw)
	return err == nil && addr.Address == raw
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
