package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/estate-auth/internal/service"
)

// KindBadRequest tags malformed requests rejected before reaching a flow.
const KindBadRequest service.Kind = "BadRequest"

var kindStatus = map[service.Kind]int{
	KindBadRequest:                       http.StatusBadRequest,
	service.KindNotFound:                 http.StatusNotFound,
	service.KindInvalidCredentials:       http.StatusUnauthorized,
	service.KindAccountSuspended:         http.StatusForbidden,
	service.KindPasswordLoginUnavailable: http.StatusBadRequest,
	service.KindConflict:                 http.StatusConflict,
	service.KindInvalidCode:              http.StatusBadRequest,
	service.KindExpired:                  http.StatusBadRequest,
	service.KindInvalidToken:             http.StatusUnauthorized,
	service.KindTokenExpired:             http.StatusUnauthorized,
	service.KindUnauthorized:             http.StatusUnauthorized,
	service.KindForbidden:                http.StatusForbidden,
	service.KindStoreUnavailable:         http.StatusServiceUnavailable,
	service.KindInternal:                 http.StatusInternalServerError,
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind service.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	OK      bool         `json:"ok"`
	Kind    service.Kind `json:"kind"`
	Message string       `json:"message"`
}

// WriteError renders err.  Only the client-safe message of a *service.Error
// is exposed; anything else becomes a generic internal error.
func WriteError(c echo.Context, err error) error {
	body := ErrorBody{Kind: service.KindInternal, Message: "internal error"}
	var se *service.Error
	if errors.As(err, &se) {
		body.Kind, body.Message = se.Kind, se.Message
	}
	return c.JSON(StatusOf(body.Kind), body)
}

// BadRequest renders a validation failure.
func BadRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Kind: KindBadRequest, Message: msg})
}
