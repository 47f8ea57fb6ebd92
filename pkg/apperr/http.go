package apperr

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

var statusByKind = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindConflict:           http.StatusConflict,
	KindInvalidTransition:  http.StatusConflict,
	KindNotFound:           http.StatusNotFound,
	KindStorageUnavailable: http.StatusServiceUnavailable,
}

// Body is the JSON error envelope returned by the HTTP layer.
type Body struct {
	Error     Kind   `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HTTPError converts an engine error into an echo error carrying the matching
// status and a Body. Errors without a kind become an opaque 500.
func HTTPError(err error) *echo.HTTPError {
	var ae *Error
	if !asError(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	code, ok := statusByKind[ae.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	msg := ae.Message
	if ae.Kind == KindStorageUnavailable {
		msg = "storage temporarily unavailable, retry the request"
	}
	return echo.NewHTTPError(code, Body{
		Error:     ae.Kind,
		Message:   msg,
		Retryable: ae.Kind == KindStorageUnavailable,
	}).SetInternal(err)
}
