package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/inference"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrBusy           = errors.New("busy")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps err to an HTTP status, an error type and the error kind
// name used as the code.
func classify(err error) (status int, errType, code string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", ""
	case errors.Is(err, ErrBusy), errors.Is(err, inference.ErrBusy):
		return http.StatusTooManyRequests, "rate_limit_error", "busy"
	}
	kind := errdefs.KindOf(err)
	switch kind {
	case errdefs.KindConfigMismatch, errdefs.KindInvalidRegion:
		return http.StatusUnprocessableEntity, "invalid_request_error", kind.String()
	case errdefs.KindModelCall:
		return http.StatusBadGateway, "model_error", kind.String()
	case errdefs.KindConfig:
		return http.StatusInternalServerError, "server_error", kind.String()
	}
	return http.StatusInternalServerError, "server_error", ""
}
