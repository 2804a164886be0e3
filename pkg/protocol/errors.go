package protocol

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
	ErrVerificationMismatch = errors.New("chunk hash verification failed")
	ErrProtocol             = errors.New("protocol error")
	ErrIO                   = errors.New("io error")
	ErrInvalid              = errors.New("invalid request")
)

// HTTPStatus maps an error to the status code the HTTP API answers with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrProtocol):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ErrorForStatus is the inverse of HTTPStatus for client code. It returns nil
// for 2xx codes.
func ErrorForStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return ErrInvalid
	}
	return ErrIO
}

// ErrorResponse is the JSON body of every non-2xx API answer.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
