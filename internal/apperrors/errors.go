// Package apperrors defines the failure classes the service layer and API
// distinguish. Call sites wrap the sentinels with pkg/errors so context is
// preserved and handlers can match with errors.Is.
package apperrors

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrValidation covers malformed input to message or conversation writes.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidPath means an active path is not a connected parent chain
	// over existing messages of the conversation.
	ErrInvalidPath = errors.New("path is not a connected parent chain")

	// ErrPathNotFound means a branch id did not resolve against the current
	// enumeration.
	ErrPathNotFound = errors.New("branch path not found")

	// ErrNoValidMessages means context assembly filtered out every message.
	ErrNoValidMessages = errors.New("no valid messages to send")

	// ErrUpstream wraps completion-provider failures; they are surfaced
	// without retry once provider fallback is exhausted.
	ErrUpstream = errors.New("completion provider failure")

	// ErrRecoverableInconsistency means the active path was persisted but the
	// per-message flags could not be, even after one retry. The path stays
	// authoritative; a later switch heals the flags.
	ErrRecoverableInconsistency = errors.New("active path flags out of sync")
)

func Validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func InvalidPathf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidPath, format, args...)
}

func PathNotFoundf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrPathNotFound, format, args...)
}

func Upstream(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrUpstream, err.Error())
}

// HTTPStatus maps a classified error to its response code. Unclassified
// errors are treated as internal.
func HTTPStatus(err error) uint32 {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidPath), errors.Is(err, ErrNoValidMessages):
		return http.StatusBadRequest
	case errors.Is(err, ErrPathNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
