package types

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Domain errors surfaced by the impersonation lifecycle. All are recoverable,
// caller-facing conditions mapped to 4xx responses; none are retried.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidTarget    = errors.New("invalid impersonation target")
	ErrConflict         = errors.New("an active session already exists for this target")
	ErrAlreadyProcessed = errors.New("session already has a decision")
	ErrNotActive        = errors.New("session is not active")
	ErrValidation       = errors.New("validation failed")
)

// HTTPError represents an error that is surfaced to the user via HTTP.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http error[%d]: %s, %s", e.Code, e.Msg, e.Err)
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// WriteHTTPError writes an HTTPError to the response writer.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var herr HTTPError
	if errors.As(err, &herr) {
		http.Error(w, herr.Msg, herr.Code)
		log.Error().Err(herr.Err).Int("code", herr.Code).Msgf("user msg: %s", herr.Msg)
	} else {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		log.Error().Err(err).Int("code", http.StatusInternalServerError).Msg("http internal server error")
	}
}

// HTTPErrorFor maps a domain error onto the HTTPError the handlers return,
// so every rejected transition carries its specific reason.
func HTTPErrorFor(err error) HTTPError {
	switch {
	case errors.Is(err, ErrNotFound):
		return NewHTTPError(http.StatusNotFound, err.Error(), err)
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrValidation):
		return NewHTTPError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrNotActive):
		return NewHTTPError(http.StatusConflict, err.Error(), err)
	default:
		return NewHTTPError(http.StatusInternalServerError, "internal server error", err)
	}
}
