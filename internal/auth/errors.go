package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindProtocol      Kind = "protocol"
	KindProvider      Kind = "provider"
	KindValidation    Kind = "validation"
	KindSession       Kind = "session"
	KindExpired       Kind = "expired"
)

var (
	ErrFlowStateMissing     = errors.New("auth flow state missing")
	ErrFlowStateExpired     = errors.New("auth flow state expired")
	ErrFlowProviderMismatch = errors.New("auth flow started for a different provider")
	ErrMissingCallbackParam = errors.New("callback is missing code or state")
	ErrStateMismatch        = errors.New("state mismatch")
	ErrNonceMismatch        = errors.New("nonce mismatch")
	ErrProviderDenied       = errors.New("provider returned an error")
)

// Error is a fatal flow error. Status is the HTTP status the default error
// handler answers with.
type Error struct {
	Kind     Kind
	Status   int
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func configurationError(providerID string, err error) *Error {
	return &Error{Kind: KindConfiguration, Status: http.StatusInternalServerError, Provider: providerID, Err: err}
}

func protocolError(providerID string, err error) *Error {
	return &Error{Kind: KindProtocol, Status: http.StatusUnauthorized, Provider: providerID, Err: err}
}

func expiredError(providerID string, err error) *Error {
	return &Error{Kind: KindExpired, Status: http.StatusUnauthorized, Provider: providerID, Err: err}
}

func providerError(providerID string, err error) *Error {
	return &Error{Kind: KindProvider, Status: http.StatusUnauthorized, Provider: providerID, Err: err}
}

func validationError(providerID string, err error) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusUnauthorized, Provider: providerID, Err: err}
}

func sessionError(providerID string, err error) *Error {
	return &Error{Kind: KindSession, Status: http.StatusInternalServerError, Provider: providerID, Err: err}
}

type errorBody struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// WriteError is the default error handler: a JSON body with the error kind.
func WriteError(w http.ResponseWriter, _ *http.Request, e *Error) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: e.Kind, Message: e.Err.Error()})
}
