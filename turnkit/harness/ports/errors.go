package harnessports

import (
	"errors"
	"fmt"
)

// BackendErrorKind classifies backend failures.
type BackendErrorKind string

const (
	BackendNetwork           BackendErrorKind = "network"
	BackendAuth              BackendErrorKind = "auth"
	BackendMalformedResponse BackendErrorKind = "malformed_response"
	BackendProvider          BackendErrorKind = "provider"
)

// BackendError is the only error that terminates a run.
type BackendError struct {
	Kind     BackendErrorKind
	Provider string
	Message  string
	Cause    error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("backend %s error (%s): %s", e.Kind, e.Provider, msg)
	}
	return fmt.Sprintf("backend %s error: %s", e.Kind, msg)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// NewBackendError builds a BackendError of the given kind.
func NewBackendError(kind BackendErrorKind, provider, message string, cause error) *BackendError {
	return &BackendError{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// AsBackendError returns err as a *BackendError, classifying untyped errors as provider errors.
func AsBackendError(err error) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	return &BackendError{Kind: BackendProvider, Cause: err}
}

// IsBackendKind reports whether err is a BackendError of the given kind.
func IsBackendKind(err error, kind BackendErrorKind) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == kind
}
