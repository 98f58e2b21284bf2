// Package apperror defines the error taxonomy shared by the sync services.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetworkTimeout       Kind = "network_timeout"
	KindNetwork              Kind = "network_error"
	KindServerRejected       Kind = "server_rejected"
	KindServerError          Kind = "server_error"
	KindInvalidResponseShape Kind = "invalid_response_shape"
	KindConcurrent           Kind = "concurrent_operation_in_progress"
	KindPrecondition         Kind = "precondition_failed"
	KindUnknown              Kind = "unknown"
)

// Error is a classified failure. Status is the HTTP status when the failure came from the API.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. An err that already carries a Kind keeps it.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Op: op, Status: ae.Status, Message: ae.Message, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, KindUnknown otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing message of err without the op prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Message != "" {
			return ae.Message
		}
		if ae.Err != nil {
			return ae.Err.Error()
		}
		return string(ae.Kind)
	}
	return err.Error()
}
