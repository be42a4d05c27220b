// ABOUTME: Wire acknowledgement envelope and the error-to-envelope mapping.
// ABOUTME: Every method call resolves to exactly one Ack, success or failure.

package dispatch

import (
	"errors"

	"github.com/fableforge/rift/internal/service"
)

// Wire failure codes. Authorization failures carry no code; their message is
// the distinguishing signal.
const (
	CodeUnauthenticated = 401
	CodeUnknownTarget   = 404
	CodeInternal        = 500
)

// Ack is the single acknowledgement a method call resolves to.
type Ack struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// OK builds a success envelope.
func OK(data any) Ack {
	return Ack{Success: true, Data: data}
}

// Fail builds a failure envelope with an optional code.
func Fail(message string, code int) Ack {
	return Ack{Success: false, Error: message, Code: code}
}

// AckError maps a handler or access-check error onto the wire envelope.
// Unauthenticated callers get 401; authorization failures carry the verbatim
// permission message and no code; anything unexpected is a 500.
func AckError(err error) Ack {
	switch {
	case errors.Is(err, service.ErrAuthRequired):
		return Fail("Authentication required", CodeUnauthenticated)
	case errors.Is(err, service.ErrPermission):
		return Fail(service.ErrPermission.Error(), 0)
	case errors.Is(err, service.ErrNotFound):
		return Fail("Not found", CodeUnknownTarget)
	case errors.Is(err, service.ErrDuplicate):
		return Fail(err.Error(), 0)
	default:
		return Fail("Internal error", CodeInternal)
	}
}
