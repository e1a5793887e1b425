// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the error taxonomy used across the control plane
// core. Callers distinguish failure modes with errors.Is against the
// sentinel Codes below rather than string matching. The RPC and tunnel
// managers return these errors, so their callers can branch on the failure
// class.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies a failure the way the core's components report them to
// their callers and to logs.
type Code string

const (
	// CodeTransport is an underlying I/O failure. Connection-level transports
	// trigger cleanup when this occurs.
	CodeTransport Code = "transport"
	// CodeTimeout means a deadline was exceeded before a response arrived.
	CodeTimeout Code = "timeout"
	// CodeRouterOffline means no heartbeat or no registry fact existed, so no
	// network attempt was made.
	CodeRouterOffline Code = "router-offline"
	// CodeRemoteError means the router returned a structured error.
	CodeRemoteError Code = "remote-error"
	// CodePolicy is an authentication/authorization failure.
	CodePolicy Code = "policy"
	// CodeConflict is an invariant breach with no state mutation performed.
	CodeConflict Code = "conflict"
	// CodeInternal is an unrecoverable bug; the process continues regardless.
	CodeInternal Code = "internal"
)

// Error is the concrete error type every core component returns for a
// classified failure.
type Error struct {
	Code    Code
	Message string
	// Detail carries a remote-error payload verbatim (e.g. a router's error
	// body) so callers can inspect it without re-parsing anything.
	Detail any
	// Cause is the underlying error, if any, preserved for %w unwrapping.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.ErrTimeout) match any *Error with the same
// Code, regardless of message or detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons; only Code is compared.
var (
	ErrTransport     = &Error{Code: CodeTransport}
	ErrTimeout       = &Error{Code: CodeTimeout}
	ErrRouterOffline = &Error{Code: CodeRouterOffline}
	ErrRemote        = &Error{Code: CodeRemoteError}
	ErrPolicy        = &Error{Code: CodePolicy}
	ErrConflict      = &Error{Code: CodeConflict}
	ErrInternal      = &Error{Code: CodeInternal}
)

// CodeOf extracts the Code of err if it is (or wraps) an *Error, with ok=false
// otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
