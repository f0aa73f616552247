package sshsession

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can decide how to react.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindTransport      Kind = "transport"
	KindTimeout        Kind = "timeout"
	KindChannel        Kind = "channel"
	KindProtocol       Kind = "protocol"
	KindNotConnected   Kind = "not_connected"
	KindSizeExceeded   Kind = "size_exceeded"
	KindNotFound       Kind = "not_found"
	KindInvalid        Kind = "invalid"
	KindCommand        Kind = "command"
)

// Error is the error type returned across package boundaries by the session
// engine. Op names the failing operation, Detail is a human readable reason.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Detail != "" {
		if msg != "" {
			msg += ": "
		}
		msg += e.Detail
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the per-kind sentinels, so errors.Is(err, ErrNotFound) holds for
// any *Error of kind NotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrChannel        = &Error{Kind: KindChannel}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrNotConnected   = &Error{Kind: KindNotConnected}
	ErrSizeExceeded   = &Error{Kind: KindSizeExceeded}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrInvalid        = &Error{Kind: KindInvalid}
	ErrCommand        = &Error{Kind: KindCommand}
)

// NewError builds an *Error. Detail may be a format string.
func NewError(kind Kind, op string, err error, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NeedsReconnect reports whether err means the transport is gone or unusable
// and the caller should prompt for a new connection.
func NeedsReconnect(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindNotConnected:
		return true
	}
	return false
}
