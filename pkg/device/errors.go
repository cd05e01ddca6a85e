package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure categories surfaced by the client.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotReady
	KindUnsupported
	KindUnauthorized
	KindInvalidArgument
	KindTimeout
	KindCanceled
	KindBusy
	KindDeviceNotFound
	KindConnectFailed
	KindGattFailure
	KindCharacteristicNotFound
	KindDescriptorNotFound
	KindAlreadyConnected
	KindNotConnected
	KindSubscriptionExists
	KindNotSubscribed
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                "unknown",
	KindNotReady:               "not ready",
	KindUnsupported:            "unsupported",
	KindUnauthorized:           "unauthorized",
	KindInvalidArgument:        "invalid argument",
	KindTimeout:                "timeout",
	KindCanceled:               "canceled",
	KindBusy:                   "busy",
	KindDeviceNotFound:         "device not found",
	KindConnectFailed:          "connect failed",
	KindGattFailure:            "gatt failure",
	KindCharacteristicNotFound: "characteristic not found",
	KindDescriptorNotFound:     "descriptor not found",
	KindAlreadyConnected:       "already connected",
	KindNotConnected:           "not connected",
	KindSubscriptionExists:     "subscription exists",
	KindNotSubscribed:          "not subscribed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the single error type produced by the client core. Two Errors
// match under errors.Is when their kinds are equal, so callers can test
// against the sentinels below regardless of Op, DeviceID or cause.
type Error struct {
	Kind     ErrorKind
	Op       string   // operation that failed, e.g. "read" (optional)
	DeviceID DeviceID // device the operation targeted (optional)
	Msg      string   // additional detail (optional)
	Err      error    // underlying cause (optional)
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.DeviceID != "" {
			fmt.Fprintf(&b, " %s", e.DeviceID)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrNotReady               = &Error{Kind: KindNotReady}
	ErrUnsupported            = &Error{Kind: KindUnsupported}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrCanceled               = &Error{Kind: KindCanceled}
	ErrBusy                   = &Error{Kind: KindBusy}
	ErrDeviceNotFound         = &Error{Kind: KindDeviceNotFound}
	ErrConnectFailed          = &Error{Kind: KindConnectFailed}
	ErrGattFailure            = &Error{Kind: KindGattFailure}
	ErrCharacteristicNotFound = &Error{Kind: KindCharacteristicNotFound}
	ErrDescriptorNotFound     = &Error{Kind: KindDescriptorNotFound}
	ErrAlreadyConnected       = &Error{Kind: KindAlreadyConnected}
	ErrNotConnected           = &Error{Kind: KindNotConnected}
	ErrSubscriptionExists     = &Error{Kind: KindSubscriptionExists}
	ErrNotSubscribed          = &Error{Kind: KindNotSubscribed}
)

// NewError builds an Error of the given kind for an operation on a device.
func NewError(kind ErrorKind, op string, id DeviceID, cause error) *Error {
	return &Error{Kind: kind, Op: op, DeviceID: id, Err: cause}
}

// Errorf builds an Error of the given kind with a formatted detail message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the ErrorKind carried by err. Errors that are not part of
// the taxonomy report KindUnknown; nil reports KindUnknown as well.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NormalizeError maps an arbitrary error reported by an adapter onto the
// taxonomy. Errors that already carry a kind are returned unchanged, context
// errors become Canceled/Timeout and everything else is a GattFailure.
// The original error is preserved as the cause.
func NormalizeError(op string, id DeviceID, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" && op != "" {
			return &Error{Kind: e.Kind, Op: op, DeviceID: id, Msg: e.Msg, Err: e.Err}
		}
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, op, id, err)
	case errors.Is(err, context.Canceled):
		return NewError(KindCanceled, op, id, err)
	default:
		return NewError(KindGattFailure, op, id, err)
	}
}
