package domain

import (
	"errors"
	"strings"
)

// ErrorKind classifies every failure the engine surfaces upward.
type ErrorKind string

const (
	KindPermissionDenied       ErrorKind = "permission-denied"
	KindDeviceNotFound         ErrorKind = "device-not-found"
	KindDeviceInUse            ErrorKind = "device-in-use"
	KindSignalingError         ErrorKind = "signaling-error"
	KindNegotiationFailed      ErrorKind = "negotiation-failed"
	KindRenegotiationCollision ErrorKind = "renegotiation-collision"
	KindConnectionFailed       ErrorKind = "connection-failed"
	KindInvalidState           ErrorKind = "invalid-state"
	KindTimeout                ErrorKind = "timeout"
)

// CallError is the single error type returned by session operations.
type CallError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewCallError(kind ErrorKind, op string, err error) *CallError {
	return &CallError{Kind: kind, Op: op, Err: err}
}

func (e *CallError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// Is matches any *CallError of the same kind, so sentinels work with errors.Is.
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrPermissionDenied       = &CallError{Kind: KindPermissionDenied}
	ErrDeviceNotFound         = &CallError{Kind: KindDeviceNotFound}
	ErrDeviceInUse            = &CallError{Kind: KindDeviceInUse}
	ErrSignaling              = &CallError{Kind: KindSignalingError}
	ErrNegotiationFailed      = &CallError{Kind: KindNegotiationFailed}
	ErrRenegotiationCollision = &CallError{Kind: KindRenegotiationCollision}
	ErrConnectionFailed       = &CallError{Kind: KindConnectionFailed}
	ErrInvalidState           = &CallError{Kind: KindInvalidState}
	ErrTimeout                = &CallError{Kind: KindTimeout}
)

// KindOf extracts the kind of err, defaulting to signaling-error for foreign errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindSignalingError
}

// UserMessage is the actionable text shown for a failure kind.
func UserMessage(kind ErrorKind) string {
	switch kind {
	case KindPermissionDenied:
		return "Allow access to the microphone and camera to place calls."
	case KindDeviceNotFound:
		return "No microphone or camera was found."
	case KindDeviceInUse:
		return "The microphone or camera is used by another application."
	case KindConnectionFailed:
		return "The connection to the other participant was lost."
	case KindTimeout:
		return "The call could not be connected in time."
	default:
		return "The call failed."
	}
}
