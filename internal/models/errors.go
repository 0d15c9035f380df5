package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindEmptyBatch        ErrorKind = "EmptyBatch"
	KindNotFound          ErrorKind = "NotFound"
	KindUnsupportedFormat ErrorKind = "UnsupportedFormat"
	KindTransformFailure  ErrorKind = "TransformFailure"
	KindDownloadFailure   ErrorKind = "DownloadFailure"
	KindTransportError    ErrorKind = "TransportError"
	KindWriteFailure      ErrorKind = "WriteFailure"
	KindWorkspaceFailure  ErrorKind = "WorkspaceFailure"
	KindStoreFailure      ErrorKind = "StoreFailure"
)

// Error is the tagged error carried across package boundaries.
// StatusCode is set only for DownloadFailure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.StatusCode == 0 && t.Kind == e.Kind
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrEmptyBatch        = &Error{Kind: KindEmptyBatch}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrTransformFailure  = &Error{Kind: KindTransformFailure}
	ErrDownloadFailure   = &Error{Kind: KindDownloadFailure}
	ErrTransportError    = &Error{Kind: KindTransportError}
	ErrWriteFailure      = &Error{Kind: KindWriteFailure}
	ErrWorkspaceFailure  = &Error{Kind: KindWorkspaceFailure}
	ErrStoreFailure      = &Error{Kind: KindStoreFailure}

	// ErrTerminalState is returned by stores when a mutation targets a
	// completed or failed request.
	ErrTerminalState = errors.New("request already in terminal state")
	// ErrInvalidTransition is returned for a backward status move.
	ErrInvalidTransition = errors.New("invalid request status transition")
)
