package checkin

import "errors"

// Kind classifies a failure for callers. Kinds are stable strings suitable
// for API responses.
type Kind string

const (
	KindValidation Kind = "validation"
	KindDecode     Kind = "decode"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage"
	KindInternal   Kind = "internal"
)

// Error is returned by every operation in this package. Message is safe to
// show to untrusted callers; Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidRequest   = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrMalformedPayload = &Error{Kind: KindDecode, Message: "malformed payload"}
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "not found"}
	ErrAlreadyCheckedIn = &Error{Kind: KindConflict, Message: "already checked in"}
	ErrStorage          = &Error{Kind: KindStorage, Message: "storage unavailable, retry later"}
)

func validationError(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

func storageError(err error) error {
	return &Error{Kind: KindStorage, Message: ErrStorage.Message, Err: err}
}

// KindOf reports the Kind of err, or KindInternal for errors that did not
// come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
