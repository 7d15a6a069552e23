package polls

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindPollNotFound       Kind = "POLL_NOT_FOUND"
	KindPollClosed         Kind = "POLL_CLOSED"
	KindInvalidOption      Kind = "INVALID_OPTION"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindForbidden          Kind = "FORBIDDEN"
	// KindConflict is reconciled inside the engine and never returned.
	KindConflict Kind = "CONFLICT"
)

// Error is the error type returned by every operation in this package.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors of the same kind, so errors.Is(err, ErrPollClosed) works
// for any closed-poll error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Message: "you must be signed in to vote"}
	ErrPollNotFound    = &Error{Kind: KindPollNotFound, Message: "we don't know what poll that is"}
	ErrPollClosed      = &Error{Kind: KindPollClosed, Message: "this poll is not accepting votes"}
	ErrInvalidOption   = &Error{Kind: KindInvalidOption, Message: "that option is not part of this poll"}
	ErrForbidden       = &Error{Kind: KindForbidden, Message: "only the poll owner can do that"}
)

// Storage sentinels. Store implementations return (or wrap) these; the
// engine translates them into the taxonomy above.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("uniqueness conflict")
)

func invalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

func storageUnavailable(err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: "storage unavailable", cause: err}
}

// KindOf classifies err. Anything that is not a *Error is a storage failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrConflict) {
		return KindConflict
	}
	return KindStorageUnavailable
}

// normalize turns store errors into taxonomy errors. Timeouts and driver
// failures become StorageUnavailable; ErrConflict passes through untouched
// so the engine can reconcile it.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrConflict) {
		return err
	}
	return storageUnavailable(err)
}
