// Package errkind provides a categorized error type whose kinds map to
// HTTP status codes at the service boundary.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of an error.
type Kind string

const (
	KindUnknown             Kind = "Unknown"
	KindDatabaseError       Kind = "Database"
	KindCommunicationError  Kind = "Communication"
	KindEntityDoesNotExist  Kind = "NotFound"
	KindContractInvalid     Kind = "ContractInvalid"
	KindServerError         Kind = "UnexpectedServerError"
	KindLimitExceeded       Kind = "LimitExceeded"
	KindStatusConflict      Kind = "StatusConflict"
	KindDuplicateName       Kind = "DuplicateName"
	KindInvalidID           Kind = "InvalidId"
	KindServiceUnavailable  Kind = "ServiceUnavailable"
	KindNotAllowed          Kind = "NotAllowed"
	KindServiceLocked       Kind = "ServiceLocked"
	KindNotImplemented      Kind = "NotImplemented"
	KindRangeNotSatisfiable Kind = "RangeNotSatisfiable"
	KindIOError             Kind = "IOError"
)

// Error carries a kind tag, a human-readable message, and an optional
// wrapped cause.
type Error struct {
	kind    Kind
	message string
	err     error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) Error {
	return Error{kind: kind, message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) Error {
	return Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping an inner cause.
func Wrap(kind Kind, message string, err error) Error {
	return Error{kind: kind, message: message, err: err}
}

func (e Error) Error() string {
	if e.err == nil {
		return e.message
	}
	if e.message == "" {
		return e.err.Error()
	}
	return e.message + ": " + e.err.Error()
}

func (e Error) Unwrap() error {
	return e.err
}

// Kind returns the error's category.
func (e Error) Kind() Kind {
	return e.kind
}

// KindOf walks the unwrap chain and returns the kind of the outermost
// categorized error, or KindUnknown if the chain carries none.
func KindOf(err error) Kind {
	for err != nil {
		var e Error
		if errors.As(err, &e) {
			return e.kind
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// HTTPStatus maps an error to the status code of its kind. Uncategorized
// errors map to 500.
func HTTPStatus(err error) int {
	return StatusOf(KindOf(err))
}

// StatusOf maps a kind to its HTTP status code.
func StatusOf(kind Kind) int {
	switch kind {
	case KindEntityDoesNotExist:
		return http.StatusNotFound
	case KindContractInvalid, KindInvalidID:
		return http.StatusBadRequest
	case KindStatusConflict, KindDuplicateName:
		return http.StatusConflict
	case KindLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindNotAllowed:
		return http.StatusMethodNotAllowed
	case KindServiceLocked:
		return http.StatusLocked
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case KindDatabaseError, KindCommunicationError, KindServerError, KindIOError, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
