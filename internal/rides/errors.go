package rides

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/escort-dispatch/internal/storage"
)

// Kind classifies every failure the engine can return.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidStatus       Kind = "INVALID_STATUS"
	KindInvalidTarget       Kind = "INVALID_TARGET"
	KindNoOpTransition      Kind = "NO_OP_TRANSITION"
	KindTerminalState       Kind = "TERMINAL_STATE"
	KindForbidden           Kind = "FORBIDDEN"
	KindAlreadyAssigned     Kind = "ALREADY_ASSIGNED"
	KindResponderBusy       Kind = "RESPONDER_BUSY"
	KindActiveRequestExists Kind = "ACTIVE_REQUEST_EXISTS"
	KindInvalidPayload      Kind = "INVALID_PAYLOAD"
	KindRaceLost            Kind = "RACE_LOST"
	KindUnavailable         Kind = "UNAVAILABLE"
	KindInternal            Kind = "INTERNAL"
)

// Error is the structured application error handed to callers. Err keeps the
// underlying cause for logs; it is never rendered to clients.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether re-reading and resubmitting may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRaceLost || e.Kind == KindUnavailable
}

func newError(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Message: msg}
}

func errNotFound() *Error {
	return newError(KindNotFound, http.StatusBadRequest, "Invalid ride id")
}

func errInvalidStatus() *Error {
	return newError(KindInvalidStatus, http.StatusBadRequest, "Invalid status")
}

func errNoOp() *Error {
	return newError(KindNoOpTransition, http.StatusBadRequest, "Please set different status")
}

func errTerminal() *Error {
	return newError(KindTerminalState, http.StatusBadRequest, "Sorry! you can not update the status of this request anymore")
}

func errInvalidTarget() *Error {
	return newError(KindInvalidTarget, http.StatusBadRequest, "Sorry! you can not update this status")
}

func errNotAccepted() *Error {
	return newError(KindInvalidTarget, http.StatusBadRequest, "Sorry! this request has not been accepted yet")
}

func errForbidden(msg string) *Error {
	return newError(KindForbidden, http.StatusBadRequest, msg)
}

func errAlreadyAssigned() *Error {
	return newError(KindAlreadyAssigned, http.StatusBadRequest, "Sorry! this request already assigned to other")
}

func errResponderBusy() *Error {
	return newError(KindResponderBusy, http.StatusBadRequest, "Sorry! you can not update this status as you already have active request")
}

func errActiveRequestExists() *Error {
	return newError(KindActiveRequestExists, http.StatusBadRequest, "You already have an active request")
}

func errInvalidPayload(msg string) *Error {
	return newError(KindInvalidPayload, http.StatusBadRequest, msg)
}

func errRaceLost() *Error {
	return newError(KindRaceLost, http.StatusConflict, "This request was updated by someone else, please retry")
}

// classify turns a store failure into an *Error; nothing leaves the engine unclassified.
func classify(err error) *Error {
	var appErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, storage.ErrNotFound):
		return errNotFound()
	case errors.Is(err, storage.ErrConflict):
		return errRaceLost()
	case errors.Is(err, storage.ErrActiveRequestExists):
		return errActiveRequestExists()
	case errors.Is(err, storage.ErrResponderBusy):
		return errResponderBusy()
	case errors.Is(err, context.DeadlineExceeded):
		e := newError(KindUnavailable, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry")
		e.Err = err
		return e
	default:
		e := newError(KindInternal, http.StatusInternalServerError, "Unable to process your request")
		e.Err = err
		return e
	}
}

// AsError classifies any error into the application error shape.
func AsError(err error) *Error { return classify(err) }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
