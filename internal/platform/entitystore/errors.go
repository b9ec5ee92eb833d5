package entitystore

import (
	"errors"
	"net/http"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// Kind classifies a store failure.
type Kind string

const (
	KindRemote    Kind = "remote"
	KindSingleRow Kind = "single_row"
	KindPartial   Kind = "partial"
	KindInvalid   Kind = "invalid"
	KindCanceled  Kind = "canceled"
)

// Error is returned by every store operation that fails. Its message is
// what the store's error slot shows.
type Error struct {
	Store string
	Op    string
	Kind  Kind
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Invalid builds an error for input rejected before any remote call.
func Invalid(msg string) *Error {
	return &Error{Kind: KindInvalid, Err: errors.New(msg)}
}

// Classify wraps err with its kind. Errors that already carry a kind keep it.
func Classify(store, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		out := *se
		if out.Store == "" {
			out.Store = store
		}
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	kind := KindRemote
	switch {
	case remote.IsCanceled(err):
		kind = KindCanceled
	case remote.IsSingleRow(err):
		kind = KindSingleRow
	}
	return &Error{Store: store, Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a store error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is reports whether err is a store error of kind k.
func Is(err error, k Kind) bool { return KindOf(err) == k }

// HTTPStatus maps err to the status handlers respond with. A unique
// violation is a conflict; every other remote failure is a bad gateway.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalid:
		return http.StatusBadRequest
	case KindSingleRow:
		return http.StatusNotFound
	case KindCanceled:
		return http.StatusGatewayTimeout
	case KindPartial:
		return http.StatusCreated
	}
	var re *remote.Error
	if errors.As(err, &re) && re.Code == remote.CodeUniqueViolation {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}
