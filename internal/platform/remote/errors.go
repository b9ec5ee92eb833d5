package remote

import (
	"context"
	"errors"
	"fmt"
)

// Error codes shared by all backends. The REST backend passes through the
// codes PostgREST and GoTrue send; local backends emit the same ones.
const (
	CodeSingleRow       = "PGRST116"
	CodeNoRelationship  = "PGRST200"
	CodeUndefinedTable  = "42P01"
	CodeUndefinedColumn = "42703"
	CodeInvalidInput    = "22P02"
	CodeUniqueViolation = "23505"
	CodeInvalidGrant    = "invalid_grant"
	CodeUserExists      = "user_already_exists"
	CodeNoSession       = "session_not_found"
	CodeNetwork         = "network_error"
)

// ErrSingleRow matches any error raised because a single-row request
// matched zero or several rows.
var ErrSingleRow = errors.New("remote: expected exactly one row")

// ErrNoSession is returned by auth calls that need a signed-in session.
var ErrNoSession = &Error{Code: CodeNoSession, Message: "Auth session missing!", Status: 401}

// Error is a failure reported by the Remote Data Service.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSingleRow) match single-row violations.
func (e *Error) Is(target error) bool {
	if target == ErrSingleRow {
		return e.Code == CodeSingleRow
	}
	t, ok := target.(*Error)
	return ok && t.Code != "" && t.Code == e.Code
}

// SingleRowError builds the error for a single-row request that matched n rows.
func SingleRowError(n int) *Error {
	return &Error{
		Code:    CodeSingleRow,
		Message: "JSON object requested, multiple (or no) rows returned",
		Details: fmt.Sprintf("The result contains %d rows", n),
		Status:  406,
	}
}

// NetworkError wraps a transport failure.
func NetworkError(err error) *Error {
	return &Error{Code: CodeNetwork, Message: err.Error(), Err: err}
}

// IsSingleRow reports whether err is a single-row violation.
func IsSingleRow(err error) bool { return errors.Is(err, ErrSingleRow) }

// IsCanceled reports whether err came from a canceled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
