package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类，决定调用方的处理方式和 HTTP 状态码
type Kind int

const (
	KindInternal Kind = iota
	KindInput
	KindUnavailable
	KindComputation
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "invalid_input"
	case KindUnavailable:
		return "collaborator_unavailable"
	case KindComputation:
		return "computation_error"
	default:
		return "internal_error"
	}
}

// Error is the typed error returned across the application boundary.
type Error struct {
	Kind     Kind
	Op       string // 出错的操作，例如 "orchestrator.GetOpportunities"
	Msg      string
	NotFound bool // KindInput 的细分：目标不存在
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err, apperr.Unavailable)
// works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && t.Op == "" && t.Msg == ""
}

// Sentinels for errors.Is.
var (
	Input       = &Error{Kind: KindInput}
	Unavailable = &Error{Kind: KindUnavailable}
	Computation = &Error{Kind: KindComputation}
	Internal    = &Error{Kind: KindInternal}
)

func InputError(op, msg string) *Error {
	return &Error{Kind: KindInput, Op: op, Msg: msg}
}

func NotFoundError(op, msg string) *Error {
	return &Error{Kind: KindInput, Op: op, Msg: msg, NotFound: true}
}

func UnavailableError(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

func ComputationError(op, msg string) *Error {
	return &Error{Kind: KindComputation, Op: op, Msg: msg}
}

func InternalError(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, KindInternal
// when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err carries a not-found input error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.NotFound
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	if IsNotFound(err) {
		return http.StatusNotFound
	}
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code for err.
func Code(err error) string {
	if IsNotFound(err) {
		return "not_found"
	}
	return KindOf(err).String()
}
