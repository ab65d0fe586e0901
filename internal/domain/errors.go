package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide retry vs. abort.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error of the matching Kind satisfies them.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("concurrency conflict")
	ErrRateLimited = errors.New("rate limited")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindRateLimited:
		return ErrRateLimited
	default:
		return nil
	}
}

// Error is a classified error raised by the core.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "submit report"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Validation builds a KindValidation error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// NotFound builds a KindNotFound error for the named entity.
func NotFound(op, entity, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s %q not found", entity, id)}
}

// Conflict builds a KindConflict error.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a KindRateLimited error for a submitter.
func RateLimited(op, submitterID string) error {
	return &Error{Kind: KindRateLimited, Op: op, Err: fmt.Errorf("submitter %q exceeded submission rate", submitterID)}
}
