package task

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted   = errors.New("task pool exhausted")
	ErrInvalidParam    = errors.New("invalid task parameter")
	ErrUnsupportedKind = errors.New("task kind not supported by generation")
	ErrKindMismatch    = errors.New("init does not match task kind")
	ErrBadState        = errors.New("task in wrong state")
	ErrInFlight        = errors.New("task still referenced by an unconsumed sqe")
	ErrChainTooLong    = errors.New("task needs more chained sqes than allowed")
	ErrStreamBound     = errors.New("stream model binding forbids operation")
)

// ParamError names the payload field that failed validation.
type ParamError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e ParamError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Field, e.Reason)
}

func (e ParamError) Unwrap() error {
	return ErrInvalidParam
}

func paramErr(k Kind, field, reason string) error {
	return ParamError{Kind: k, Field: field, Reason: reason}
}
