package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can tell "change the request" from
// "wait and retry" from "contact the operator".
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidInput
	KindInsufficientBalance
	KindPoolInteraction
	KindOperationalState
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindPoolInteraction:
		return "pool_interaction_failure"
	case KindOperationalState:
		return "operational_state"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPoolInteraction     = errors.New("pool interaction failed")
	ErrOperationalState    = errors.New("operation not allowed in current state")

	// refinements of ErrOperationalState
	ErrPaused       = fmt.Errorf("%w: deposits paused", ErrOperationalState)
	ErrUnauthorized = fmt.Errorf("%w: caller is not the operator", ErrOperationalState)
	ErrReentrant    = fmt.Errorf("%w: reentrant call", ErrOperationalState)
)

// Error is a classified vault error. Reason is a stable identifier, e.g. "zero_amount".
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels, so errors.Is(err, ErrInvalidInput) works on any InvalidInput error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidInput:
		return e.Kind == KindInvalidInput
	case ErrInsufficientBalance:
		return e.Kind == KindInsufficientBalance
	case ErrPoolInteraction:
		return e.Kind == KindPoolInteraction
	case ErrOperationalState:
		return e.Kind == KindOperationalState
	}
	return false
}

func InvalidInput(reason string) error {
	return &Error{Kind: KindInvalidInput, Reason: reason}
}

func InsufficientBalance(reason string) error {
	return &Error{Kind: KindInsufficientBalance, Reason: reason}
}

// PoolFailure wraps an adapter error; reason names the call that failed, e.g. "pool_borrow_failed".
func PoolFailure(reason string, err error) error {
	return &Error{Kind: KindPoolInteraction, Reason: reason, Err: err}
}

func OperationalState(reason string, err error) error {
	return &Error{Kind: KindOperationalState, Reason: reason, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrOperationalState) {
		return KindOperationalState
	}
	return KindUnknown
}

// ReasonOf returns the stable reason identifier, or "" for unclassified errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
