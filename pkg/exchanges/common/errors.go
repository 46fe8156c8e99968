package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch without matching
// message text.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindValidation      ErrorKind = "validation"
	KindSymbolNotFound  ErrorKind = "symbol_not_found"
	KindMappingNotFound ErrorKind = "mapping_not_found"
	KindNetwork         ErrorKind = "network"
	KindBrokerRejected  ErrorKind = "broker_rejected"
	KindRefresh         ErrorKind = "refresh"
	KindSubscription    ErrorKind = "subscription"
	KindUnsupported     ErrorKind = "unsupported"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrValidation      = errors.New("validation error")
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrMappingNotFound = errors.New("mapping not found")
	ErrNetwork         = errors.New("network error")
	ErrBrokerRejected  = errors.New("broker rejected")
	ErrRefresh         = errors.New("instrument refresh failed")
	ErrSubscription    = errors.New("subscription error")
	ErrUnsupported     = errors.New("operation not supported")
)

var kindSentinels = map[ErrorKind]error{
	KindUnauthenticated: ErrUnauthenticated,
	KindValidation:      ErrValidation,
	KindSymbolNotFound:  ErrSymbolNotFound,
	KindMappingNotFound: ErrMappingNotFound,
	KindNetwork:         ErrNetwork,
	KindBrokerRejected:  ErrBrokerRejected,
	KindRefresh:         ErrRefresh,
	KindSubscription:    ErrSubscription,
	KindUnsupported:     ErrUnsupported,
}

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of err, walking wrapped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindNetwork
}
