package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies a DomainError
type ErrorType string

func (t ErrorType) String() string {
	return strings.ToLower(string(t))
}

const (
	ErrNotFound         ErrorType = "Not Found"
	ErrAlreadyExists    ErrorType = "Already Exists"
	ErrInvalidState     ErrorType = "Invalid State"
	ErrInvalidArgument  ErrorType = "Invalid Argument"
	ErrStoreUnavailable ErrorType = "Store Unavailable"
	ErrInternal         ErrorType = "Internal Error"
)

// DomainError is returned by the core for every failure a caller can act on
type DomainError struct {
	Type    ErrorType
	Entity  string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s for entity %s: %s: %v", e.Type.String(), e.Entity, e.Message, e.Err)
	}
	return fmt.Sprintf("%s for entity %s: %s", e.Type.String(), e.Entity, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func newError(t ErrorType, entity, msg string, err error) *DomainError {
	return &DomainError{Type: t, Entity: entity, Message: msg, Err: err}
}

func NotFound(entity, msg string) *DomainError {
	return newError(ErrNotFound, entity, msg, nil)
}

func AlreadyExists(entity, msg string) *DomainError {
	return newError(ErrAlreadyExists, entity, msg, nil)
}

func InvalidState(entity, msg string) *DomainError {
	return newError(ErrInvalidState, entity, msg, nil)
}

func InvalidArgument(entity, msg string) *DomainError {
	return newError(ErrInvalidArgument, entity, msg, nil)
}

// StoreUnavailable marks a persistence failure that the caller may retry
func StoreUnavailable(entity, msg string, err error) *DomainError {
	return newError(ErrStoreUnavailable, entity, msg, err)
}

func Internal(entity, msg string, err error) *DomainError {
	return newError(ErrInternal, entity, msg, err)
}

// TypeOf returns the ErrorType of the first DomainError in err's chain,
// or ErrInternal when there is none.
func TypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ErrInternal
}

func is(err error, t ErrorType) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Type == t
}

func IsNotFound(err error) bool         { return is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool    { return is(err, ErrAlreadyExists) }
func IsInvalidState(err error) bool     { return is(err, ErrInvalidState) }
func IsInvalidArgument(err error) bool  { return is(err, ErrInvalidArgument) }
func IsStoreUnavailable(err error) bool { return is(err, ErrStoreUnavailable) }
