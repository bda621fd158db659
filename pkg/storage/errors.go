package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// ErrInsufficientBalance is returned by Debit when available credits do not cover the amount
var ErrInsufficientBalance = errors.New("insufficient balance")

// StoreUnavailableError is a transient storage failure that may be retried
type StoreUnavailableError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable during %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a StoreUnavailableError
func Unavailable(backend, op string, err error) error {
	return &StoreUnavailableError{Backend: backend, Op: op, Err: err}
}

// IsUnavailable checks if an error is a transient storage failure
func IsUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}
