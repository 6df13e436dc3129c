package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError marks rejected input: non-positive amounts, missing
// references, malformed payloads.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StructuralError reports defects in a template graph or condition
// expression. It is fatal: a template failing structural checks is never
// attachable to an activity, and an evaluation hitting one fails loudly.
type StructuralError struct {
	Subject  string
	Problems []string
}

func (e *StructuralError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("structural error in %s: %s", e.Subject, e.Problems[0])
	}
	return fmt.Sprintf("structural errors in %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

// InsufficientBalanceError is returned when a debit exceeds the account's
// ledger-derived balance.
type InsufficientBalanceError struct {
	AccountID string
	Requested int64
	Available int64
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: requested %d, available %d", e.AccountID, e.Requested, e.Available)
}

// ConflictError wraps a serialization or lock failure from the store.
// Callers are expected to retry the whole operation.
type ConflictError struct {
	Op  string
	Err error
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict during %s: %v", e.Op, e.Err)
}

func (e ConflictError) Unwrap() error { return e.Err }

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}
