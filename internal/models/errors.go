package models

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed or missing input. All problems with
// a record are collected, not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// DuplicateError means the fingerprint has already been reconciled.
type DuplicateError struct {
	Fingerprint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("payment %s is already reconciled", e.Fingerprint)
}

// NotFoundError means a referenced contact or operator does not exist.
type NotFoundError struct {
	Kind string // "contact" or "operator"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ExternalServiceError wraps a failed call to the CRM or CMS. Retryable
// failures (network errors, 429, 5xx) become terminal once the retry
// budget is exhausted.
type ExternalServiceError struct {
	Service   string
	Status    int
	Retryable bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s returned status %d: %v", e.Service, e.Status, e.Err)
	}
	return fmt.Sprintf("%s call failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// CompensationFailure means the rollback delete after a critical
// failure itself failed. The reconciliation record is left behind and
// must be escalated; this error is never swallowed.
type CompensationFailure struct {
	RecordID string
	Cause    error // the failure that triggered the rollback
	Err      error // the failure of the rollback itself
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("rollback of record %s failed: %v (after: %v)", e.RecordID, e.Err, e.Cause)
}

func (e *CompensationFailure) Unwrap() error { return e.Err }
