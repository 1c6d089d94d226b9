package fhir

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an unknown resource type, id, or version. Deleted
// marks ids that once existed, for callers that report gone separately.
type NotFoundError struct {
	ResourceType string
	ID           string
	VersionID    int
	Deleted      bool
}

func (e *NotFoundError) Error() string {
	if e.VersionID > 0 {
		return fmt.Sprintf("%s/%s/_history/%d not found", e.ResourceType, e.ID, e.VersionID)
	}
	if e.Deleted {
		return fmt.Sprintf("%s/%s has been deleted", e.ResourceType, e.ID)
	}
	return fmt.Sprintf("%s/%s not found", e.ResourceType, e.ID)
}

// ConflictError indicates an optimistic-version mismatch or a duplicate
// create.
type ConflictError struct {
	ResourceType    string
	ID              string
	ExpectedVersion int
	CurrentVersion  int
	Message         string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict on %s/%s: %s", e.ResourceType, e.ID, e.Message)
	}
	return fmt.Sprintf("version conflict on %s/%s: expected %d, current %d",
		e.ResourceType, e.ID, e.ExpectedVersion, e.CurrentVersion)
}

// ValidationError indicates a malformed or unsupported search parameter,
// operator, or literal. It is always surfaced to the caller verbatim.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("invalid search parameter %q: %s", e.Param, e.Message)
	}
	return e.Message
}

// TimeoutError indicates a search exceeded its configured deadline. Partial
// results are never returned as if complete.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded deadline", e.Operation)
}

// TransactionAbortedError indicates a transaction Bundle was rolled back
// because one of its entries failed.
type TransactionAbortedError struct {
	EntryIndex int
	Cause      error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction aborted at entry %d: %v", e.EntryIndex, e.Cause)
}

func (e *TransactionAbortedError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
