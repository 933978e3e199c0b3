package domain

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when an operation references a nonexistent
// parent or target entity.
type NotFoundError struct {
	Entity EntityType
	Ref    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Ref)
}

// NotFoundPkey builds a NotFoundError for a surrogate key reference.
func NotFoundPkey(entity EntityType, pkey int64) NotFoundError {
	return NotFoundError{Entity: entity, Ref: fmt.Sprintf("#%d", pkey)}
}

// ConstraintError is returned when a uniqueness, mutual-exclusivity,
// self-reference, or paired-nullability invariant would be broken. It is
// always raised before any write commits.
type ConstraintError struct {
	Constraint string
	Detail     string
}

func (e ConstraintError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("constraint %s violated", e.Constraint)
	}
	return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Detail)
}

// VersionConflictError is returned when an analysis function version is
// re-registered with a hash differing from the stored one.
type VersionConflictError struct {
	FunctionID string
	Version    int
	StoredHash string
	GivenHash  string
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("analysis function %s v%d already registered with hash %s (got %s)",
		e.FunctionID, e.Version, e.StoredHash, e.GivenHash)
}

// TransactionError wraps an abort of a multi-step store operation. The whole
// operation rolls back, leaving prior state intact.
type TransactionError struct {
	Op  string
	Err error
}

func (e TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Err)
}

func (e TransactionError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsConstraintViolation reports whether err is (or wraps) a ConstraintError.
func IsConstraintViolation(err error) bool {
	var ce ConstraintError
	return errors.As(err, &ce)
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc VersionConflictError
	return errors.As(err, &vc)
}
