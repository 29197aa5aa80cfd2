package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrLockConflict    = errors.New("lock conflict")
	ErrAccessViolation = errors.New("access violation")
	ErrWriteFailure    = errors.New("write failure")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrAlreadyExists   = errors.New("already exists")
)

// LockConflictError reports who currently holds the requested lock.
type LockConflictError struct {
	EntityType string
	EntityID   string
	Owner      string
	Since      time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%s %s is locked by %s since %s", e.EntityType, e.EntityID, e.Owner, e.Since.UTC().Format(time.RFC3339))
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// AccessViolationError is returned when a write targets data the caller may
// not touch. Err carries the underlying LockConflictError when the caller
// could not obtain the lock.
type AccessViolationError struct {
	Reason string
	Err    error
}

func (e *AccessViolationError) Error() string {
	return "access violation: " + e.Reason
}

func (e *AccessViolationError) Is(target error) bool {
	return target == ErrAccessViolation
}

func (e *AccessViolationError) Unwrap() error {
	return e.Err
}

// WriteFailureError wraps a backend error raised while flushing a batch.
type WriteFailureError struct {
	Statement string
	Rows      int
	Err       error
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("write failure (%d rows): %v", e.Rows, e.Err)
}

func (e *WriteFailureError) Is(target error) bool {
	return target == ErrWriteFailure
}

func (e *WriteFailureError) Unwrap() error {
	return e.Err
}

// IntegrityWarning is a non-fatal inconsistency noticed during a successful
// operation.
type IntegrityWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (w IntegrityWarning) String() string {
	return w.Code + ": " + w.Message
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
