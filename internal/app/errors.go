package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fpetran/cora/internal/auth"
	"github.com/fpetran/cora/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
}

// mapError translates service and store errors into a status and an error
// body. Backend text is never exposed; a failed batched write reports its
// statement so operators can find it in the logs.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var writeErr *store.WriteFailureError
	switch {
	case errors.Is(err, store.ErrLockConflict):
		return http.StatusConflict, "LOCKED", "Locked by another user", nil
	case errors.Is(err, store.ErrAccessViolation):
		message = "Access violation"
		var violation *store.AccessViolationError
		if errors.As(err, &violation) && violation.Reason != "" {
			message = violation.Reason
		}
		return http.StatusForbidden, "ACCESS_VIOLATION", message, nil
	case errors.As(err, &writeErr):
		return http.StatusInternalServerError, "WRITE_FAILURE", "Saving failed and was rolled back", map[string]any{"statement": writeErr.Statement, "rows": writeErr.Rows}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "ALREADY_EXISTS", "Already exists", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
