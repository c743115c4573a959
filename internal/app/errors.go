package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/gcphost/pagehub.dev-sub001/internal/editor"
	"github.com/gcphost/pagehub.dev-sub001/internal/history"
	"github.com/gcphost/pagehub.dev-sub001/internal/registry"
	"github.com/gcphost/pagehub.dev-sub001/internal/store"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
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

// mapError turns service errors into the HTTP status and error code the
// client sees. Order matters: tree.ErrNotFound wraps ErrStructuralViolation.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request failed validation", fieldErrors(validationErrs)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "PAGE_NOT_FOUND", "Page not found", nil
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil
	case errors.Is(err, tree.ErrNotFound):
		return http.StatusNotFound, "NODE_NOT_FOUND", err.Error(), nil
	case errors.Is(err, editor.ErrUnknownComponent):
		return http.StatusNotFound, "COMPONENT_NOT_FOUND", err.Error(), nil
	case errors.Is(err, editor.ErrInstanceLocked):
		return http.StatusConflict, "INSTANCE_LOCKED", err.Error(), nil
	case errors.Is(err, registry.ErrNameTaken):
		return http.StatusConflict, "COMPONENT_NAME_TAKEN", err.Error(), nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Page was saved by someone else; reload and retry", nil
	case errors.Is(err, tree.ErrRelationInconsistency):
		return http.StatusConflict, "RELATION_INCONSISTENCY", err.Error(), nil
	case errors.Is(err, tree.ErrClosed):
		return http.StatusConflict, "DOCUMENT_CLOSED", "Document is closed", nil
	case errors.Is(err, tree.ErrStructuralViolation):
		return http.StatusUnprocessableEntity, "STRUCTURAL_VIOLATION", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
