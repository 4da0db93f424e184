package errors

import (
	"fmt"
	"net/http"
)

// Error code constants.
// Codes are stable identifiers; messages are for operators and logs.

// Metadata error codes.
const (
	CodeFetchFailed     = "METADATA_FETCH_FAILED"
	CodeInvalidDocument = "METADATA_INVALID"
)

// Reconciliation error codes.
const (
	CodeReconcileFailed  = "ENTITY_RECONCILE_FAILED"
	CodeIdentityMismatch = "ENTITY_IDENTITY_MISMATCH"
)

// Statistics error codes.
const (
	CodeUnknownFeature = "STATS_FEATURE_UNKNOWN"
)

// Federation error codes.
const (
	CodeFederationNotFound = "FEDERATION_NOT_FOUND"
	CodeFederationExists   = "FEDERATION_ALREADY_EXISTS"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeConfigInvalid       = "CONFIG_INVALID"
)

// Convenience constructors using predefined codes.

// FetchFailed reports that the metadata for a federation could not be retrieved.
func FetchFailed(federation string, err error) *AppError {
	return &AppError{
		Code:       CodeFetchFailed,
		Message:    fmt.Sprintf("fetch metadata for federation %q", federation),
		HTTPStatus: http.StatusBadGateway,
		Params:     map[string]interface{}{"federation": federation},
		Err:        err,
	}
}

// InvalidDocument reports a document that is not a usable federation aggregate.
func InvalidDocument(federation, reason string) *AppError {
	return &AppError{
		Code:       CodeInvalidDocument,
		Message:    fmt.Sprintf("metadata for federation %q is not a federation document: %s", federation, reason),
		HTTPStatus: http.StatusUnprocessableEntity,
		Params:     map[string]interface{}{"federation": federation, "reason": reason},
	}
}

// ReconcileFailed reports a failure to reconcile a single entity.
func ReconcileFailed(entityID string, err error) *AppError {
	return &AppError{
		Code:       CodeReconcileFailed,
		Message:    fmt.Sprintf("reconcile entity %q", entityID),
		HTTPStatus: http.StatusInternalServerError,
		Params:     map[string]interface{}{"entity_id": entityID},
		Err:        err,
	}
}

// IdentityMismatch reports an entity record whose identifier does not match
// the entity it is being applied to.
func IdentityMismatch(stored, incoming string) *AppError {
	return &AppError{
		Code:       CodeIdentityMismatch,
		Message:    fmt.Sprintf("entity identifier mismatch: stored %q, document %q", stored, incoming),
		HTTPStatus: http.StatusConflict,
	}
}

// UnknownFeature reports a configured statistic with no registered strategy.
func UnknownFeature(name string) *AppError {
	return &AppError{
		Code:       CodeUnknownFeature,
		Message:    fmt.Sprintf("no strategy registered for feature %q", name),
		HTTPStatus: http.StatusInternalServerError,
		Params:     map[string]interface{}{"feature": name},
	}
}

// FederationNotFound reports an unknown federation slug.
func FederationNotFound(slug string) *AppError {
	return &AppError{
		Code:       CodeFederationNotFound,
		Message:    fmt.Sprintf("federation %q not found", slug),
		HTTPStatus: http.StatusNotFound,
		Params:     map[string]interface{}{"slug": slug},
		Err:        ErrNotFound,
	}
}

// ErrInvalidRequestFieldf creates a bad request error for a malformed field.
func ErrInvalidRequestFieldf(fieldName string) *AppError {
	return &AppError{
		Code:       CodeInvalidRequestField,
		Message:    "request contains invalid field: " + fieldName,
		HTTPStatus: http.StatusBadRequest,
	}
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}
