package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation.
var (
	ErrMissingDashboardID = errors.New("dashboard_id is required")
	ErrInvalidDashboardID = errors.New("dashboard_id must be a UUID")
	ErrMissingContent     = errors.New("content is required")
	ErrMissingVersion     = errors.New("expected_version is required")
)

// Sentinel errors for widget writes.
var (
	ErrWidgetNotFound = errors.New("widget not found")

	// ErrVersionConflict means the supplied version no longer matches the
	// persisted one; nothing was written.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStaleOrMissing is the ambiguous "zero rows updated" answer of a
	// conditional update. Callers must resolve it into ErrVersionConflict or
	// ErrWidgetNotFound with an existence check.
	ErrStaleOrMissing = errors.New("widget missing or version stale")
)

// ErrFieldTooLong returns an error indicating a field exceeds its maximum length.
func ErrFieldTooLong(field string, maxLen int) error {
	return fmt.Errorf("%s exceeds maximum length of %d", field, maxLen)
}
