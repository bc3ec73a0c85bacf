/*
errors.go - Centralized error types for the scheduler engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers (API layer, stores) wrap or map these errors.

ERROR CATEGORIES:
  1. Validation errors - Malformed rules/dates at creation (nothing persisted)
  2. State errors      - Lifecycle transition on a terminal/incompatible state
  3. Materialization   - Per-occurrence failure during a run (isolated)
  4. Repository errors - Storage boundary failures (fatal for that call only)

USAGE:
  if errors.Is(err, schedule.ErrAlreadyMaterialized) {
      // Safe: another run got there first, count as skipped.
  }

SEE ALSO:
  - lifecycle.go: Returns validation/state errors
  - engine.go: Records materialization errors in RunResult
  - store.go: Stores return ErrAlreadyMaterialized / ErrObligationNotFound
*/
package schedule

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyMaterialized is returned by Repository.Materialize when a
	// record already exists for (obligationID, occurrenceDate). This is
	// expected under concurrent or repeated runs; the engine counts it as
	// a skip, never a failure.
	ErrAlreadyMaterialized = errors.New("occurrence already materialized")

	// ErrObligationNotFound is returned when a referenced obligation doesn't exist.
	ErrObligationNotFound = errors.New("obligation not found")

	// ErrTargetNotFound is returned when the charge target no longer exists
	// at materialization time.
	ErrTargetNotFound = errors.New("target not found")

	// ErrInvalidState is returned for lifecycle transitions out of a
	// terminal or incompatible state (e.g. resuming an expired obligation).
	ErrInvalidState = errors.New("invalid obligation state")

	// ErrValidation is the base for all schedule-creation validation failures.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed rule or date at creation time.
type ValidationError struct {
	Field  string // e.g. "rule.day_of_month", "end_date"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidStateError reports a rejected lifecycle transition.
type InvalidStateError struct {
	ObligationID ObligationID
	Status       ObligationStatus
	Operation    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s obligation %s in state %s",
		e.Operation, e.ObligationID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// MaterializationError reports a per-occurrence failure during a run. The
// engine records it in RunResult.Errors and leaves NextRunDate untouched so
// the occurrence is retried on the next run.
type MaterializationError struct {
	ObligationID   ObligationID
	OccurrenceDate Date
	Cause          error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialization failed for %s on %s: %v",
		e.ObligationID, e.OccurrenceDate, e.Cause)
}

func (e *MaterializationError) Unwrap() error { return e.Cause }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, ErrTargetNotFound)
}
