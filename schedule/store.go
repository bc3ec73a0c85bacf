/*
store.go - Repository boundary for obligations and materializations

PURPOSE:
  Defines the interface between the scheduler's domain logic and storage.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Repository:      Obligation records + atomic materialization
  TargetDirectory: Existence lookup for charge targets (external collaborator)
  RunLog:          Append-only audit of run summaries (optional)

THE IDEMPOTENCY CONTRACT:
  Materialize is the heart of the scheduler's safety story. It must create
  the concrete charge AND the materialization record as a single atomic
  unit (both-or-neither), with a uniqueness constraint on
  (obligation_id, occurrence_date). When the pair already exists it returns
  ErrAlreadyMaterialized. This is what makes concurrent or repeated runs
  produce at most one charge per occurrence, regardless of how many
  processes call Run simultaneously — the repository's transactional
  guarantee is the concurrency primitive, not an in-process lock.

APPEND-ONLY CONTRACT:
  Materialization records and charges are never updated or deleted by the
  scheduler. Deleting an obligation leaves its historical charges untouched:
  once materialized, a charge is an independent entity.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - schedule/store/memory.go: In-memory for testing

SEE ALSO:
  - engine.go: Drives Materialize and SaveObligation
  - lifecycle.go: Drives obligation CRUD
*/
package schedule

import "context"

// =============================================================================
// REPOSITORY - Obligation persistence + atomic materialization
// =============================================================================

type Repository interface {
	// ListObligations returns all obligations for a tenant in insertion order.
	ListObligations(ctx context.Context, tenantID string) ([]ScheduledObligation, error)

	// GetObligation returns an obligation, or ErrObligationNotFound.
	GetObligation(ctx context.Context, id ObligationID) (*ScheduledObligation, error)

	// SaveObligation inserts or updates an obligation record.
	SaveObligation(ctx context.Context, ob ScheduledObligation) error

	// DeleteObligation hard-removes an obligation. Existing materialization
	// records and charges are untouched. Returns ErrObligationNotFound if
	// the obligation doesn't exist.
	DeleteObligation(ctx context.Context, id ObligationID) error

	// IsMaterialized reports whether a materialization record exists for
	// (obligationID, occurrence).
	IsMaterialized(ctx context.Context, id ObligationID, occurrence Date) (bool, error)

	// Materialize atomically creates the charge and the materialization
	// record for one occurrence. Returns ErrAlreadyMaterialized when the
	// (obligation, occurrence) pair already exists — expected under
	// concurrent or repeated runs, never an error condition for the caller.
	Materialize(ctx context.Context, ob ScheduledObligation, occurrence Date) (ChargeID, error)
}

// =============================================================================
// TARGET DIRECTORY - External collaborator boundary
// =============================================================================

// TargetDirectory answers "does this charge target still exist". The
// scheduler consumes target references (a student, an employee) but does
// not own their lifecycle; this lookup is used only to validate existence
// at materialization time.
type TargetDirectory interface {
	TargetExists(ctx context.Context, tenantID string, ref TargetRef) (bool, error)
}

// =============================================================================
// RUN LOG - Append-only audit of run summaries
// =============================================================================

// RunRecord is one logged run. RunResult itself is transient; callers that
// want history (the API layer does) append a RunRecord after each run.
type RunRecord struct {
	ID        string
	TenantID  string
	AsOf      Date
	Result    RunResult
	StartedAt Date
}

type RunLog interface {
	AppendRun(ctx context.Context, rec RunRecord) error
	ListRuns(ctx context.Context, tenantID string) ([]RunRecord, error)
}
