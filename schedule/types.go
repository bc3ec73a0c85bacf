/*
Package schedule provides the recurring obligation scheduler engine.

PURPOSE:
  This package contains the domain types and algorithms for defining
  recurring financial obligations (tuition charges, payroll runs) as rules,
  computing their future occurrences, and materializing due occurrences into
  concrete payable charges.

KEY CONCEPTS IN THIS FILE (types.go):
  - RecurrenceRule: When an obligation recurs (daily/weekly/biweekly/monthly/yearly)
  - ScheduledObligation: A recurring rule bound to a target and a charge template
  - ChargeTemplate: Name + amount snapshot, immutable after creation
  - MaterializationRecord: Durable at-most-once marker per (obligation, occurrence)
  - Charge: A concrete payable charge produced by materialization
  - RunResult: Transient summary of a single run

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all money, never float64
  2. Idempotency: (obligationID, occurrenceDate) is the at-most-once key,
     enforced by the repository, not by in-process state
  3. Isolation: one obligation's failure never aborts a batch
  4. Calendar dates only: no time-of-day, no timezones (see date.go)

USAGE:
  rule := schedule.RecurrenceRule{Frequency: schedule.FreqMonthly, DayOfMonth: schedule.IntPtr(1)}
  ob, err := lifecycle.Create(ctx, schedule.CreateInput{...})
  result, err := engine.Run(ctx, "tenant-1", schedule.Today())

SEE ALSO:
  - recurrence.go: Occurrence date arithmetic
  - engine.go: Run orchestration
  - lifecycle.go: Create/pause/resume/delete
  - store.go: Repository boundary
*/
package schedule

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ObligationID string
type TargetRef string
type ChargeID string

// =============================================================================
// RECURRENCE RULE - When an obligation recurs
// =============================================================================

type Frequency string

const (
	FreqDaily    Frequency = "daily"
	FreqWeekly   Frequency = "weekly"
	FreqBiweekly Frequency = "biweekly"
	FreqMonthly  Frequency = "monthly"
	FreqYearly   Frequency = "yearly"
)

// RecurrenceRule describes when an obligation's occurrences fall.
//
// Exactly one of DayOfMonth/DayOfWeek is set, and only when relevant to
// Frequency: MONTHLY/YEARLY require DayOfMonth (1-31), WEEKLY/BIWEEKLY
// require DayOfWeek (0=Sunday..6=Saturday), DAILY uses neither. The
// Lifecycle manager rejects anything else at creation time.
type RecurrenceRule struct {
	Frequency  Frequency
	DayOfMonth *int // 1-31; clamped to month length when computing occurrences
	DayOfWeek  *int // 0=Sunday .. 6=Saturday
}

// IntPtr is a convenience for building rules inline.
func IntPtr(n int) *int { return &n }

// =============================================================================
// CHARGE TEMPLATE - Name + amount snapshot at schedule-creation time
// =============================================================================

// ChargeTemplate is snapshotted into the obligation when it is created and
// immutable thereafter: editing a fee template never rewrites history or
// pending schedules.
type ChargeTemplate struct {
	Name   string
	Amount decimal.Decimal
}

// =============================================================================
// SCHEDULED OBLIGATION - A recurring rule bound to a target
// =============================================================================

type ObligationType string

const (
	ObligationTargetCharge ObligationType = "target_charge" // e.g. tuition for a student
	ObligationPayrollRun   ObligationType = "payroll_run"   // e.g. salary for an employee
)

type ObligationStatus string

const (
	StatusActive  ObligationStatus = "active"
	StatusPaused  ObligationStatus = "paused"
	StatusExpired ObligationStatus = "expired" // terminal
)

// ScheduledObligation is a recurring rule describing when and what to charge
// a target. The target is an opaque reference (student, employee); the
// scheduler only needs it to have a payable balance.
//
// Mutation rules:
//   - The Lifecycle manager owns creation, pause/resume, deletion.
//   - The Execution engine advances NextRunDate / flips status to expired.
//   - Nobody else writes obligations.
type ScheduledObligation struct {
	ID        ObligationID
	TenantID  string
	Type      ObligationType
	TargetRef TargetRef
	Template  ChargeTemplate
	Rule      RecurrenceRule

	StartDate Date
	// EndDate is an exclusive upper bound: no occurrence is generated on or
	// after this date. Zero value means no end.
	EndDate Date

	// NextRunDate is the next occurrence to materialize. Monotonically
	// non-decreasing over the obligation's lifetime, always >= StartDate.
	NextRunDate Date
	Status      ObligationStatus

	// LastMaterializedDate is audit-only; zero until the first materialization.
	LastMaterializedDate Date
}

// HasEndDate reports whether the obligation has a bounded schedule.
func (o *ScheduledObligation) HasEndDate() bool { return !o.EndDate.IsZero() }

// =============================================================================
// MATERIALIZATION RECORD - At-most-once marker
// =============================================================================

// MaterializationRecord is the durable idempotency marker created atomically
// with the generated charge. Its existence is the sole authority for "has
// this occurrence already been charged". Append-only, never deleted.
type MaterializationRecord struct {
	ObligationID   ObligationID
	OccurrenceDate Date
	ChargeID       ChargeID
	CreatedAt      Date
}

// =============================================================================
// CHARGE - Concrete payable output of a materialization
// =============================================================================

type Charge struct {
	ID           ChargeID
	TenantID     string
	TargetRef    TargetRef
	ObligationID ObligationID
	Name         string
	Amount       decimal.Decimal
	DueDate      Date
}

// =============================================================================
// RUN RESULT - Transient summary of one run (never persisted by the engine)
// =============================================================================

type RunResult struct {
	TotalDue       int
	ProcessedCount int
	SkippedCount   int // already materialized (prior run or concurrent run)
	FailedCount    int
	Errors         []ItemError
}

// ItemError describes a single obligation's failure within a run.
type ItemError struct {
	ObligationID   ObligationID `json:"obligation_id"`
	OccurrenceDate Date         `json:"occurrence_date"`
	Message        string       `json:"message"`
}
