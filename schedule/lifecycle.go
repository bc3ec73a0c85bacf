/*
lifecycle.go - Obligation creation, validation, pause/resume, deletion

PURPOSE:
  Owns the obligation lifecycle outside of run execution. Validates new
  schedules synchronously (nothing is persisted on rejection), toggles
  active/paused, and hard-deletes obligations.

STATE MACHINE:
  active <-> paused   (reversible, via SetActive)
  active -> expired   (one-way, set only by the Execution engine when
                       nextRunDate crosses endDate)
  No transition out of expired.

PAUSE SEMANTICS:
  Pausing leaves nextRunDate untouched. A paused obligation is simply
  excluded from due sets; resuming re-includes it with the same
  nextRunDate, so no occurrence is lost or duplicated.

DELETE SEMANTICS:
  Deletion removes the obligation record only. Charges and materialization
  records already produced are independent entities and stay.

SEE ALSO:
  - dueset.go: How status affects selection
  - engine.go: The only writer of the expired status
*/
package schedule

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Lifecycle manages obligation records through the repository boundary.
type Lifecycle struct {
	Repo Repository
}

func NewLifecycle(repo Repository) *Lifecycle {
	return &Lifecycle{Repo: repo}
}

// CreateInput carries everything needed to define a new obligation.
type CreateInput struct {
	TenantID  string
	Type      ObligationType
	TargetRef TargetRef
	Template  ChargeTemplate
	Rule      RecurrenceRule
	StartDate Date
	EndDate   Date // zero value = no end
}

// Create validates and persists a new obligation. The first occurrence is
// the start date itself (nextRunDate = startDate, status = active).
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (*ScheduledObligation, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	ob := ScheduledObligation{
		ID:          ObligationID(uuid.NewString()),
		TenantID:    in.TenantID,
		Type:        in.Type,
		TargetRef:   in.TargetRef,
		Template:    in.Template,
		Rule:        in.Rule,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		NextRunDate: in.StartDate,
		Status:      StatusActive,
	}

	if err := l.Repo.SaveObligation(ctx, ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

// SetActive toggles active/paused. Expired is terminal: any toggle attempt
// is rejected with InvalidStateError.
func (l *Lifecycle) SetActive(ctx context.Context, id ObligationID, active bool) (*ScheduledObligation, error) {
	ob, err := l.Repo.GetObligation(ctx, id)
	if err != nil {
		return nil, err
	}

	op := "pause"
	if active {
		op = "resume"
	}
	if ob.Status == StatusExpired {
		return nil, &InvalidStateError{ObligationID: id, Status: ob.Status, Operation: op}
	}

	if active {
		ob.Status = StatusActive
	} else {
		ob.Status = StatusPaused
	}
	if err := l.Repo.SaveObligation(ctx, *ob); err != nil {
		return nil, err
	}
	return ob, nil
}

// Pause suspends an obligation without touching its schedule.
func (l *Lifecycle) Pause(ctx context.Context, id ObligationID) (*ScheduledObligation, error) {
	return l.SetActive(ctx, id, false)
}

// Resume reactivates a paused obligation with its nextRunDate unchanged.
func (l *Lifecycle) Resume(ctx context.Context, id ObligationID) (*ScheduledObligation, error) {
	return l.SetActive(ctx, id, true)
}

// Delete hard-removes an obligation. Historical charges stay.
func (l *Lifecycle) Delete(ctx context.Context, id ObligationID) error {
	return l.Repo.DeleteObligation(ctx, id)
}

// Get returns a single obligation.
func (l *Lifecycle) Get(ctx context.Context, id ObligationID) (*ScheduledObligation, error) {
	return l.Repo.GetObligation(ctx, id)
}

// List returns a tenant's obligations in insertion order.
func (l *Lifecycle) List(ctx context.Context, tenantID string) ([]ScheduledObligation, error) {
	return l.Repo.ListObligations(ctx, tenantID)
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateInput(in CreateInput) error {
	if in.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if in.TargetRef == "" {
		return &ValidationError{Field: "target_ref", Reason: "required"}
	}
	if in.Type != ObligationTargetCharge && in.Type != ObligationPayrollRun {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown obligation type %q", in.Type)}
	}
	if in.Template.Name == "" {
		return &ValidationError{Field: "template.name", Reason: "required"}
	}
	if !in.Template.Amount.GreaterThan(decimal.Zero) {
		return &ValidationError{Field: "template.amount", Reason: "must be positive"}
	}
	if in.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "required"}
	}
	if !in.EndDate.IsZero() && !in.EndDate.After(in.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "must be after start_date"}
	}
	return ValidateRule(in.Rule)
}

// ValidateRule enforces the rule invariant: exactly one of
// DayOfMonth/DayOfWeek is set, and only when relevant to the frequency.
func ValidateRule(rule RecurrenceRule) error {
	switch rule.Frequency {
	case FreqDaily:
		if rule.DayOfMonth != nil || rule.DayOfWeek != nil {
			return &ValidationError{Field: "rule", Reason: "daily rules take neither day_of_month nor day_of_week"}
		}
	case FreqWeekly, FreqBiweekly:
		if rule.DayOfWeek == nil {
			return &ValidationError{Field: "rule.day_of_week", Reason: fmt.Sprintf("required for %s rules", rule.Frequency)}
		}
		if rule.DayOfMonth != nil {
			return &ValidationError{Field: "rule.day_of_month", Reason: fmt.Sprintf("not allowed for %s rules", rule.Frequency)}
		}
		if dow := *rule.DayOfWeek; dow < 0 || dow > 6 {
			return &ValidationError{Field: "rule.day_of_week", Reason: "must be 0 (Sunday) through 6 (Saturday)"}
		}
	case FreqMonthly, FreqYearly:
		if rule.DayOfMonth == nil {
			return &ValidationError{Field: "rule.day_of_month", Reason: fmt.Sprintf("required for %s rules", rule.Frequency)}
		}
		if rule.DayOfWeek != nil {
			return &ValidationError{Field: "rule.day_of_week", Reason: fmt.Sprintf("not allowed for %s rules", rule.Frequency)}
		}
		if dom := *rule.DayOfMonth; dom < 1 || dom > 31 {
			return &ValidationError{Field: "rule.day_of_month", Reason: "must be 1 through 31"}
		}
	default:
		return &ValidationError{Field: "rule.frequency", Reason: fmt.Sprintf("unknown frequency %q", rule.Frequency)}
	}
	return nil
}
