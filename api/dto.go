/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Date and rule parsing happens in handlers; domain validation (rule
  consistency, date ordering) happens in schedule.Lifecycle. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - schedule/types.go: Domain model these map onto
*/
package api

import (
	"github.com/warp/billing-engine/schedule"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RuleDTO mirrors schedule.RecurrenceRule on the wire.
type RuleDTO struct {
	Frequency  string `json:"frequency"` // daily|weekly|biweekly|monthly|yearly
	DayOfMonth *int   `json:"day_of_month,omitempty"`
	DayOfWeek  *int   `json:"day_of_week,omitempty"`
}

// ObligationDTO represents a scheduled obligation in API responses.
type ObligationDTO struct {
	ID               string  `json:"id"`
	TenantID         string  `json:"tenant_id"`
	Type             string  `json:"type"`
	TargetRef        string  `json:"target_ref"`
	TemplateName     string  `json:"template_name"`
	TemplateAmount   string  `json:"template_amount"` // decimal string, never float
	Rule             RuleDTO `json:"rule"`
	StartDate        string  `json:"start_date"`
	EndDate          string  `json:"end_date,omitempty"`
	NextRunDate      string  `json:"next_run_date"`
	Status           string  `json:"status"`
	LastMaterialized string  `json:"last_materialized,omitempty"`
}

// CreateObligationRequest is the request to define a new obligation.
type CreateObligationRequest struct {
	TenantID       string  `json:"tenant_id"`
	Type           string  `json:"type"`
	TargetRef      string  `json:"target_ref"`
	TemplateName   string  `json:"template_name"`
	TemplateAmount string  `json:"template_amount"`
	Rule           RuleDTO `json:"rule"`
	StartDate      string  `json:"start_date"`
	EndDate        string  `json:"end_date,omitempty"`
}

// SetActiveRequest toggles active/paused.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// RunRequest triggers a run for a tenant.
type RunRequest struct {
	TenantID string `json:"tenant_id"`
	AsOf     string `json:"as_of,omitempty"` // defaults to today
}

// RunResultDTO is the best-effort summary of a run.
type RunResultDTO struct {
	TenantID  string         `json:"tenant_id"`
	AsOf      string         `json:"as_of"`
	TotalDue  int            `json:"total_due"`
	Processed int            `json:"processed"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Errors    []ItemErrorDTO `json:"errors"`
}

// ItemErrorDTO describes one obligation's failure within a run.
type ItemErrorDTO struct {
	ObligationID   string `json:"obligation_id"`
	OccurrenceDate string `json:"occurrence_date"`
	Message        string `json:"message"`
}

// TargetDTO represents a charge target (student/employee).
type TargetDTO struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// ChargeDTO represents a materialized charge.
type ChargeDTO struct {
	ID           string `json:"id"`
	TargetRef    string `json:"target_ref"`
	ObligationID string `json:"obligation_id"`
	Name         string `json:"name"`
	Amount       string `json:"amount"`
	DueDate      string `json:"due_date"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toObligationDTO(ob *schedule.ScheduledObligation) ObligationDTO {
	dto := ObligationDTO{
		ID:             string(ob.ID),
		TenantID:       ob.TenantID,
		Type:           string(ob.Type),
		TargetRef:      string(ob.TargetRef),
		TemplateName:   ob.Template.Name,
		TemplateAmount: ob.Template.Amount.String(),
		Rule: RuleDTO{
			Frequency:  string(ob.Rule.Frequency),
			DayOfMonth: ob.Rule.DayOfMonth,
			DayOfWeek:  ob.Rule.DayOfWeek,
		},
		StartDate:   ob.StartDate.String(),
		NextRunDate: ob.NextRunDate.String(),
		Status:      string(ob.Status),
	}
	if ob.HasEndDate() {
		dto.EndDate = ob.EndDate.String()
	}
	if !ob.LastMaterializedDate.IsZero() {
		dto.LastMaterialized = ob.LastMaterializedDate.String()
	}
	return dto
}

func toRunResultDTO(tenantID string, asOf schedule.Date, result schedule.RunResult) RunResultDTO {
	errs := make([]ItemErrorDTO, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, ItemErrorDTO{
			ObligationID:   string(e.ObligationID),
			OccurrenceDate: e.OccurrenceDate.String(),
			Message:        e.Message,
		})
	}
	return RunResultDTO{
		TenantID:  tenantID,
		AsOf:      asOf.String(),
		TotalDue:  result.TotalDue,
		Processed: result.ProcessedCount,
		Skipped:   result.SkippedCount,
		Failed:    result.FailedCount,
		Errors:    errs,
	}
}

func toChargeDTO(c schedule.Charge) ChargeDTO {
	return ChargeDTO{
		ID:           string(c.ID),
		TargetRef:    string(c.TargetRef),
		ObligationID: string(c.ObligationID),
		Name:         c.Name,
		Amount:       c.Amount.String(),
		DueDate:      c.DueDate.String(),
	}
}
