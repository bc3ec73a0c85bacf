/*
handlers.go - HTTP API handlers for the obligation scheduler

PURPOSE:
  Exposes the scheduler via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Obligations:
    GET    /api/obligations?tenant=T      List obligations for a tenant
    POST   /api/obligations               Create obligation
    GET    /api/obligations/{id}          Get obligation
    POST   /api/obligations/{id}/active   Pause/resume
    DELETE /api/obligations/{id}          Delete obligation

  Runs:
    POST   /api/runs                      Run now (synchronous, returns summary)
    GET    /api/runs?tenant=T             Run history

  Targets (boundary stub for the surrounding system):
    GET    /api/targets?tenant=T          List targets
    POST   /api/targets                   Register target
    GET    /api/targets/{id}/charges      Charges materialized for a target

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Obligation/target not found
  - 409: Invalid lifecycle transition
  - 500: Repository errors

  RunNow is different: it returns 200 with a best-effort summary even when
  some items failed. Per-item failures live in the summary's errors list,
  never in the HTTP status.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - schedule/: Domain logic these handlers delegate to
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/schedule"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Engine    *schedule.Engine
	Lifecycle *schedule.Lifecycle
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store) *Handler {
	return &Handler{
		Store:     store,
		Engine:    schedule.NewEngine(store, store),
		Lifecycle: schedule.NewLifecycle(store),
	}
}

// =============================================================================
// OBLIGATION ENDPOINTS
// =============================================================================

// ListObligations returns a tenant's obligations.
// GET /api/obligations?tenant=T[&status=S]
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter is required", nil)
		return
	}
	status := r.URL.Query().Get("status")

	obligations, err := h.Lifecycle.List(ctx, tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligations", err)
		return
	}

	dtos := make([]ObligationDTO, 0, len(obligations))
	for i := range obligations {
		if status != "" && string(obligations[i].Status) != status {
			continue
		}
		dtos = append(dtos, toObligationDTO(&obligations[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateObligation defines a new recurring obligation.
// POST /api/obligations
func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	startDate, err := schedule.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date", err)
		return
	}
	var endDate schedule.Date
	if req.EndDate != "" {
		endDate, err = schedule.ParseDate(req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date", err)
			return
		}
	}
	amount, err := decimal.NewFromString(req.TemplateAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid template_amount (use a decimal string)", err)
		return
	}

	ob, err := h.Lifecycle.Create(ctx, schedule.CreateInput{
		TenantID:  req.TenantID,
		Type:      schedule.ObligationType(req.Type),
		TargetRef: schedule.TargetRef(req.TargetRef),
		Template:  schedule.ChargeTemplate{Name: req.TemplateName, Amount: amount},
		Rule: schedule.RecurrenceRule{
			Frequency:  schedule.Frequency(req.Rule.Frequency),
			DayOfMonth: req.Rule.DayOfMonth,
			DayOfWeek:  req.Rule.DayOfWeek,
		},
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		writeDomainError(w, err, "Failed to create obligation")
		return
	}

	writeJSON(w, http.StatusCreated, toObligationDTO(ob))
}

// GetObligation returns a single obligation.
// GET /api/obligations/{id}
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := schedule.ObligationID(chi.URLParam(r, "id"))

	ob, err := h.Lifecycle.Get(ctx, id)
	if err != nil {
		writeDomainError(w, err, "Failed to get obligation")
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(ob))
}

// SetActive pauses or resumes an obligation.
// POST /api/obligations/{id}/active
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := schedule.ObligationID(chi.URLParam(r, "id"))

	var req SetActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ob, err := h.Lifecycle.SetActive(ctx, id, req.Active)
	if err != nil {
		writeDomainError(w, err, "Failed to update obligation")
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(ob))
}

// DeleteObligation hard-removes an obligation. Historical charges stay.
// DELETE /api/obligations/{id}
func (h *Handler) DeleteObligation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := schedule.ObligationID(chi.URLParam(r, "id"))

	if err := h.Lifecycle.Delete(ctx, id); err != nil {
		writeDomainError(w, err, "Failed to delete obligation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// RunNow executes a run synchronously and returns the summary. Always 200
// with a best-effort summary when the run itself could execute; per-item
// failures are inside the summary.
// POST /api/runs
func (h *Handler) RunNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required", nil)
		return
	}

	asOf := schedule.Today()
	if req.AsOf != "" {
		var err error
		asOf, err = schedule.ParseDate(req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
	}

	result, err := h.Engine.Run(ctx, req.TenantID, asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Run failed", err)
		return
	}

	// Best-effort audit trail; the run already succeeded.
	h.Store.AppendRun(ctx, schedule.RunRecord{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		AsOf:      asOf,
		Result:    result,
		StartedAt: schedule.Today(),
	})

	writeJSON(w, http.StatusOK, toRunResultDTO(req.TenantID, asOf, result))
}

// ListRuns returns the run history for a tenant.
// GET /api/runs?tenant=T
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter is required", nil)
		return
	}

	runs, err := h.Store.ListRuns(ctx, tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunResultDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunResultDTO(run.TenantID, run.AsOf, run.Result))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// TARGET ENDPOINTS (boundary stub)
// =============================================================================

// ListTargets returns a tenant's charge targets.
// GET /api/targets?tenant=T
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter is required", nil)
		return
	}

	targets, err := h.Store.ListTargets(ctx, tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list targets", err)
		return
	}

	dtos := make([]TargetDTO, 0, len(targets))
	for _, t := range targets {
		dtos = append(dtos, TargetDTO{ID: t.ID, TenantID: t.TenantID, Name: t.Name, Kind: t.Kind})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTarget registers a charge target.
// POST /api/targets
func (h *Handler) CreateTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TargetDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "id and tenant_id are required", nil)
		return
	}

	t := sqlite.Target{ID: req.ID, TenantID: req.TenantID, Name: req.Name, Kind: req.Kind}
	if err := h.Store.SaveTarget(ctx, t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save target", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListCharges returns the charges materialized for a target.
// GET /api/targets/{id}/charges?tenant=T
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter is required", nil)
		return
	}
	ref := schedule.TargetRef(chi.URLParam(r, "id"))

	charges, err := h.Store.ListCharges(ctx, tenant, ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list charges", err)
		return
	}

	dtos := make([]ChargeDTO, 0, len(charges))
	for _, c := range charges {
		dtos = append(dtos, toChargeDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps schedule package errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case schedule.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case schedule.IsClientError(err):
		status := http.StatusBadRequest
		if errorIsInvalidState(err) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, fallback, err)
	}
}

func errorIsInvalidState(err error) bool {
	return errors.Is(err, schedule.ErrInvalidState)
}
