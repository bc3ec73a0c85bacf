package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	server := httptest.NewServer(NewRouter(NewHandler(store)))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp
}

func createTarget(t *testing.T, base, tenant, id string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api/targets",
		TargetDTO{ID: id, TenantID: tenant, Name: "Target " + id, Kind: "student"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create target: status %d", resp.StatusCode)
	}
}

func monthlyObligationReq(tenant, target, startDate string) CreateObligationRequest {
	dom := 1
	return CreateObligationRequest{
		TenantID:       tenant,
		Type:           "target_charge",
		TargetRef:      target,
		TemplateName:   "Tuition",
		TemplateAmount: "500.00",
		Rule:           RuleDTO{Frequency: "monthly", DayOfMonth: &dom},
		StartDate:      startDate,
	}
}

func createObligation(t *testing.T, base string, req CreateObligationRequest) ObligationDTO {
	t.Helper()
	var dto ObligationDTO
	resp := doJSON(t, http.MethodPost, base+"/api/obligations", req, &dto)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create obligation: status %d", resp.StatusCode)
	}
	return dto
}

func runNow(t *testing.T, base, tenant, asOf string) RunResultDTO {
	t.Helper()
	var result RunResultDTO
	resp := doJSON(t, http.MethodPost, base+"/api/runs", RunRequest{TenantID: tenant, AsOf: asOf}, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run now: status %d", resp.StatusCode)
	}
	return result
}

// =============================================================================
// OBLIGATION ENDPOINTS
// =============================================================================

func TestCreateAndGetObligation(t *testing.T) {
	server := newTestServer(t)

	created := createObligation(t, server.URL, monthlyObligationReq("tenant-1", "student-1", "2024-03-01"))

	if created.Status != "active" {
		t.Errorf("status = %s, want active", created.Status)
	}
	if created.NextRunDate != "2024-03-01" {
		t.Errorf("next_run_date = %s, want start_date", created.NextRunDate)
	}
	if created.TemplateAmount != "500" {
		t.Errorf("template_amount = %s, want 500", created.TemplateAmount)
	}

	var fetched ObligationDTO
	resp := doJSON(t, http.MethodGet, server.URL+"/api/obligations/"+created.ID, nil, &fetched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	if fetched.ID != created.ID || fetched.Rule.Frequency != "monthly" {
		t.Errorf("fetched = %+v", fetched)
	}
}

func TestCreateObligation_ValidationFailures(t *testing.T) {
	server := newTestServer(t)

	cases := []struct {
		name   string
		mutate func(*CreateObligationRequest)
	}{
		{"bad start date", func(r *CreateObligationRequest) { r.StartDate = "03/01/2024" }},
		{"bad amount", func(r *CreateObligationRequest) { r.TemplateAmount = "five hundred" }},
		{"monthly without day_of_month", func(r *CreateObligationRequest) { r.Rule = RuleDTO{Frequency: "monthly"} }},
		{"unknown frequency", func(r *CreateObligationRequest) { r.Rule = RuleDTO{Frequency: "fortnightly"} }},
		{"end before start", func(r *CreateObligationRequest) { r.EndDate = "2024-01-01" }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := monthlyObligationReq("tenant-1", "student-1", "2024-03-01")
			c.mutate(&req)

			var errResp ErrorResponse
			resp := doJSON(t, http.MethodPost, server.URL+"/api/obligations", req, &errResp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if errResp.Error == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestListObligations_FilteredByStatus(t *testing.T) {
	server := newTestServer(t)

	first := createObligation(t, server.URL, monthlyObligationReq("tenant-1", "student-1", "2024-03-01"))
	createObligation(t, server.URL, monthlyObligationReq("tenant-1", "student-2", "2024-03-01"))

	doJSON(t, http.MethodPost, server.URL+"/api/obligations/"+first.ID+"/active",
		SetActiveRequest{Active: false}, nil)

	var all []ObligationDTO
	doJSON(t, http.MethodGet, server.URL+"/api/obligations?tenant=tenant-1", nil, &all)
	if len(all) != 2 {
		t.Fatalf("got %d obligations, want 2", len(all))
	}

	var paused []ObligationDTO
	doJSON(t, http.MethodGet, server.URL+"/api/obligations?tenant=tenant-1&status=paused", nil, &paused)
	if len(paused) != 1 || paused[0].ID != first.ID {
		t.Errorf("paused filter returned %+v", paused)
	}

	resp := doJSON(t, http.MethodGet, server.URL+"/api/obligations", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing tenant: status = %d, want 400", resp.StatusCode)
	}
}

func TestSetActive_ExpiredReturnsConflict(t *testing.T) {
	server := newTestServer(t)
	base := server.URL

	createTarget(t, base, "tenant-1", "student-1")
	req := monthlyObligationReq("tenant-1", "student-1", "2024-03-01")
	req.EndDate = "2024-04-01"
	ob := createObligation(t, base, req)

	// Materializing 2024-03-01 pushes next to 2024-04-01 == endDate -> expired.
	result := runNow(t, base, "tenant-1", "2024-03-01")
	if result.Processed != 1 {
		t.Fatalf("processed %d, want 1", result.Processed)
	}

	var errResp ErrorResponse
	resp := doJSON(t, http.MethodPost, base+"/api/obligations/"+ob.ID+"/active",
		SetActiveRequest{Active: true}, &errResp)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDeleteObligation_NotFoundAfter(t *testing.T) {
	server := newTestServer(t)

	ob := createObligation(t, server.URL, monthlyObligationReq("tenant-1", "student-1", "2024-03-01"))

	resp := doJSON(t, http.MethodDelete, server.URL+"/api/obligations/"+ob.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, server.URL+"/api/obligations/"+ob.ID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", resp.StatusCode)
	}
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

func TestRunNow_EndToEnd(t *testing.T) {
	server := newTestServer(t)
	base := server.URL

	createTarget(t, base, "tenant-1", "student-1")
	createTarget(t, base, "tenant-1", "student-2")
	createObligation(t, base, monthlyObligationReq("tenant-1", "student-1", "2024-03-01"))
	createObligation(t, base, monthlyObligationReq("tenant-1", "student-2", "2024-03-01"))

	result := runNow(t, base, "tenant-1", "2024-03-01")
	if result.TotalDue != 2 || result.Processed != 2 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 2 due, 2 processed", result)
	}

	// Re-run is a no-op: schedules already advanced past asOf.
	again := runNow(t, base, "tenant-1", "2024-03-01")
	if again.TotalDue != 0 || again.Processed != 0 {
		t.Errorf("second run = %+v, want nothing due", again)
	}

	var charges []ChargeDTO
	doJSON(t, http.MethodGet, base+"/api/targets/student-1/charges?tenant=tenant-1", nil, &charges)
	if len(charges) != 1 {
		t.Fatalf("got %d charges, want 1", len(charges))
	}
	if charges[0].Amount != "500" || charges[0].DueDate != "2024-03-01" {
		t.Errorf("charge = %+v", charges[0])
	}
}

func TestRunNow_PartialFailureStillOK(t *testing.T) {
	server := newTestServer(t)
	base := server.URL

	// student-2 is never registered; its obligation fails at run time.
	createTarget(t, base, "tenant-1", "student-1")
	createObligation(t, base, monthlyObligationReq("tenant-1", "student-1", "2024-03-01"))
	broken := createObligation(t, base, monthlyObligationReq("tenant-1", "student-2", "2024-03-01"))

	result := runNow(t, base, "tenant-1", "2024-03-01")
	if result.TotalDue != 2 || result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("result = %+v, want {2 due, 1 processed, 1 failed}", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].ObligationID != broken.ID {
		t.Errorf("errors = %+v, want one for %s", result.Errors, broken.ID)
	}
}

func TestRunNow_RequiresTenant(t *testing.T) {
	server := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/runs", RunRequest{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListRuns_RecordsHistory(t *testing.T) {
	server := newTestServer(t)
	base := server.URL

	createTarget(t, base, "tenant-1", "student-1")
	createObligation(t, base, monthlyObligationReq("tenant-1", "student-1", "2024-03-01"))

	runNow(t, base, "tenant-1", "2024-03-01")
	runNow(t, base, "tenant-1", "2024-04-01")

	var history struct {
		Runs []RunResultDTO `json:"runs"`
	}
	doJSON(t, http.MethodGet, base+"/api/runs?tenant=tenant-1", nil, &history)
	if len(history.Runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(history.Runs))
	}
	if history.Runs[0].AsOf != "2024-03-01" || history.Runs[0].Processed != 1 {
		t.Errorf("first run = %+v", history.Runs[0])
	}
	if history.Runs[1].AsOf != "2024-04-01" {
		t.Errorf("second run = %+v", history.Runs[1])
	}
}

// =============================================================================
// TARGET ENDPOINTS
// =============================================================================

func TestTargetRegistryAndChargeListing(t *testing.T) {
	server := newTestServer(t)
	base := server.URL

	for i := 1; i <= 3; i++ {
		createTarget(t, base, "tenant-1", fmt.Sprintf("student-%d", i))
	}

	var targets []TargetDTO
	doJSON(t, http.MethodGet, base+"/api/targets?tenant=tenant-1", nil, &targets)
	if len(targets) != 3 {
		t.Fatalf("got %d targets, want 3", len(targets))
	}

	// No charges yet
	var charges []ChargeDTO
	doJSON(t, http.MethodGet, base+"/api/targets/student-1/charges?tenant=tenant-1", nil, &charges)
	if len(charges) != 0 {
		t.Errorf("got %d charges before any run, want 0", len(charges))
	}

	resp := doJSON(t, http.MethodPost, base+"/api/targets", TargetDTO{Name: "no id"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("target without id: status %d, want 400", resp.StatusCode)
	}
}
