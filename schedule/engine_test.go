package schedule_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/schedule"
	"github.com/warp/billing-engine/schedule/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testTenant = "tenant-1"

func newTestEngine() (*schedule.Engine, *schedule.Lifecycle, *store.Memory) {
	mem := store.NewMemory()
	return schedule.NewEngine(mem, mem), schedule.NewLifecycle(mem), mem
}

func tuitionInput(target string, rule schedule.RecurrenceRule, startDate string) schedule.CreateInput {
	return schedule.CreateInput{
		TenantID:  testTenant,
		Type:      schedule.ObligationTargetCharge,
		TargetRef: schedule.TargetRef(target),
		Template:  schedule.ChargeTemplate{Name: "Tuition", Amount: decimal.NewFromInt(500)},
		Rule:      rule,
		StartDate: date(startDate),
	}
}

func mustCreate(t *testing.T, lc *schedule.Lifecycle, mem *store.Memory, in schedule.CreateInput) *schedule.ScheduledObligation {
	t.Helper()
	mem.AddTarget(in.TenantID, in.TargetRef)
	ob, err := lc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return ob
}

func reload(t *testing.T, mem *store.Memory, id schedule.ObligationID) *schedule.ScheduledObligation {
	t.Helper()
	ob, err := mem.GetObligation(context.Background(), id)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	return ob
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestRun_TwiceSameAsOf_NoDuplicateCharges(t *testing.T) {
	// GIVEN: Two obligations due today
	// WHEN: Running twice with the same asOf and no intervening time
	// THEN: The first run processes both, the second processes nothing,
	//       and exactly one charge per occurrence exists

	ctx := context.Background()
	engine, lc, mem := newTestEngine()

	mustCreate(t, lc, mem, tuitionInput("student-1", monthly(1), "2024-03-01"))
	mustCreate(t, lc, mem, tuitionInput("student-2", monthly(1), "2024-03-01"))

	first, err := engine.Run(ctx, testTenant, date("2024-03-01"))
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.ProcessedCount != 2 || first.FailedCount != 0 {
		t.Fatalf("first run = %+v, want 2 processed", first)
	}

	second, err := engine.Run(ctx, testTenant, date("2024-03-01"))
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.ProcessedCount != 0 {
		t.Errorf("second run processed %d, want 0", second.ProcessedCount)
	}

	if got := len(mem.Charges()); got != 2 {
		t.Errorf("got %d charges, want 2", got)
	}
}

func TestRun_MaterializedButNotAdvanced_SkipsAndAdvances(t *testing.T) {
	// GIVEN: A prior run that crashed after writing the charge but before
	//        advancing the schedule (simulated by resetting nextRunDate)
	// WHEN: Running again
	// THEN: The occurrence is skipped, the schedule advances, and no
	//       duplicate charge is created

	ctx := context.Background()
	engine, lc, mem := newTestEngine()

	ob := mustCreate(t, lc, mem, tuitionInput("student-1", monthly(1), "2024-03-01"))

	if _, err := engine.Run(ctx, testTenant, date("2024-03-01")); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// Rewind the schedule to before the materialized occurrence.
	crashed := reload(t, mem, ob.ID)
	crashed.NextRunDate = date("2024-03-01")
	if err := mem.SaveObligation(ctx, *crashed); err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run(ctx, testTenant, date("2024-03-01"))
	if err != nil {
		t.Fatalf("recovery run failed: %v", err)
	}
	if result.SkippedCount != 1 || result.ProcessedCount != 0 {
		t.Errorf("result = %+v, want 1 skipped", result)
	}

	after := reload(t, mem, ob.ID)
	if !after.NextRunDate.Equal(date("2024-04-01")) {
		t.Errorf("nextRunDate = %s, want 2024-04-01", after.NextRunDate)
	}
	if got := len(mem.Charges()); got != 1 {
		t.Errorf("got %d charges, want 1", got)
	}
}

func TestRun_ConcurrentRuns_AtMostOneChargePerOccurrence(t *testing.T) {
	// GIVEN: Several due obligations
	// WHEN: Two runs execute concurrently for the same tenant and asOf
	// THEN: Exactly one charge per occurrence exists afterwards

	ctx := context.Background()
	engine, lc, mem := newTestEngine()

	for _, target := range []string{"s-1", "s-2", "s-3", "s-4", "s-5"} {
		mustCreate(t, lc, mem, tuitionInput(target, monthly(1), "2024-03-01"))
	}

	var wg sync.WaitGroup
	results := make([]schedule.RunResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = engine.Run(ctx, testTenant, date("2024-03-01"))
		}(i)
	}
	wg.Wait()

	if got := len(mem.Charges()); got != 5 {
		t.Fatalf("got %d charges, want exactly 5", got)
	}
	if total := results[0].ProcessedCount + results[1].ProcessedCount; total != 5 {
		t.Errorf("total processed across runs = %d, want 5", total)
	}
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

func TestRun_OneFailure_DoesNotAbortBatch(t *testing.T) {
	// GIVEN: Three due obligations where the second's target was deleted
	// WHEN: Running
	// THEN: RunResult is {totalDue:3, processed:2, failed:1}, the failed
	//       obligation's nextRunDate is unchanged, and its error is recorded

	ctx := context.Background()
	engine, lc, mem := newTestEngine()
	engine.Workers = 1 // deterministic ordering for the assertion below

	mustCreate(t, lc, mem, tuitionInput("student-1", monthly(1), "2024-03-01"))
	broken := mustCreate(t, lc, mem, tuitionInput("student-gone", monthly(1), "2024-03-01"))
	mustCreate(t, lc, mem, tuitionInput("student-3", monthly(1), "2024-03-01"))

	mem.RemoveTarget(testTenant, "student-gone")

	result, err := engine.Run(ctx, testTenant, date("2024-03-01"))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if result.TotalDue != 3 || result.ProcessedCount != 2 || result.FailedCount != 1 {
		t.Errorf("result = %+v, want {3, 2, -, 1}", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].ObligationID != broken.ID {
		t.Errorf("errors = %+v, want one error for %s", result.Errors, broken.ID)
	}

	// The failed occurrence stays due for retry.
	after := reload(t, mem, broken.ID)
	if !after.NextRunDate.Equal(date("2024-03-01")) {
		t.Errorf("failed obligation advanced to %s, want unchanged 2024-03-01", after.NextRunDate)
	}

	// Retried successfully once the target is back.
	mem.AddTarget(testTenant, "student-gone")
	retry, err := engine.Run(ctx, testTenant, date("2024-03-01"))
	if err != nil {
		t.Fatalf("retry run failed: %v", err)
	}
	if retry.ProcessedCount != 1 {
		t.Errorf("retry processed %d, want 1", retry.ProcessedCount)
	}
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestRun_ExpiresWhenNextCrossesEndDate(t *testing.T) {
	// GIVEN: A monthly obligation on the 1st ending (exclusive) 2024-04-01
	// WHEN: Materializing 2024-03-01, whose successor is 2024-04-01
	// THEN: The obligation expires and never appears in a due set again

	ctx := context.Background()
	engine, lc, mem := newTestEngine()

	in := tuitionInput("student-1", monthly(1), "2024-03-01")
	in.EndDate = date("2024-04-01")
	ob := mustCreate(t, lc, mem, in)

	result, err := engine.Run(ctx, testTenant, date("2024-03-01"))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Fatalf("processed %d, want 1", result.ProcessedCount)
	}

	after := reload(t, mem, ob.ID)
	if after.Status != schedule.StatusExpired {
		t.Errorf("status = %s, want expired", after.Status)
	}
	if !after.LastMaterializedDate.Equal(date("2024-03-01")) {
		t.Errorf("lastMaterialized = %s, want 2024-03-01", after.LastMaterializedDate)
	}

	// Absent from all subsequent due sets.
	later, err := engine.Run(ctx, testTenant, date("2024-06-01"))
	if err != nil {
		t.Fatal(err)
	}
	if later.TotalDue != 0 {
		t.Errorf("expired obligation still due: %+v", later)
	}
}

// =============================================================================
// CATCH-UP
// =============================================================================

func TestRun_Backlog_CaughtUpOneOccurrencePerRun(t *testing.T) {
	// GIVEN: A monthly obligation three periods behind
	// WHEN: Running repeatedly with the same late asOf
	// THEN: Each run materializes exactly one occurrence until caught up

	ctx := context.Background()
	engine, lc, mem := newTestEngine()

	ob := mustCreate(t, lc, mem, tuitionInput("student-1", monthly(1), "2024-01-01"))
	asOf := date("2024-03-15")

	wantDates := []string{"2024-01-01", "2024-02-01", "2024-03-01"}
	for i, want := range wantDates {
		result, err := engine.Run(ctx, testTenant, asOf)
		if err != nil {
			t.Fatalf("run %d failed: %v", i+1, err)
		}
		if result.ProcessedCount != 1 {
			t.Fatalf("run %d processed %d, want 1", i+1, result.ProcessedCount)
		}
		charges := mem.ChargesFor(ob.ID)
		if len(charges) != i+1 {
			t.Fatalf("run %d: %d charges, want %d", i+1, len(charges), i+1)
		}
		if !charges[i].DueDate.Equal(date(want)) {
			t.Errorf("run %d charged %s, want %s", i+1, charges[i].DueDate, want)
		}
	}

	// Fully caught up: nothing due until April arrives.
	final, err := engine.Run(ctx, testTenant, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if final.TotalDue != 0 {
		t.Errorf("still due after catch-up: %+v", final)
	}
}

// =============================================================================
// CHARGE CONTENT
// =============================================================================

func TestRun_ChargeCarriesTemplateSnapshot(t *testing.T) {
	// GIVEN: An obligation with a named template amount
	// WHEN: Materializing
	// THEN: The charge carries the template's name/amount and the
	//       occurrence date as its due date

	ctx := context.Background()
	engine, lc, mem := newTestEngine()

	in := schedule.CreateInput{
		TenantID:  testTenant,
		Type:      schedule.ObligationPayrollRun,
		TargetRef: "employee-7",
		Template:  schedule.ChargeTemplate{Name: "Monthly Salary", Amount: decimal.RequireFromString("2350.75")},
		Rule:      monthly(28),
		StartDate: date("2024-02-28"),
	}
	ob := mustCreate(t, lc, mem, in)

	if _, err := engine.Run(ctx, testTenant, date("2024-02-28")); err != nil {
		t.Fatal(err)
	}

	charges := mem.ChargesFor(ob.ID)
	if len(charges) != 1 {
		t.Fatalf("got %d charges, want 1", len(charges))
	}
	c := charges[0]
	if c.Name != "Monthly Salary" {
		t.Errorf("name = %q", c.Name)
	}
	if !c.Amount.Equal(decimal.RequireFromString("2350.75")) {
		t.Errorf("amount = %s", c.Amount)
	}
	if !c.DueDate.Equal(date("2024-02-28")) {
		t.Errorf("dueDate = %s", c.DueDate)
	}
	if c.TargetRef != "employee-7" {
		t.Errorf("targetRef = %s", c.TargetRef)
	}
}

// =============================================================================
// PAUSE / RESUME THROUGH A RUN
// =============================================================================

func TestRun_PausedSkipped_ResumePicksUpSameOccurrence(t *testing.T) {
	// GIVEN: A due obligation that gets paused
	// WHEN: Running while paused, then resuming and running again
	// THEN: The paused run charges nothing; the resumed run charges the
	//       original occurrence date

	ctx := context.Background()
	engine, lc, mem := newTestEngine()

	ob := mustCreate(t, lc, mem, tuitionInput("student-1", monthly(1), "2024-03-01"))

	if _, err := lc.Pause(ctx, ob.ID); err != nil {
		t.Fatal(err)
	}

	paused, err := engine.Run(ctx, testTenant, date("2024-05-15"))
	if err != nil {
		t.Fatal(err)
	}
	if paused.TotalDue != 0 {
		t.Fatalf("paused obligation appeared in due set: %+v", paused)
	}

	if _, err := lc.Resume(ctx, ob.ID); err != nil {
		t.Fatal(err)
	}

	resumed, err := engine.Run(ctx, testTenant, date("2024-05-15"))
	if err != nil {
		t.Fatal(err)
	}
	if resumed.ProcessedCount != 1 {
		t.Fatalf("resumed run processed %d, want 1", resumed.ProcessedCount)
	}

	charges := mem.ChargesFor(ob.ID)
	if len(charges) != 1 || !charges[0].DueDate.Equal(date("2024-03-01")) {
		t.Errorf("charges = %+v, want one for 2024-03-01", charges)
	}
}
