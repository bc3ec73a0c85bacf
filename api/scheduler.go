/*
scheduler.go - Automated run scheduler

PURPOSE:
  Periodically triggers a scheduler run for every tenant so due obligations
  are materialized without an operator pressing "Run Now". The domain logic
  stays daemon-free: this is just an external caller of the same Run entry
  point the API exposes, and it can be disabled entirely.

DESIGN:
  - Uses robfig/cron for the cadence (default: daily at 06:00 UTC)
  - Fans out over tenants; one tenant's failure doesn't stop the others
  - Safe to run alongside manual RunNow calls: the repository's
    (obligation, occurrence) uniqueness makes overlapping runs harmless

CONFIGURATION:
  - CronSpec: Standard 5-field cron expression (default: "0 6 * * *")
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  runner := NewRunScheduler(store, handler)
  runner.Start()
  // ... later
  runner.Stop()

SEE ALSO:
  - handlers.go: RunNow endpoint (manual trigger, same entry point)
  - schedule/engine.go: The run it drives
*/
package api

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/warp/billing-engine/schedule"
	"github.com/warp/billing-engine/store/sqlite"
)

// RunScheduler triggers engine runs on a cron cadence.
type RunScheduler struct {
	Store    *sqlite.Store
	Handler  *Handler
	CronSpec string
	Enabled  bool

	cron *cron.Cron
}

// NewRunScheduler creates a scheduler with the default daily cadence.
func NewRunScheduler(store *sqlite.Store, handler *Handler) *RunScheduler {
	return &RunScheduler{
		Store:    store,
		Handler:  handler,
		CronSpec: "0 6 * * *",
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (rs *RunScheduler) Start() error {
	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}

	rs.cron = cron.New()
	if _, err := rs.cron.AddFunc(rs.CronSpec, rs.RunAllTenants); err != nil {
		return err
	}
	rs.cron.Start()

	log.Printf("[Scheduler] Started with cadence: %q", rs.CronSpec)
	return nil
}

// Stop stops the scheduler, waiting for an in-flight run to finish.
func (rs *RunScheduler) Stop() {
	if rs.cron != nil {
		ctx := rs.cron.Stop()
		<-ctx.Done()
		log.Println("[Scheduler] Stopped")
	}
}

// RunAllTenants executes one run per tenant as of today. Also used as the
// immediate trigger for testing/admin.
func (rs *RunScheduler) RunAllTenants() {
	ctx := context.Background()
	asOf := schedule.Today()

	tenants, err := rs.Store.ListTenants(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing tenants: %v", err)
		return
	}

	for _, tenant := range tenants {
		start := time.Now()
		result, err := rs.Handler.Engine.Run(ctx, tenant, asOf)
		if err != nil {
			log.Printf("[Scheduler] Run failed for tenant %s: %v", tenant, err)
			continue
		}

		if err := rs.Store.AppendRun(ctx, schedule.RunRecord{
			ID:        uuid.NewString(),
			TenantID:  tenant,
			AsOf:      asOf,
			Result:    result,
			StartedAt: asOf,
		}); err != nil {
			log.Printf("[Scheduler] Error recording run for tenant %s: %v", tenant, err)
		}

		if result.TotalDue > 0 {
			log.Printf("[Scheduler] Tenant %s: %d due, %d processed, %d skipped, %d failed (%v)",
				tenant, result.TotalDue, result.ProcessedCount, result.SkippedCount,
				result.FailedCount, time.Since(start).Round(time.Millisecond))
		}
	}
}
