/*
engine.go - Run orchestration

PURPOSE:
  Executes a run: for each due obligation, performs an idempotent
  materialization, advances the schedule, and aggregates results. One
  obligation's failure never aborts the batch.

PER-OBLIGATION ALGORITHM (sequential per obligation):
  1. If a materialization record exists for (id, nextRunDate), count a skip
     but STILL advance the schedule — this makes runs tolerant of
     partial-write crashes from a prior run (charge written, schedule not
     yet advanced).
  2. Otherwise validate the target exists, then atomically create the
     charge + record via Repository.Materialize. On success, advance.
     ErrAlreadyMaterialized from a concurrent run also counts as a skip
     (and advances) — the repository's uniqueness constraint is the
     arbiter, not this process.
  3. On failure, record the error and do NOT advance — the occurrence
     remains due and is retried on the next run.
  4. After advancing, if the new nextRunDate reached the (exclusive)
     endDate, the obligation expires. Terminal.

CATCH-UP POLICY:
  Only a single occurrence is materialized per obligation per run. A
  backlogged obligation stays in the due set and is caught up one
  occurrence at a time across successive runs, which keeps every charge
  individually auditable.

CONCURRENCY:
  Obligations within a run are independent and processed by a bounded
  worker pool. The same obligation never runs concurrently with itself
  inside one run (it appears once in the due set); across overlapping
  runs, the Materialize uniqueness constraint guarantees at most one
  charge per occurrence, and both runs advance the schedule to the same
  computed date.

SEE ALSO:
  - dueset.go: Selection
  - recurrence.go: Schedule advancement
  - store.go: Repository contract backing steps 1-2
*/
package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
)

// DefaultWorkers bounds parallelism across obligations when Engine.Workers
// is unset.
const DefaultWorkers = 4

// Engine orchestrates runs. Safe for concurrent use; all shared state lives
// in the repository.
type Engine struct {
	Repo    Repository
	Targets TargetDirectory
	Workers int
}

// NewEngine creates an engine with default parallelism.
func NewEngine(repo Repository, targets TargetDirectory) *Engine {
	return &Engine{Repo: repo, Targets: targets, Workers: DefaultWorkers}
}

// Run materializes every due occurrence for a tenant as of the given date
// and returns a best-effort summary. Individual failures are isolated in
// RunResult.Errors; only a repository failure loading the due set is fatal.
func (e *Engine) Run(ctx context.Context, tenantID string, asOf Date) (RunResult, error) {
	obligations, err := e.Repo.ListObligations(ctx, tenantID)
	if err != nil {
		return RunResult{}, err
	}

	due := DueSet(obligations, asOf)
	result := RunResult{TotalDue: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	workers := e.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > len(due) {
		workers = len(due)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan ScheduledObligation)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ob := range jobs {
				outcome := e.processOne(ctx, ob)
				mu.Lock()
				result.ProcessedCount += outcome.processed
				result.SkippedCount += outcome.skipped
				result.FailedCount += outcome.failed
				result.Errors = append(result.Errors, outcome.errs...)
				mu.Unlock()
			}
		}()
	}

	for _, ob := range due {
		jobs <- ob
	}
	close(jobs)
	wg.Wait()

	return result, nil
}

type itemOutcome struct {
	processed, skipped, failed int
	errs                       []ItemError
}

func (o *itemOutcome) fail(ob *ScheduledObligation, occurrence Date, err error) {
	o.failed++
	o.errs = append(o.errs, ItemError{
		ObligationID:   ob.ID,
		OccurrenceDate: occurrence,
		Message:        err.Error(),
	})
}

// processOne handles a single due obligation end to end.
func (e *Engine) processOne(ctx context.Context, ob ScheduledObligation) itemOutcome {
	var out itemOutcome
	occurrence := ob.NextRunDate

	exists, err := e.Repo.IsMaterialized(ctx, ob.ID, occurrence)
	if err != nil {
		out.fail(&ob, occurrence, err)
		return out
	}

	if exists {
		// Charged by a prior run that crashed before advancing, or by an
		// overlapping run. Advance so the schedule catches up.
		out.skipped++
		e.advance(ctx, &ob, occurrence, &out)
		return out
	}

	if err := e.checkTarget(ctx, &ob); err != nil {
		out.fail(&ob, occurrence, &MaterializationError{
			ObligationID: ob.ID, OccurrenceDate: occurrence, Cause: err,
		})
		return out
	}

	_, err = e.Repo.Materialize(ctx, ob, occurrence)
	switch {
	case errors.Is(err, ErrAlreadyMaterialized):
		// Lost the race to a concurrent run. At most one charge exists.
		out.skipped++
		e.advance(ctx, &ob, occurrence, &out)
	case err != nil:
		out.fail(&ob, occurrence, &MaterializationError{
			ObligationID: ob.ID, OccurrenceDate: occurrence, Cause: err,
		})
	default:
		out.processed++
		ob.LastMaterializedDate = occurrence
		e.advance(ctx, &ob, occurrence, &out)
	}
	return out
}

func (e *Engine) checkTarget(ctx context.Context, ob *ScheduledObligation) error {
	if e.Targets == nil {
		return nil
	}
	ok, err := e.Targets.TargetExists(ctx, ob.TenantID, ob.TargetRef)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTargetNotFound
	}
	return nil
}

// advance moves NextRunDate past the handled occurrence and expires the
// obligation when its (exclusive) end date is reached. A save failure here
// is recorded but does not change processed/skipped counts: the charge is
// durable, and the next run will see the materialization record, skip, and
// advance again.
func (e *Engine) advance(ctx context.Context, ob *ScheduledObligation, occurrence Date, out *itemOutcome) {
	ob.NextRunDate = Next(ob.Rule, occurrence, ob.StartDate)
	if ob.HasEndDate() && !ob.NextRunDate.Before(ob.EndDate) {
		ob.Status = StatusExpired
	}

	if err := e.Repo.SaveObligation(ctx, *ob); err != nil {
		log.Printf("[Engine] failed to advance obligation %s past %s: %v", ob.ID, occurrence, err)
		out.errs = append(out.errs, ItemError{
			ObligationID:   ob.ID,
			OccurrenceDate: occurrence,
			Message:        "advance failed: " + err.Error(),
		})
	}
}
