/*
dueset.go - Due-set selection

PURPOSE:
  Filters the obligations whose next occurrence has arrived as of a given
  date. Pure filtering over loaded records; the repository does the loading.

INCLUSION RULE:
  status == active
  AND nextRunDate <= asOf
  AND (no endDate OR nextRunDate < endDate)

  Paused obligations are excluded regardless of nextRunDate, but their
  nextRunDate is untouched, so resuming neither loses nor duplicates
  occurrences. Expired obligations are permanently excluded.

ORDERING:
  Input order is preserved (insertion/id order from the repository). Each
  obligation is processed independently, so no priority semantics exist.

SEE ALSO:
  - engine.go: Consumes the due set
*/
package schedule

// DueSet returns the obligations due for materialization as of the given
// date, preserving input order.
func DueSet(obligations []ScheduledObligation, asOf Date) []ScheduledObligation {
	due := make([]ScheduledObligation, 0, len(obligations))
	for _, ob := range obligations {
		if IsDue(&ob, asOf) {
			due = append(due, ob)
		}
	}
	return due
}

// IsDue reports whether a single obligation belongs in the due set.
func IsDue(ob *ScheduledObligation, asOf Date) bool {
	if ob.Status != StatusActive {
		return false
	}
	if ob.NextRunDate.After(asOf) {
		return false
	}
	// EndDate is exclusive: an occurrence on or after it never materializes.
	if ob.HasEndDate() && !ob.NextRunDate.Before(ob.EndDate) {
		return false
	}
	return true
}
