/*
recurrence.go - Pure occurrence-date arithmetic

PURPOSE:
  Given a recurrence rule and the date of a known occurrence, compute the
  date of the next occurrence. No side effects, no I/O, no clock access:
  the same inputs always produce the same output.

RULES:
  DAILY:    from + 1 day.
  WEEKLY:   next date >= from+1 matching DayOfWeek.
  BIWEEKLY: as WEEKLY, kept on the 14-day grid anchored at the schedule's
            start date. The anchor keeps the cadence stable even when runs
            happen sparsely: occurrences land on multiples of 14 days from
            the anchor, never drifting based on when a run was triggered.
  MONTHLY:  same DayOfMonth in the following month, clamped to that month's
            last day (a day-31 rule yields Feb 28/29, Apr 30, ...).
  YEARLY:   same month/DayOfMonth one year later, with the same clamping
            (Feb 29 clamps to Feb 28 on non-leap years).

CLAMPING NOTE:
  Monthly/yearly always compute from the rule's DayOfMonth, not from the
  previous occurrence's day. Otherwise a day-31 schedule that clamped to
  Feb 28 would stay stuck on the 28th forever.

SEE ALSO:
  - engine.go: Calls Next to advance schedules after materialization
  - date.go: Calendar-date arithmetic and clamping helpers
*/
package schedule

import (
	"time"
)

// Next returns the occurrence that follows `from` under the given rule.
// `anchor` is the obligation's start date; only BIWEEKLY uses it, to keep
// the 14-day cycle stable regardless of when runs happen.
//
// Next assumes the rule has passed lifecycle validation: frequencies that
// need DayOfMonth/DayOfWeek have it set.
func Next(rule RecurrenceRule, from, anchor Date) Date {
	switch rule.Frequency {
	case FreqDaily:
		return from.AddDays(1)

	case FreqWeekly:
		return nextWeekday(from, time.Weekday(*rule.DayOfWeek))

	case FreqBiweekly:
		candidate := nextWeekday(from, time.Weekday(*rule.DayOfWeek))
		// First on-grid date: the first matching weekday on or after the anchor.
		grid := anchor
		if grid.Weekday() != time.Weekday(*rule.DayOfWeek) {
			grid = nextWeekday(anchor, time.Weekday(*rule.DayOfWeek))
		}
		if DaysBetween(grid, candidate)%14 != 0 {
			candidate = candidate.AddDays(7)
		}
		return candidate

	case FreqMonthly:
		year, month := from.Year(), from.Month()+1
		if month > time.December {
			year, month = year+1, time.January
		}
		return NewDate(year, month, ClampDay(year, month, *rule.DayOfMonth))

	case FreqYearly:
		year, month := from.Year()+1, from.Month()
		return NewDate(year, month, ClampDay(year, month, *rule.DayOfMonth))

	default:
		// Unreachable for validated rules; fail closed by not advancing.
		return from
	}
}

// nextWeekday returns the first date strictly after `from` that falls on
// the given weekday.
func nextWeekday(from Date, weekday time.Weekday) Date {
	days := (int(weekday) - int(from.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return from.AddDays(days)
}
