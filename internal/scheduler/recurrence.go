package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"

	"homehub/internal/models"
)

const dateLayout = "2006-01-02"

// ErrInvalidSchedule marks a schedule whose next occurrence cannot be computed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Clock is a local time of day parsed from "HH:MM".
type Clock struct {
	Hour   int
	Minute int
}

func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidSchedule, s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns minutes since local midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidSchedule, s)
	}
	return d, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// NextExecution returns the next occurrence of the task strictly after now,
// or nil when the schedule has no further occurrences. The occurrence is
// computed on the wall clock of the task's zone and returned in UTC, so DST
// transitions never move the local execution time.
func NextExecution(task *models.Task, now time.Time) (*time.Time, error) {
	loc, err := task.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, task.Timezone, err)
	}
	sch := task.Schedule
	clock, err := ParseClock(sch.StartTime)
	if err != nil {
		return nil, err
	}

	local := now.In(loc)
	start := midnight(local)
	if sch.StartDate != "" {
		if start, err = parseDate(sch.StartDate, loc); err != nil {
			return nil, err
		}
	}
	var endExclusive time.Time
	if sch.EndDate != "" {
		end, err := parseDate(sch.EndDate, loc)
		if err != nil {
			return nil, err
		}
		endExclusive = end.AddDate(0, 0, 1)
	}

	// occurrences never precede the start date
	ref := midnight(local)
	if start.After(ref) {
		ref = start
	}

	rec := sch.Recurrence
	interval := max(rec.Interval, 1)

	var next time.Time
	switch rec.Type {
	case models.RecurOnce:
		next = clock.on(start)
		if !next.After(now) {
			return nil, nil
		}
	case models.RecurDaily:
		next = clock.on(ref)
		if !next.After(now) {
			next = clock.on(ref.AddDate(0, 0, interval))
		}
	case models.RecurWeekly:
		next, err = nextWeekly(rec, clock, ref, now, interval)
		if err != nil {
			return nil, err
		}
	case models.RecurMonthly:
		next = nextMonthly(rec, clock, ref, start, now, interval)
	case models.RecurCustom:
		sched, err := cron.ParseStandard(rec.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, rec.CronExpression, err)
		}
		from := local
		if ref.After(from) {
			from = ref.Add(-time.Second)
		}
		next = sched.Next(from)
		if next.IsZero() {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown recurrence %q", ErrInvalidSchedule, rec.Type)
	}

	if !endExclusive.IsZero() && !next.Before(endExclusive) {
		return nil, nil
	}
	if !next.After(now) {
		return nil, fmt.Errorf("%w: computed occurrence %s is not in the future", ErrInvalidSchedule, next)
	}
	utc := next.UTC()
	return &utc, nil
}

// nextWeekly walks forward from ref to the next selected weekday; once the
// current week is exhausted it jumps interval weeks ahead.
func nextWeekly(rec models.Recurrence, clock Clock, ref, now time.Time, interval int) (time.Time, error) {
	if len(rec.DaysOfWeek) == 0 {
		return time.Time{}, fmt.Errorf("%w: weekly recurrence needs daysOfWeek", ErrInvalidSchedule)
	}
	days := slices.Clone(rec.DaysOfWeek)
	slices.Sort(days)
	if days[0] < 0 || days[len(days)-1] > 6 {
		return time.Time{}, fmt.Errorf("%w: daysOfWeek must be within 0-6", ErrInvalidSchedule)
	}

	wd := int(ref.Weekday())
	if slices.Contains(days, wd) {
		if c := clock.on(ref); c.After(now) {
			return c, nil
		}
	}
	for _, d := range days {
		if d > wd {
			return clock.on(ref.AddDate(0, 0, d-wd)), nil
		}
	}
	toNextWeek := 7 - wd + 7*(interval-1)
	return clock.on(ref.AddDate(0, 0, toNextWeek+days[0])), nil
}

// nextMonthly picks the configured day in ref's month, or interval months
// later when that instant has passed. Days beyond the month's length clamp
// to its last day.
func nextMonthly(rec models.Recurrence, clock Clock, ref, start, now time.Time, interval int) time.Time {
	dom := rec.DayOfMonth
	if dom <= 0 {
		dom = start.Day()
	}
	c := clock.on(clampDay(ref.Year(), ref.Month(), dom, ref.Location()))
	if c.After(now) && !c.Before(start) {
		return c
	}
	first := time.Date(ref.Year(), ref.Month()+time.Month(interval), 1, 0, 0, 0, 0, ref.Location())
	return clock.on(clampDay(first.Year(), first.Month(), dom, ref.Location()))
}

func clampDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	return time.Date(year, month, min(day, last), 0, 0, 0, 0, loc)
}
