package rule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidateSchedule checks that schedule is either a positive Go duration
// ("30m") or a standard five-field cron expression.
func ValidateSchedule(schedule string) error {
	_, err := nextRun(schedule)
	return err
}

// IsDue reports whether a rule with the given schedule should run at now.
// A rule that never ran is anchored on its creation time, and is due at once
// when that is unknown. An invalid schedule is never due.
func IsDue(schedule string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	next, err := nextRun(schedule)
	if err != nil {
		return false, err
	}

	anchor := createdAt.UTC()
	if lastRunAt != nil && !lastRunAt.IsZero() {
		anchor = lastRunAt.UTC()
	} else if anchor.IsZero() {
		return true, nil
	}
	return !next(anchor).After(now.UTC()), nil
}

func nextRun(schedule string) (func(time.Time) time.Time, error) {
	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return func(t time.Time) time.Time { return t.Add(interval) }, nil
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, err
	}
	return sched.Next, nil
}
