package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ValidateCronExpression validates a standard five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// PreviousRunTime finds the latest activation of expr strictly before at,
// searching back at most one week.
func PreviousRunTime(expr string, at time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for t := cronSchedule.Next(at.Add(-7 * 24 * time.Hour)); t.Before(at); t = cronSchedule.Next(t) {
		last = t
	}
	return last, nil
}
