package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Spec computes the next fire time from an arbitrary reference instant.
// It mirrors robfig/cron's own Schedule interface deliberately: a fire-time
// schedule needs nothing more than that one method, whether it is backed by
// a fixed interval or a cron expression.
type Spec interface {
	Next(from time.Time) time.Time
}

// ConstantSpec fires at a fixed interval measured from the reference
// instant it is given — normally the completion time of the previous run.
type ConstantSpec struct {
	Interval time.Duration
}

func (s ConstantSpec) Next(from time.Time) time.Time {
	return from.Add(s.Interval)
}

// CronSpec fires according to a standard five-field cron expression.
type CronSpec struct {
	sched cron.Schedule
}

// NewCronSpec parses a standard cron expression ("*/5 * * * *").
func NewCronSpec(expr string) (CronSpec, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return CronSpec{}, err
	}
	return CronSpec{sched: sched}, nil
}

func (s CronSpec) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}
