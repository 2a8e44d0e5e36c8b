package visor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard five-field cron syntax plus the
// @every/@daily descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron reports whether expr is a valid cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("cron %q: %w", expr, err)
	}
	return nil
}

// CronSpec is a parsed cron expression bound to a timezone. It is the
// explicit cron capability the scheduler uses: Validate at load time,
// NextAfter at fire time.
type CronSpec struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// ParseCron parses expr in the given IANA timezone ("" or "UTC" for UTC).
func ParseCron(expr, tz string) (*CronSpec, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	loc := time.UTC
	if tz != "" && tz != "UTC" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("cron timezone %q: %w", tz, err)
		}
	}
	return &CronSpec{expr: expr, sched: sched, loc: loc}, nil
}

// Expr returns the original expression.
func (c *CronSpec) Expr() string { return c.expr }

// NextAfter returns the next fire time strictly after t, evaluated in the
// spec's timezone and returned in UTC. The zero time means the expression
// has no next slot.
func (c *CronSpec) NextAfter(t time.Time) time.Time {
	next := c.sched.Next(t.In(c.loc))
	if next.IsZero() {
		return time.Time{}
	}
	return next.UTC()
}
