// Package cronexpr evaluates standard five-field cron expressions in a named
// time zone.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrNoOccurrence is returned for expressions that can never fire, such as 30 February.
var ErrNoOccurrence = errors.New("cron expression has no future occurrence")

// NextOccurrence returns the first instant strictly after fromUTC at which expr
// matches the wall clock of timezoneID. The result is in UTC. An empty zone id
// means UTC.
func NextOccurrence(expr, timezoneID string, fromUTC time.Time) (time.Time, error) {
	loc, err := location(timezoneID)
	if err != nil {
		return time.Time{}, err
	}
	expr = strings.TrimSpace(expr)
	if err := checkForm(expr); err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := sched.Next(fromUTC.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%q: %w", expr, ErrNoOccurrence)
	}
	return next.UTC(), nil
}

// Validate checks that expr and timezoneID parse and yield a future occurrence.
func Validate(expr, timezoneID string) error {
	_, err := NextOccurrence(expr, timezoneID, time.Now().UTC())
	return err
}

// checkForm rejects robfig extensions that bypass the five-field form: an
// inline zone would override timezoneID and @every allows sub-minute intervals.
func checkForm(expr string) error {
	upper := strings.ToUpper(expr)
	if strings.HasPrefix(upper, "TZ=") || strings.HasPrefix(upper, "CRON_TZ=") {
		return fmt.Errorf("invalid cron expression %q: set the time zone on the schedule, not in the expression", expr)
	}
	if strings.HasPrefix(strings.ToLower(expr), "@every") {
		return fmt.Errorf("invalid cron expression %q: @every is not supported", expr)
	}
	return nil
}

func location(id string) (*time.Location, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.EqualFold(id, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", id, err)
	}
	return loc, nil
}
