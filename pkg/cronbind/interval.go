// Package cronbind manages the crontab entries that drive job polling.
//
// Each entry carries a trailing comment tag derived from the job id. The tag
// is the only link between a crontab line and its job record: crontab stores
// no structured data, so duplicate detection and removal both match on it.
package cronbind

import (
	"errors"
	"fmt"
	"strings"
)

// Unit is the granularity of a polling interval.
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
)

// MinAmount and MaxAmount bound Interval.Amount (inclusive).
const (
	MinAmount = 1
	MaxAmount = 60
)

var (
	// ErrInvalidAmount is returned for amounts outside [MinAmount, MaxAmount].
	ErrInvalidAmount = errors.New("interval amount must be an integer between 1 and 60")

	// ErrUnsupportedUnit is returned for any unit other than minute or hour.
	ErrUnsupportedUnit = errors.New("unsupported scheduling unit")
)

// ParseUnit accepts "minute", "hour" and their plural forms.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute", "minutes", "min", "m":
		return UnitMinute, nil
	case "hour", "hours", "h":
		return UnitHour, nil
	default:
		return "", fmt.Errorf("%w: %q (expected minute or hour)", ErrUnsupportedUnit, s)
	}
}

// Interval is "every Amount Units".
type Interval struct {
	Amount int
	Unit   Unit
}

func (i Interval) Validate() error {
	if i.Amount < MinAmount || i.Amount > MaxAmount {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, i.Amount)
	}
	switch i.Unit {
	case UnitMinute, UnitHour:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedUnit, i.Unit)
	}
}

// Schedule renders the five crontab time fields.
//
// Hourly schedules pin the minute field to 0 so the poll fires once per
// matching hour instead of every minute within it.
func (i Interval) Schedule() (string, error) {
	if err := i.Validate(); err != nil {
		return "", err
	}
	switch i.Unit {
	case UnitHour:
		return fmt.Sprintf("0 */%d * * *", i.Amount), nil
	default:
		return fmt.Sprintf("*/%d * * * *", i.Amount), nil
	}
}

func (i Interval) String() string {
	return fmt.Sprintf("every %d %s", i.Amount, i.Unit)
}
