package executor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit is a calendar-free period unit. Months are 30 days and years 365 days.
type Unit string

const (
	UnitHours  Unit = "hours"
	UnitDays   Unit = "days"
	UnitWeeks  Unit = "weeks"
	UnitMonths Unit = "months"
	UnitYears  Unit = "years"
)

func (u Unit) seconds() (uint64, bool) {
	const hour = 3600
	switch u {
	case UnitHours:
		return hour, true
	case UnitDays:
		return 24 * hour, true
	case UnitWeeks:
		return 7 * 24 * hour, true
	case UnitMonths:
		return 30 * 24 * hour, true
	case UnitYears:
		return 365 * 24 * hour, true
	default:
		return 0, false
	}
}

// Frequency is how often a strategy should run, e.g. every 2 weeks.
type Frequency struct {
	Every uint64 `json:"duration" yaml:"duration"`
	Unit  Unit   `json:"unit" yaml:"unit"`
}

// ParseFrequency reads "<n> <unit>", e.g. "3 days".
func ParseFrequency(s string) (Frequency, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Frequency{}, fmt.Errorf("frequency %q: want \"<n> <unit>\"", s)
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Frequency{}, fmt.Errorf("frequency %q: %w", s, err)
	}
	f := Frequency{Every: n, Unit: Unit(strings.ToLower(fields[1]))}
	if err := f.Validate(); err != nil {
		return Frequency{}, err
	}
	return f, nil
}

// Validate rejects zero periods and unknown units.
func (f Frequency) Validate() error {
	if f.Every == 0 {
		return fmt.Errorf("frequency: duration must be positive")
	}
	if _, ok := f.Unit.seconds(); !ok {
		return fmt.Errorf("frequency: unknown unit %q", f.Unit)
	}
	return nil
}

// Seconds is the period in seconds, the value the Frequency hook is initialized with.
func (f Frequency) Seconds() uint64 {
	unit, _ := f.Unit.seconds()
	return f.Every * unit
}

// Duration is the period as a time.Duration.
func (f Frequency) Duration() time.Duration {
	return time.Duration(f.Seconds()) * time.Second
}

func (f Frequency) String() string {
	return strconv.FormatUint(f.Every, 10) + " " + string(f.Unit)
}

// NextRun is the run time following prev.
func (f Frequency) NextRun(prev time.Time) time.Time {
	return prev.Add(f.Duration())
}

// Completed reports whether a strategy whose next run falls after validUntil is done.
func Completed(validUntil, next time.Time) bool {
	return validUntil.Before(next)
}

// Due reports whether a run scheduled at next should be submitted at now.
func Due(next, now time.Time) bool {
	return next.Before(now)
}
