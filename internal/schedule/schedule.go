// Package schedule computes when a task is next due. Parsing and next-run
// calculation are pure: the same (spec, now) pair always yields the same
// answer, so the scheduling loop can recompute freely.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"taskwheel/internal/domain"
)

// cronParser accepts both 5-field and 6-field (leading seconds) expressions
// plus descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec is a parsed, validated schedule.
type Spec struct {
	Type domain.ScheduleType

	Every time.Duration // interval
	Expr  string        // cron
	cron  cron.Schedule // cron, parsed

	Hour    int // daily, weekly, monthly
	Minute  int // daily, weekly, monthly
	Weekday int // weekly; 0 = Monday .. 6 = Sunday
	Day     int // monthly; 1..31, clamped to the target month's last day

	RunAt *time.Time // once; nil means due immediately
}

// ParseSpec validates a (type, config) pair at task-creation time. A config
// that does not parse must never reach the store.
func ParseSpec(typ domain.ScheduleType, config map[string]any) (Spec, error) {
	s := Spec{Type: typ}
	switch typ {
	case domain.ScheduleOnce:
		if raw, ok := config["run_at"]; ok {
			str, ok := raw.(string)
			if !ok {
				return Spec{}, fmt.Errorf("schedule once: run_at must be an RFC3339 string")
			}
			at, err := time.Parse(time.RFC3339, str)
			if err != nil {
				return Spec{}, fmt.Errorf("schedule once: invalid run_at: %w", err)
			}
			s.RunAt = &at
		}
	case domain.ScheduleInterval:
		secs, err := intField(config, "seconds")
		if err != nil {
			return Spec{}, fmt.Errorf("schedule interval: %w", err)
		}
		if secs <= 0 {
			return Spec{}, fmt.Errorf("schedule interval: seconds must be > 0, got %d", secs)
		}
		s.Every = time.Duration(secs) * time.Second
	case domain.ScheduleCron:
		expr, ok := config["expression"].(string)
		if !ok || expr == "" {
			return Spec{}, fmt.Errorf("schedule cron: expression is required")
		}
		parsed, err := cronParser.Parse(expr)
		if err != nil {
			return Spec{}, fmt.Errorf("schedule cron: invalid expression %q: %w", expr, err)
		}
		s.Expr = expr
		s.cron = parsed
	case domain.ScheduleDaily:
		if err := s.parseClock(config); err != nil {
			return Spec{}, fmt.Errorf("schedule daily: %w", err)
		}
	case domain.ScheduleWeekly:
		if err := s.parseClock(config); err != nil {
			return Spec{}, fmt.Errorf("schedule weekly: %w", err)
		}
		wd, err := intField(config, "weekday")
		if err != nil {
			return Spec{}, fmt.Errorf("schedule weekly: %w", err)
		}
		if wd < 0 || wd > 6 {
			return Spec{}, fmt.Errorf("schedule weekly: weekday must be 0 (Monday) .. 6 (Sunday), got %d", wd)
		}
		s.Weekday = wd
	case domain.ScheduleMonthly:
		if err := s.parseClock(config); err != nil {
			return Spec{}, fmt.Errorf("schedule monthly: %w", err)
		}
		day, err := intField(config, "day")
		if err != nil {
			return Spec{}, fmt.Errorf("schedule monthly: %w", err)
		}
		if day < 1 || day > 31 {
			return Spec{}, fmt.Errorf("schedule monthly: day must be 1..31, got %d", day)
		}
		s.Day = day
	default:
		return Spec{}, fmt.Errorf("unknown schedule type %q", typ)
	}
	return s, nil
}

// Validate reports whether a (type, config) pair parses.
func Validate(typ domain.ScheduleType, config map[string]any) error {
	_, err := ParseSpec(typ, config)
	return err
}

func (s *Spec) parseClock(config map[string]any) error {
	hour, err := intField(config, "hour")
	if err != nil {
		return err
	}
	minute, err := intField(config, "minute")
	if err != nil {
		return err
	}
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour must be 0..23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("minute must be 0..59, got %d", minute)
	}
	s.Hour = hour
	s.Minute = minute
	return nil
}

// intField reads an integer from a config bag. JSON decoding yields float64,
// YAML yields int; both are accepted.
func intField(config map[string]any, key string) (int, error) {
	raw, ok := config[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, raw)
	}
}

// InitialRun returns the first due time for a freshly created or rescheduled
// task. For once-schedules this is run_at (or now, i.e. due immediately);
// every other type delegates to Next.
func (s Spec) InitialRun(now time.Time) (time.Time, bool) {
	if s.Type == domain.ScheduleOnce {
		if s.RunAt != nil && s.RunAt.After(now) {
			return *s.RunAt, true
		}
		return now, true
	}
	return s.Next(now)
}

// Next returns the next due time strictly after now, or false when the
// schedule has no further runs. once always reports false: the single run is
// armed by InitialRun and never recurs.
func (s Spec) Next(now time.Time) (time.Time, bool) {
	switch s.Type {
	case domain.ScheduleOnce:
		return time.Time{}, false
	case domain.ScheduleInterval:
		return now.Add(s.Every), true
	case domain.ScheduleCron:
		return s.cron.Next(now), true
	case domain.ScheduleDaily:
		at := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, true
	case domain.ScheduleWeekly:
		return s.weeklyNext(now), true
	case domain.ScheduleMonthly:
		return s.monthlyNext(now), true
	}
	return time.Time{}, false
}

func (s Spec) weeklyNext(now time.Time) time.Time {
	// Spec weekdays are Monday-based; time.Weekday is Sunday-based.
	target := time.Weekday((s.Weekday + 1) % 7)
	days := (int(target) - int(now.Weekday()) + 7) % 7
	at := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
	at = at.AddDate(0, 0, days)
	if !at.After(now) {
		at = at.AddDate(0, 0, 7)
	}
	return at
}

// monthlyNext clamps a day past the end of the target month to the month's
// last day: day=31 runs on Apr 30, day=30 runs on Feb 28 (29 in leap years).
func (s Spec) monthlyNext(now time.Time) time.Time {
	at := monthlyAt(now.Year(), now.Month(), s.Day, s.Hour, s.Minute, now.Location())
	if at.After(now) {
		return at
	}
	year, month := now.Year(), now.Month()
	if month == time.December {
		year, month = year+1, time.January
	} else {
		month++
	}
	return monthlyAt(year, month, s.Day, s.Hour, s.Minute, now.Location())
}

func monthlyAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	// Day zero of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
