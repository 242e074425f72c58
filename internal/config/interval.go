package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// descriptorParser accepts only "@..." descriptors; five-field cron
// expressions have no fixed period and are rejected.
var descriptorParser = cron.NewParser(cron.Descriptor)

// ParseInterval converts a task interval to a duration.
//
// Accepted forms:
//   - "" or "0": disabled (returns 0)
//   - "3600": whole seconds
//   - "1h30m": Go duration
//   - "@every 90m", "@hourly", "@daily", "@weekly", "@monthly": cron descriptors
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("interval %q: must be >= 0", raw)
		}
		return time.Duration(n) * time.Second, nil
	}
	if strings.HasPrefix(s, "@") {
		sched, err := descriptorParser.Parse("TZ=UTC " + s)
		if err != nil {
			return 0, fmt.Errorf("interval %q: %w", raw, err)
		}
		return schedulePeriod(sched), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("interval %q: invalid duration: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("interval %q: must be >= 0", raw)
	}
	return d, nil
}

// schedulePeriod measures the distance between two consecutive activations.
// A fixed UTC reference keeps calendar descriptors stable (@monthly is
// measured from January, so 31 days).
func schedulePeriod(s cron.Schedule) time.Duration {
	if cd, ok := s.(cron.ConstantDelaySchedule); ok {
		return cd.Delay
	}
	ref := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	first := s.Next(ref)
	return s.Next(first).Sub(first)
}

// ParseDurationField parses a non-negative Go duration at the given config
// path. An empty value yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
