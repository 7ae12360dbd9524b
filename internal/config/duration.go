package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are Go duration strings ("90s", "1h30m"). Repository fields typed
// Value also take plain seconds, as the classic replica config did.

func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, false)
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func ParseSecondsOrDuration(path string, v Value) (time.Duration, error) {
	return parseDuration(path, v.String(), true)
}

func parseDuration(path, raw string, seconds bool) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if f, ok := Value(s).Seconds(); seconds && ok {
		d = time.Duration(f * float64(time.Second))
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q", path, s)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", path, s)
	}
	return d, nil
}
