package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField reads a duration setting at path. Go duration syntax is
// accepted plus a whole-day form ("1d", "7d") for appointment lead times.
// Blank means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := parseDuration(strings.TrimSpace(raw))
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with blank or zero falling
// back to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("bad day count %q", days)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
