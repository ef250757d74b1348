package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

func encodeDays(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}

func decodeDays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("bad weekday %q", p)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

func encodeOffsets(offs []time.Duration) string {
	if len(offs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(offs))
	for _, o := range offs {
		parts = append(parts, o.String())
	}
	return strings.Join(parts, ",")
}

func decodeOffsets(s string) ([]time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []time.Duration
	for _, p := range strings.Split(s, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad offset %q: %w", p, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func sortByID[T any](xs []T, id func(T) int64) {
	sort.Slice(xs, func(i, j int) bool { return id(xs[i]) < id(xs[j]) })
}
