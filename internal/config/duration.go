package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationList parses a list of duration strings; an empty list yields def.
func ParseDurationList(path string, raw []string, def []time.Duration) ([]time.Duration, error) {
	if len(raw) == 0 {
		return append([]time.Duration(nil), def...), nil
	}
	out := make([]time.Duration, 0, len(raw))
	for i, r := range raw {
		d, err := ParseDurationField(fmt.Sprintf("%s[%d]", path, i), r)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s[%d]: duration must be > 0", path, i)
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseBytesOrDefault accepts "5MB", "512KiB" or a plain byte count.
func ParseBytesOrDefault(path, raw string, def int64) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", path, raw, err)
	}
	return int64(n), nil
}
