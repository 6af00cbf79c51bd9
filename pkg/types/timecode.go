package types

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatTimecode renders seconds as MM:SS, or HH:MM:SS once the value
// crosses the one-hour mark. Sub-second precision is truncated; the same
// session may legitimately mix both forms on display either side of the
// hour boundary.
func FormatTimecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// ParseTimecode parses a MM:SS or HH:MM:SS timecode into seconds. Both forms
// are accepted in the same file since sessions cross the one-hour boundary.
// Leading/trailing whitespace is tolerated.
func ParseTimecode(tc string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(tc), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("timecode %q: want MM:SS or HH:MM:SS", tc)
	}
	total := 0.0
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("timecode %q: bad component %q", tc, p)
		}
		total = total*60 + v
	}
	return total, nil
}
