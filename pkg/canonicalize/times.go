package canonicalize

import "time"

// TimeLayout is the canonical timestamp form used in signed payloads and API
// responses. Fixed-width microseconds keep the encoding deterministic,
// lexicographically sortable, and stable across a postgres timestamptz round
// trip.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Time formats t canonically in UTC.
func Time(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical timestamp. Plain RFC 3339 is accepted so wire
// clients that trim trailing zeros still verify.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Now returns the current UTC time truncated to microseconds, the resolution
// every persisted and signed timestamp carries.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
