package cloudevents

import (
	"time"
)

// TimeFormat is the CloudEvents time format (RFC 3339).
const TimeFormat = time.RFC3339Nano

var fallbackFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an RFC 3339 timestamp, tolerating a few common
// non-zoned layouts that clients send.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err == nil {
		return t, nil
	}
	for _, layout := range fallbackFormats {
		if parsed, ferr := time.Parse(layout, s); ferr == nil {
			return parsed, nil
		}
	}
	return time.Time{}, err
}

// FormatTime formats a time value in UTC, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}
