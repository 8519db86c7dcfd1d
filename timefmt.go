package pollchat

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Layouts accepted by ParseTimestamp, tried in order. Zone-less layouts are
// interpreted in the local time zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO 8601 timestamp as returned by the chat service.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}

// FormatTime renders t as a 12-hour clock face in local time, e.g. "10:45 AM".
// The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(time.Local).Format("3:04 PM")
}

// FormatTimestamp is FormatTime for a wire timestamp; unparseable input
// renders as "".
func FormatTimestamp(s string) string {
	t, err := ParseTimestamp(s)
	if err != nil {
		return ""
	}
	return FormatTime(t)
}

// FormatLastSeen renders how long ago t was relative to now:
// "a few seconds ago", "N min ago", "N hr(s) ago" or "N day(s) ago".
func FormatLastSeen(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	secs := int64(now.Sub(t) / time.Second)
	if secs < 60 {
		return "a few seconds ago"
	}
	mins := secs / 60
	if mins < 60 {
		return fmt.Sprintf("%d min ago", mins)
	}
	hrs := mins / 60
	if hrs < 24 {
		return fmt.Sprintf("%d %s ago", hrs, plural(hrs, "hr"))
	}
	days := hrs / 24
	return fmt.Sprintf("%d %s ago", days, plural(days, "day"))
}

func plural(n int64, unit string) string {
	if n > 1 {
		return unit + "s"
	}
	return unit
}
