package transform

import (
	"fmt"
	"strings"
	"time"
)

// BookmarkLayout is the layout bookmark values are written in.
const BookmarkLayout = "2006-01-02T15:04:05.000000Z"

// DateFields are the record fields that carry dates or timestamps.
var DateFields = []string{
	"published_at",
	"create_time",
	"updated_at",
	"scheduled_start_time",
	"scheduled_end_time",
}

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeTimestamp completes a bare date with a midnight UTC time and
// appends a UTC suffix to timestamps that carry no zone. Anything else is
// returned untouched.
func NormalizeTimestamp(v string) string {
	if v == "" {
		return v
	}
	if len(v) == 10 && !strings.Contains(v, "T") {
		return v + "T00:00:00Z"
	}
	if strings.Contains(v, "T") && !hasZone(v) {
		return v + "Z"
	}
	return v
}

func hasZone(v string) bool {
	if strings.HasSuffix(v, "Z") || strings.Contains(v, "+") {
		return true
	}
	// negative offsets: the '-' after the time part
	if i := strings.Index(v, "T"); i >= 0 {
		return strings.Contains(v[i:], "-")
	}
	return false
}

// NormalizeDates rewrites every known date field of the record in place.
func NormalizeDates(record map[string]any) {
	for _, field := range DateFields {
		s, ok := record[field].(string)
		if !ok || s == "" {
			continue
		}
		record[field] = NormalizeTimestamp(s)
	}
}

// ParseTimestamp parses a bookmark or record timestamp into UTC.
func ParseTimestamp(v string) (time.Time, error) {
	n := NormalizeTimestamp(strings.TrimSpace(v))
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, n); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

// FormatTimestamp renders t in BookmarkLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(BookmarkLayout)
}
