package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"Mon, 02 Jan 2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04:05 -0700",
}

var datePrefixes = []string{
	"closing date:", "deadline:", "due date:", "expires:", "ends:",
	"applications due:", "posted:", "open:",
}

var isoDateRegex = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)

// parseDate attempts to interpret a raw string as a date. Unparseable input
// yields (zero, false) — it never panics or errors, so "Rolling" and "TBD"
// simply fall through to a nil deadline.
func parseDate(text string) (time.Time, bool) {
	text = cleanDateString(text)
	if text == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			if strings.Contains(layout, "15:04") {
				return t, true
			}
			return toEndOfDay(t), true
		}
	}

	// Epoch milliseconds (EU portal style).
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil && ms > 1_000_000_000_000 {
		return time.UnixMilli(ms).UTC(), true
	}

	// Last resort: an ISO date embedded in surrounding prose.
	if m := isoDateRegex.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return toEndOfDay(t), true
		}
	}

	return time.Time{}, false
}

// parseDateValue handles dates that arrive as epoch numbers or arrays of
// epoch timestamps (some APIs return deadline lists).
func parseDateValue(v interface{}) (time.Time, bool) {
	switch typed := v.(type) {
	case string:
		return parseDate(typed)
	case float64:
		if typed > 1_000_000_000_000 {
			return time.UnixMilli(int64(typed)).UTC(), true
		}
		if typed > 1_000_000_000 {
			return time.Unix(int64(typed), 0).UTC(), true
		}
		return time.Time{}, false
	case []interface{}:
		if len(typed) > 0 {
			return parseDateValue(typed[0])
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

var deadlineCues = []string{"deadline", "closing date", "due date", "applications due", "apply by", "closes"}

// deadlineFromText scans prose for a deadline cue and parses the date that
// follows it. Feeds and scraped pages usually carry deadlines inside the
// description rather than as a field.
func deadlineFromText(text string) (time.Time, bool) {
	lower := strings.ToLower(text)
	for _, cue := range deadlineCues {
		idx := strings.Index(lower, cue)
		if idx == -1 {
			continue
		}
		tail := text[idx+len(cue):]
		if len(tail) > 80 {
			tail = tail[:80]
		}
		if t, ok := parseDate(tail); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// toEndOfDay pins a date-only value to 23:59:59 UTC so deadlines stay valid
// through their closing day.
func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

func cleanDateString(s string) string {
	s = cleanText(s)
	sLower := strings.ToLower(s)
	for _, p := range datePrefixes {
		if idx := strings.Index(sLower, p); idx != -1 {
			s = s[idx+len(p):]
			sLower = sLower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}
