package expr

import (
	"strings"
	"time"
)

// dateLayouts lists the accepted textual date forms, tried in order.
// The first layout that parses wins, so the list goes from most to
// least specific.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"02/01/2006",
	"02-01-2006",
}

// ParseDate parses a value with the tolerant date parser. The second
// return is false when no layout matches, mirroring errors='coerce'.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
