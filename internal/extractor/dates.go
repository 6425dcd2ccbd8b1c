package extractor

import (
	"fmt"
	"strings"
	"time"
)

// expiryLayouts are the textual date formats seen in voucher bodies.
// Day-first numeric dates are assumed.
var expiryLayouts = []string{
	"02 Jan 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"02 January 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006-01-02",
	"02 Jan 06",
}

// ParseExpiry parses a voucher expiry date. Ordinal suffixes ("1st", "22nd")
// and weekday prefixes are tolerated.
func ParseExpiry(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	s = strings.Join(strings.Fields(s), " ")
	s = stripWeekday(s)
	s = stripOrdinals(s)

	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func stripWeekday(s string) string {
	if idx := strings.Index(s, ", "); idx > 0 && idx <= len("Wednesday") {
		prefix := strings.ToLower(s[:idx])
		for _, day := range []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"} {
			if strings.HasPrefix(prefix, day) {
				return s[idx+2:]
			}
		}
	}
	return s
}

func stripOrdinals(s string) string {
	words := strings.Split(s, " ")
	for i, w := range words {
		for _, suffix := range []string{"st", "nd", "rd", "th"} {
			num, ok := strings.CutSuffix(w, suffix)
			if ok && num != "" && isDigits(num) {
				words[i] = num
				break
			}
		}
	}
	return strings.Join(words, " ")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseEmailDate parses various email date formats
func parseEmailDate(dateStr string) (time.Time, error) {
	// Common email date formats
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Remove timezone name in parentheses (e.g., "(UTC)", "(IST)")
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
