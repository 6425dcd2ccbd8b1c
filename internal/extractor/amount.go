package extractor

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var errNegativeAmount = errors.New("amount is negative")

// currencyTokens are stripped before numeric parsing. Longest first.
var currencyTokens = []string{"only", "rupees", "inr", "rs.", "rs", "usd", "eur", "gbp", "₹", "$", "€", "£", "/-"}

// ParseAmount parses a voucher value such as "₹ 1,000", "Rs. 1,00,000.50",
// "1.234,56 €" or "500/-" into a decimal. Negative amounts are rejected.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, token := range currencyTokens {
		s = strings.ReplaceAll(s, token, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, s)

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	if s == "" {
		return decimal.Zero, fmt.Errorf("no amount in %q", raw)
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != ',' && r != '.' {
			return decimal.Zero, fmt.Errorf("unexpected character %q in amount %q", r, raw)
		}
	}

	d, err := decimal.NewFromString(normalizeSeparators(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if negative && !d.IsZero() {
		return decimal.Zero, errNegativeAmount
	}
	return d, nil
}

// normalizeSeparators rewrites s so that '.' is the only decimal separator
// and thousand separators are removed. A lone separator followed by exactly
// three digits groups thousands ("1.000", "2,500") unless the integer part
// is zero.
func normalizeSeparators(s string) string {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Whichever separator comes last is the decimal one
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && !groupsThousands(s, lastComma) {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || groupsThousands(s, lastDot) {
			return strings.ReplaceAll(s, ".", "")
		}
		return s
	}
	return s
}

// groupsThousands reports whether the single separator at i splits s into a
// non-zero integer part and exactly three trailing digits.
func groupsThousands(s string, i int) bool {
	if len(s)-i-1 != 3 {
		return false
	}
	return strings.TrimLeft(s[:i], "0") != ""
}
