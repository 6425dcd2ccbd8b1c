package extractor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
		wantErr  bool
	}{
		{raw: "500", expected: "500"},
		{raw: "₹ 1,000", expected: "1000"},
		{raw: "Rs. 1,00,000.50", expected: "100000.5"},
		{raw: "INR 750 only", expected: "750"},
		{raw: "500/-", expected: "500"},
		{raw: "1.234,56 €", expected: "1234.56"},
		{raw: "12,5", expected: "12.5"},
		{raw: "1.000.000", expected: "1000000"},
		{raw: "$ 25.99", expected: "25.99"},
		{raw: "1.000 €", expected: "1000"},
		{raw: "1,000 €", expected: "1000"},
		{raw: "€ 2.500", expected: "2500"},
		{raw: "0.500", expected: "0.5"},
		{raw: "0,500", expected: "0.5"},
		{raw: "12.50", expected: "12.5"},
		{raw: "0", expected: "0"},
		{raw: "", wantErr: true},
		{raw: "Rs.", wantErr: true},
		{raw: "N/A", wantErr: true},
		{raw: "-250", wantErr: true},
		{raw: "12abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAmount(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.String())
		})
	}
}

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		raw      string
		expected time.Time
		ok       bool
	}{
		{raw: "31 Dec 2025", expected: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), ok: true},
		{raw: "5 January 2026", expected: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), ok: true},
		{raw: "15/03/2026", expected: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), ok: true},
		{raw: "2026-07-01", expected: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), ok: true},
		{raw: "Mar 3, 2027", expected: time.Date(2027, 3, 3, 0, 0, 0, 0, time.UTC), ok: true},
		{raw: "06-Jan-2026", expected: time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC), ok: true},
		{raw: "", ok: false},
		{raw: "end of season", ok: false},
		{raw: "31/31/2025", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseExpiry(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}
