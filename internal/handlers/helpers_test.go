package handlers

import "testing"

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		amount float64
		want   string
	}{
		{0, "$0.00"},
		{4.99, "$4.99"},
		{1234.5, "$1,234.50"},
		// Half-cent amounts round up, matching register arithmetic rather
		// than the formatter's half-to-even default.
		{1633.125, "$1,633.13"},
		{43.555, "$43.56"},
		{1633.124, "$1,633.12"},
		{1000000, "$1,000,000.00"},
	}

	for _, tc := range cases {
		if got := formatMoney(tc.amount); got != tc.want {
			t.Fatalf("formatMoney(%v) = %q, want %q", tc.amount, got, tc.want)
		}
	}
}
