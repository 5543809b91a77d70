package decimalfmt

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormatFixed(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		precision int32
		want      string
	}{
		{"price two decimals", "50000.12", 2, "5000012"},
		{"thin quantity eight decimals", "0.00366279", 8, "366279"},
		{"pad to precision", "1.5", 8, "150000000"},
		{"zero value", "0", 2, "0"},
		{"integer value", "100", 2, "10000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := decimal.NewFromString(tt.value)
			if err != nil {
				t.Fatalf("decimal.NewFromString(%q): %v", tt.value, err)
			}
			got, err := FormatFixed(d, tt.precision)
			if err != nil {
				t.Fatalf("FormatFixed: %v", err)
			}
			if got != tt.want {
				t.Errorf("FormatFixed(%s, %d) = %q, want %q", tt.value, tt.precision, got, tt.want)
			}
		})
	}
}

func TestFormatFixed_RoundsHalfAwayFromZero(t *testing.T) {
	d, _ := decimal.NewFromString("1.005")
	got, err := FormatFixed(d, 2)
	if err != nil {
		t.Fatalf("FormatFixed: %v", err)
	}
	if got != "101" {
		t.Errorf("FormatFixed(1.005, 2) = %q, want %q (half-away-from-zero)", got, "101")
	}
}

func TestFormatFixed_RejectsNegative(t *testing.T) {
	d, _ := decimal.NewFromString("-1.5")
	if _, err := FormatFixed(d, 2); err != ErrNegativeValue {
		t.Errorf("expected ErrNegativeValue, got %v", err)
	}
}

func TestParse(t *testing.T) {
	valid := []string{"100", "100.50", "1.5e-3", "0.00000001", "1E10"}
	for _, v := range valid {
		if _, err := Parse(v); err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", v, err)
		}
	}

	invalid := []string{"", "NaN", "Inf", "-Infinity", "not-a-number"}
	for _, v := range invalid {
		if _, err := Parse(v); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", v)
		}
	}
}

func TestParse_RoundTripsThroughFormatFixed(t *testing.T) {
	// Property: FormatFixed is injective and round-trips through Parse
	// after re-inserting the implied decimal point, for values already at
	// the target precision.
	cases := []struct {
		value     string
		precision int32
	}{
		{"34.56", 2},
		{"0.1", 8},
		{"12345.00000001", 8},
	}
	for _, c := range cases {
		d, err := Parse(c.value)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.value, err)
		}
		digits, err := FormatFixed(d, c.precision)
		if err != nil {
			t.Fatalf("FormatFixed: %v", err)
		}
		reinserted := reinsertDecimalPoint(digits, c.precision)
		back, err := Parse(reinserted)
		if err != nil {
			t.Fatalf("Parse(%q) round-trip: %v", reinserted, err)
		}
		if !back.Equal(d) {
			t.Errorf("round trip mismatch: got %s want %s", back.String(), d.String())
		}
	}
}

func TestParseExact_RejectsExcessPrecision(t *testing.T) {
	if _, err := ParseExact("1.123", 2); err != ErrTooManyFractionalDigits {
		t.Errorf("expected ErrTooManyFractionalDigits, got %v", err)
	}
	if _, err := ParseExact("1.12", 2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func reinsertDecimalPoint(digits string, precision int32) string {
	if precision == 0 {
		return digits
	}
	for int32(len(digits)) <= precision {
		digits = "0" + digits
	}
	cut := int32(len(digits)) - precision
	return digits[:cut] + "." + digits[cut:]
}
