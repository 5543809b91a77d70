// Package decimalfmt provides exact fixed-point parsing and formatting of
// the price and quantity strings carried on the exchange wire protocol.
//
// Binary floating point never touches these values: shopspring/decimal
// stores every number as an arbitrary-precision integer coefficient plus a
// base-10 exponent, and FormatFixed operates on that coefficient directly.
package decimalfmt

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced as typed decode failures (spec taxonomy:
// MalformedNumber).
var (
	ErrMalformedNumber         = errors.New("decimalfmt: malformed number")
	ErrNegativeValue           = errors.New("decimalfmt: negative value not allowed")
	ErrTooManyFractionalDigits = errors.New("decimalfmt: value has more fractional digits than the target precision")
	ErrNegativePrecision       = errors.New("decimalfmt: precision must be non-negative")
)

var ten = big.NewInt(10)

// Parse parses a price or quantity string into an exact decimal value.
// It accepts integer ("100"), fixed ("100.50") and scientific ("1.5e-3")
// forms and rejects NaN/Infinity. No rounding is ever performed by Parse.
func Parse(text string) (decimal.Decimal, error) {
	if text == "" {
		return decimal.Decimal{}, ErrMalformedNumber
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "nan", "inf", "+inf", "-inf", "infinity", "-infinity", "+infinity":
		return decimal.Decimal{}, ErrMalformedNumber
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, ErrMalformedNumber
	}
	return d, nil
}

// FormatFixed renders value with exactly precision fractional digits, then
// deletes the decimal point and strips leading zeros (keeping at least one
// digit). This is the exact preimage format the digest reconstructor feeds
// into CRC32; it must not round unless the input carries more fractional
// digits than precision, in which case it rounds half-away-from-zero as a
// documented safety net (spec.md open question: reject-by-default policy
// lives in ParseExact, not here).
//
// FormatFixed allocates only the big.Int scratch space needed to shift or
// round the coefficient; it never goes through a decimal.Decimal string
// round-trip.
func FormatFixed(value decimal.Decimal, precision int32) (string, error) {
	if precision < 0 {
		return "", ErrNegativePrecision
	}
	if value.IsNegative() {
		return "", ErrNegativeValue
	}

	coeff := value.Coefficient()
	exp := value.Exponent()
	targetExp := -precision

	c := new(big.Int).Abs(coeff)
	diff := int64(exp) - int64(targetExp)

	switch {
	case diff > 0:
		// value's exponent is larger (coarser) than target: pad with zeros.
		mul := new(big.Int).Exp(ten, big.NewInt(diff), nil)
		c.Mul(c, mul)
	case diff < 0:
		// value carries more fractional digits than target: round away.
		div := new(big.Int).Exp(ten, big.NewInt(-diff), nil)
		c = roundHalfAwayFromZero(c, div)
	}

	s := c.String()
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return s, nil
}

// MustFormatFixed is FormatFixed for call sites that have already validated
// their input (e.g. values freshly produced by ParseExact at the declared
// precision). It panics on error.
func MustFormatFixed(value decimal.Decimal, precision int32) string {
	s, err := FormatFixed(value, precision)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseExact parses text and rejects it with ErrTooManyFractionalDigits if
// it carries more fractional digits than precision, rather than rounding.
// The wire decoder uses Parse, not ParseExact; FormatFixed's rounding
// remains a safety net for values that already validate.
func ParseExact(text string, precision int32) (decimal.Decimal, error) {
	d, err := Parse(text)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if d.IsNegative() {
		return decimal.Decimal{}, ErrNegativeValue
	}
	if -d.Exponent() > precision {
		return decimal.Decimal{}, ErrTooManyFractionalDigits
	}
	return d, nil
}

// roundHalfAwayFromZero divides c by div and rounds the quotient to the
// nearest integer, ties rounding away from zero. Both c and div are
// assumed non-negative.
func roundHalfAwayFromZero(c, div *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(c, div, new(big.Int))
	twiceRem := new(big.Int).Lsh(rem, 1)
	if twiceRem.CmpAbs(div) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
