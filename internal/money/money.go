// Package money provides shared amount parsing and formatting utilities.
//
// Amounts are currency-agnostic decimals (smallest units, cents, credits)
// stored with up to 6 fractional digits, matching NUMERIC(20,6) columns.
package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits kept for every amount.
const Decimals = 6

var (
	ErrEmpty    = errors.New("money: empty amount")
	ErrInvalid  = errors.New("money: invalid amount")
	ErrNegative = errors.New("money: amount must not be negative")
	ErrNotPos   = errors.New("money: amount must be greater than zero")
)

// Zero is the zero amount.
var Zero = decimal.Zero

func init() {
	// Amounts render as JSON numbers ({"required": 100}) rather than strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Parse converts a decimal string (e.g. "1.50", "100") to a decimal.
//
// Rules:
//   - Surrounding whitespace is ignored
//   - Empty input returns ErrEmpty
//   - Exponent notation and multiple decimal points are rejected
//   - Fractional parts beyond 6 digits are truncated
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrEmpty
	}
	if strings.ContainsAny(s, "eE") {
		return Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalid
	}
	return d.Truncate(Decimals), nil
}

// ParseNonNegative parses s and rejects negative amounts.
func ParseNonNegative(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return Zero, err
	}
	if d.IsNegative() {
		return Zero, ErrNegative
	}
	return d, nil
}

// ParsePositive parses s and rejects zero and negative amounts.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return Zero, err
	}
	if !d.IsPositive() {
		return Zero, ErrNotPos
	}
	return d, nil
}

// Format renders an amount without trailing zeros ("100", "0.5").
func Format(d decimal.Decimal) string {
	return d.Truncate(Decimals).String()
}

// Float converts an amount for Prometheus observations. Rounding is
// acceptable there and nowhere else.
func Float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Text is a request field holding an amount exactly as the client sent it,
// as a JSON number (100) or a JSON string ("100"). Parsing is left to the
// validators so malformed values become field errors instead of decode
// failures.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(b)
	}
	return nil
}

func (t Text) String() string {
	return string(t)
}
