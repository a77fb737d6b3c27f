package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"integer", "100", "100"},
		{"fifty cents", "0.50", "0.5"},
		{"smallest unit", "0.000001", "0.000001"},
		{"six decimals", "1.123456", "1.123456"},
		{"truncated past six", "1.1234567", "1.123456"},
		{"leading zeros in whole", "007.50", "7.5"},
		{"whitespace", "  42 ", "42"},
		{"large amount", "999999999.999999", "999999999.999999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if Format(got) != tt.expected {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, Format(got), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"abc", ErrInvalid},
		{"1.2.3", ErrInvalid},
		{"1e3", ErrInvalid},
		{"$5", ErrInvalid},
	}

	for _, tt := range tests {
		_, err := Parse(tt.input)
		if !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.input, err, tt.want)
		}
	}
}

func TestParseNonNegative(t *testing.T) {
	if _, err := ParseNonNegative("0"); err != nil {
		t.Errorf("zero should be accepted: %v", err)
	}
	if _, err := ParseNonNegative("-1"); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

func TestParsePositive(t *testing.T) {
	if _, err := ParsePositive("0.000001"); err != nil {
		t.Errorf("smallest unit should be accepted: %v", err)
	}
	for _, s := range []string{"0", "0.0000001", "-5"} {
		if _, err := ParsePositive(s); !errors.Is(err, ErrNotPos) {
			t.Errorf("ParsePositive(%q) error = %v, want ErrNotPos", s, err)
		}
	}
}

func TestJSONRendersNumbers(t *testing.T) {
	out, err := json.Marshal(map[string]decimal.Decimal{"required": decimal.NewFromInt(100)})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"required":100}` {
		t.Errorf("got %s", out)
	}
}

func TestFloat(t *testing.T) {
	if Float(decimal.RequireFromString("2.5")) != 2.5 {
		t.Error("Float(2.5) mismatch")
	}
}

func TestText_AcceptsNumbersAndStrings(t *testing.T) {
	var req struct {
		A Text `json:"a"`
		B Text `json:"b"`
		C Text `json:"c"`
		D Text `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a":100,"b":"0.25","c":"free","d":null}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.A != "100" || req.B != "0.25" || req.C != "free" || req.D != "" {
		t.Errorf("unexpected values: %+v", req)
	}
	if _, err := Parse(req.C.String()); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for %q", req.C)
	}
}
