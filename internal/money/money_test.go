package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func TestDivHalfUpRoundsTiesAwayFromZero(t *testing.T) {
	ctx := MustContext(2, RoundHalfUp)
	cases := []struct {
		a, b, want string
	}{
		{"1", "3", "0.33"},
		{"2", "3", "0.67"},
		{"0.125", "1", "0.13"},
		{"-0.125", "1", "-0.13"},
		{"100", "8", "12.50"},
	}
	for _, tc := range cases {
		got, err := ctx.Div(dec(t, tc.a), dec(t, tc.b))
		if err != nil {
			t.Fatalf("Div(%s,%s): %v", tc.a, tc.b, err)
		}
		if !got.Equal(dec(t, tc.want)) {
			t.Fatalf("Div(%s,%s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDivHalfEvenRoundsTiesToEven(t *testing.T) {
	ctx := MustContext(2, RoundHalfEven)
	got, err := ctx.Div(dec(t, "0.125"), dec(t, "1"))
	if err != nil {
		t.Fatalf("Div: %v", err)
	}
	if !got.Equal(dec(t, "0.12")) {
		t.Fatalf("half-even Div(0.125,1) = %s, want 0.12", got)
	}
}

func TestDivByZero(t *testing.T) {
	ctx := MustContext(2, RoundHalfUp)
	if _, err := ctx.Div(dec(t, "1"), decimal.Zero); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestAdditionIsExact(t *testing.T) {
	ctx := MustContext(2, RoundHalfUp)
	// 0.1 + 0.2 drifts under binary floats; it must not here.
	got, err := ctx.Add(dec(t, "0.10"), dec(t, "0.20"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !got.Equal(dec(t, "0.30")) {
		t.Fatalf("Add = %s, want 0.30", got)
	}
}

func TestPrecisionOverflow(t *testing.T) {
	ctx, err := NewContext(2, RoundHalfUp, 6)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if _, err := ctx.Mul(dec(t, "99999"), dec(t, "99999")); !errors.Is(err, ErrPrecisionOverflow) {
		t.Fatalf("expected ErrPrecisionOverflow, got %v", err)
	}
}

func TestNewContextRejectsUnknownMode(t *testing.T) {
	if _, err := NewContext(2, RoundingMode("ceiling"), 0); !errors.Is(err, ErrInvalidRoundingMode) {
		t.Fatalf("expected ErrInvalidRoundingMode, got %v", err)
	}
}

func TestSumKeepsFullPrecision(t *testing.T) {
	ctx := MustContext(2, RoundHalfUp)
	got, err := ctx.Sum(dec(t, "0.005"), dec(t, "0.005"), dec(t, "0.99"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if !got.Equal(dec(t, "1.00")) {
		t.Fatalf("Sum = %s, want 1.00", got)
	}
}
