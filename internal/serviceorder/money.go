package serviceorder

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is an amount in centavos. No floats.
type Money int64

// MaxAmount bounds a single unit price or expense value: R$ 1.000.000.000,00.
const MaxAmount Money = 1_000_000_000_00

func (m Money) IsZero() bool     { return m == 0 }
func (m Money) IsNegative() bool { return m < 0 }

// Mul multiplies a unit price by a quantity. It fails instead of wrapping.
func (m Money) Mul(q int) (Money, error) {
	if m == 0 || q == 0 {
		return 0, nil
	}
	p := int64(m) * int64(q)
	if p/int64(q) != int64(m) || (q == -1 && m == math.MinInt64) {
		return 0, errOverflow
	}
	return Money(p), nil
}

// Add sums two amounts. It fails instead of wrapping.
func (m Money) Add(o Money) (Money, error) {
	sum := m + o
	if (o > 0 && sum < m) || (o < 0 && sum > m) {
		return 0, errOverflow
	}
	return sum, nil
}

// ParseMoney reads a decimal string such as "1234.5", "1234.56" or "-0.10".
// A comma is accepted as the decimal separator. More than two fractional
// digits are rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrInvalidInput)
	}
	neg := false
	switch raw[0] {
	case '-':
		neg = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}
	raw = strings.Replace(raw, ",", ".", 1)
	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" || !digitsOnly(whole) || !digitsOnly(frac) || len(frac) > 2 {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrInvalidInput, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units > (1<<63-1)/100-1 {
		return 0, fmt.Errorf("%w: amount out of range %q", ErrInvalidInput, s)
	}
	cents, _ := strconv.ParseInt(frac, 10, 64)
	v := Money(units*100 + cents)
	if neg {
		v = -v
	}
	return v, nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String renders the canonical fixed-point form, e.g. "1234.56".
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// BRL renders the Brazilian display form, e.g. "R$ 1.234,56".
func (m Money) BRL() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := strconv.FormatInt(v/100, 10)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, b.String(), v%100)
}

// MarshalJSON encodes the amount as a decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(m.String())), nil
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("%w: invalid amount", ErrInvalidInput)
		}
		s = unq
	}
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
