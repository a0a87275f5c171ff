package model

import (
	"database/sql/driver"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// arith is shared by every Decimal operation. 34 digits is decimal128.
var arith = apd.BaseContext.WithPrecision(34)

// Decimal is an immutable money amount.
type Decimal struct {
	value apd.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{}

// ParseDecimal parses a decimal literal such as "1500", "12.50" or "1e3".
func ParseDecimal(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("invalid decimal %q: not finite", s)
	}
	return Decimal{value: d}, nil
}

// MustDecimal is ParseDecimal for literals known to be valid.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromInt64 converts an integer amount.
func DecimalFromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

// DecimalFromFloat converts a float amount, as received from loosely typed JSON.
func DecimalFromFloat(f float64) (Decimal, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %v: %w", f, err)
	}
	if d.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("invalid decimal %v: not finite", f)
	}
	return Decimal{value: d}, nil
}

func (d Decimal) String() string {
	return d.value.Text('f')
}

func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

func (d Decimal) IsNegative() bool {
	return d.value.Negative && !d.value.IsZero()
}

// Cmp returns -1, 0 or +1.
func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

func (d Decimal) Equal(other Decimal) bool {
	return d.Cmp(other) == 0
}

func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	arith.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

func (d Decimal) Sub(other Decimal) Decimal {
	var result apd.Decimal
	arith.Sub(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Div returns d/other, or Zero when other is zero.
func (d Decimal) Div(other Decimal) Decimal {
	if other.IsZero() {
		return Zero
	}
	var result apd.Decimal
	arith.Quo(&result, &d.value, &other.value)
	result.Reduce(&result)
	return Decimal{value: result}
}

// DivInt divides by a count. Dividing by zero yields Zero.
func (d Decimal) DivInt(n int64) Decimal {
	return d.Div(DecimalFromInt64(n))
}

// IsMultipleOf reports whether d is an exact multiple of m.
func (d Decimal) IsMultipleOf(m Decimal) bool {
	if m.IsZero() {
		return false
	}
	var rem apd.Decimal
	if _, err := arith.Rem(&rem, &d.value, &m.value); err != nil {
		return false
	}
	return rem.IsZero()
}

// Units returns d as an integer count of 10^-scale units, rounding half
// even past that scale. Fails when the count overflows int64.
func (d Decimal) Units(scale int32) (int64, error) {
	c := *arith
	c.Rounding = apd.RoundHalfEven
	var q apd.Decimal
	if _, err := c.Quantize(&q, &d.value, -scale); err != nil {
		return 0, fmt.Errorf("decimal %s at scale %d: %w", d, scale, err)
	}
	q.Exponent = 0
	n, err := q.Int64()
	if err != nil {
		return 0, fmt.Errorf("decimal %s at scale %d: %w", d, scale, err)
	}
	return n, nil
}

// DecimalFromUnits is the inverse of Units.
func DecimalFromUnits(units int64, scale int32) Decimal {
	d := apd.New(units, -scale)
	d.Reduce(d)
	return Decimal{value: *d}
}

// Float64 is for reporting only; arithmetic stays in Decimal.
func (d Decimal) Float64() float64 {
	f, _ := d.value.Float64()
	return f
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" || s == "" {
		*d = Zero
		return nil
	}
	parsed, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value lets Decimal bind to NUMERIC columns.
func (d Decimal) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan reads NUMERIC columns.
func (d *Decimal) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Zero
		return nil
	case []byte:
		return d.UnmarshalJSON(v)
	case string:
		return d.UnmarshalJSON([]byte(v))
	case int64:
		*d = DecimalFromInt64(v)
		return nil
	case float64:
		parsed, err := DecimalFromFloat(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Decimal", src)
	}
}
