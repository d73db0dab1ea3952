// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by Fixed.
const Decimals = 18

// Arithmetic failures. All of them match ErrArithmetic with errors.Is.
var (
	ErrArithmetic = errors.New("arithmetic error")
	ErrOverflow   = fmt.Errorf("%w: overflow", ErrArithmetic)
	ErrUnderflow  = fmt.Errorf("%w: underflow", ErrArithmetic)
	ErrDivByZero  = fmt.Errorf("%w: division by zero", ErrArithmetic)
)

// Fixed is an unsigned 18-decimal fixed-point amount backed by a 256-bit
// integer. The zero value is 0. Every operation truncates toward zero.
type Fixed struct {
	v uint256.Int
}

var (
	Zero = Fixed{}
	// One is 1.0 (1e18 raw).
	One = Fixed{v: *uint256.NewInt(1_000_000_000_000_000_000)}
	// Max is the largest representable value, used as the "infinite" ratio.
	Max = Fixed{v: *new(uint256.Int).SetAllOne()}
	// NICRPrecision scales nominal ratios so that small debts keep resolution.
	NICRPrecision = Fixed{v: *uint256.MustFromDecimal("100000000000000000000")}
)

// Units returns n whole units (n * 1e18).
func Units(n uint64) Fixed {
	var f Fixed
	f.v.Mul(uint256.NewInt(n), &One.v)
	return f
}

// Raw returns a Fixed holding n base units (n * 1e-18).
func Raw(n uint64) Fixed {
	return Fixed{v: *uint256.NewInt(n)}
}

// FromBig converts a raw big.Int. Negative or oversized values fail.
func FromBig(b *big.Int) (Fixed, error) {
	if b.Sign() < 0 {
		return Zero, ErrUnderflow
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Zero, ErrOverflow
	}
	return Fixed{v: *v}, nil
}

// Parse reads a human decimal string such as "1.1" or "2000". Digits past
// the 18th decimal place are truncated.
func Parse(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	if d.IsNegative() {
		return Zero, fmt.Errorf("parse fixed %q: %w", s, ErrUnderflow)
	}
	return FromBig(d.Shift(Decimals).BigInt())
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Fixed {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// ParseRaw reads a raw base-unit integer string.
func ParseRaw(s string) (Fixed, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Zero, fmt.Errorf("parse raw %q: %w", s, err)
	}
	return Fixed{v: *v}, nil
}

// Big returns the raw value as a new big.Int.
func (f Fixed) Big() *big.Int {
	return f.v.ToBig()
}

// Decimal returns the value as a shopspring decimal (exact).
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.v.ToBig(), -Decimals)
}

// String renders the human decimal form, e.g. "1.1".
func (f Fixed) String() string {
	return f.Decimal().String()
}

// RawString renders the raw base-unit integer.
func (f Fixed) RawString() string {
	return f.v.Dec()
}

func (f Fixed) Cmp(o Fixed) int  { return f.v.Cmp(&o.v) }
func (f Fixed) Eq(o Fixed) bool  { return f.v.Eq(&o.v) }
func (f Fixed) Lt(o Fixed) bool  { return f.v.Lt(&o.v) }
func (f Fixed) Gt(o Fixed) bool  { return f.v.Gt(&o.v) }
func (f Fixed) Lte(o Fixed) bool { return !f.v.Gt(&o.v) }
func (f Fixed) Gte(o Fixed) bool { return !f.v.Lt(&o.v) }
func (f Fixed) IsZero() bool     { return f.v.IsZero() }

// Bytes32 returns the big-endian 32-byte encoding.
func (f Fixed) Bytes32() [32]byte {
	return f.v.Bytes32()
}

// MarshalText implements encoding.TextMarshaler with the human decimal form.
func (f Fixed) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fixed) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler (32 bytes, big-endian).
func (f Fixed) MarshalBinary() ([]byte, error) {
	b := f.v.Bytes32()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Fixed) UnmarshalBinary(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("fixed: want 32 bytes, got %d", len(b))
	}
	f.v.SetBytes32(b)
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Fixed) Fixed {
	if a.Lt(b) {
		return a
	}
	return b
}

// MaxOf returns the larger of a and b.
func MaxOf(a, b Fixed) Fixed {
	if a.Gt(b) {
		return a
	}
	return b
}

// ============================================================================
// Checked arithmetic
// ============================================================================

// Add returns a + b.
func Add(a, b Fixed) (Fixed, error) {
	var r Fixed
	if _, overflow := r.v.AddOverflow(&a.v, &b.v); overflow {
		return Zero, ErrOverflow
	}
	return r, nil
}

// Sub returns a - b, failing when b > a.
func Sub(a, b Fixed) (Fixed, error) {
	var r Fixed
	if _, underflow := r.v.SubOverflow(&a.v, &b.v); underflow {
		return Zero, ErrUnderflow
	}
	return r, nil
}

// SubOrZero returns max(a - b, 0).
func SubOrZero(a, b Fixed) Fixed {
	if b.Gte(a) {
		return Zero
	}
	var r Fixed
	r.v.Sub(&a.v, &b.v)
	return r
}

// Mul returns a * b / 1e18 (decimal product, truncated).
func Mul(a, b Fixed) (Fixed, error) {
	return MulDiv(a, b, One)
}

// Div returns a * 1e18 / b (decimal quotient, truncated).
func Div(a, b Fixed) (Fixed, error) {
	return MulDiv(a, One, b)
}

// MulDiv returns a * b / c with a 512-bit intermediate product.
func MulDiv(a, b, c Fixed) (Fixed, error) {
	if c.IsZero() {
		return Zero, ErrDivByZero
	}
	var r Fixed
	if _, overflow := r.v.MulDivOverflow(&a.v, &b.v, &c.v); overflow {
		return Zero, ErrOverflow
	}
	return r, nil
}

// MulRaw returns the raw integer product a * b without rescaling.
func MulRaw(a, b Fixed) (Fixed, error) {
	var r Fixed
	if _, overflow := r.v.MulOverflow(&a.v, &b.v); overflow {
		return Zero, ErrOverflow
	}
	return r, nil
}

// DivRaw returns the raw integer quotient a / b without rescaling.
func DivRaw(a, b Fixed) (Fixed, error) {
	if b.IsZero() {
		return Zero, ErrDivByZero
	}
	var r Fixed
	r.v.Div(&a.v, &b.v)
	return r, nil
}

// Calc chains checked operations and keeps the first error. After a failure
// every further call returns Zero, so a formula can be written inline and
// checked once with Err.
type Calc struct {
	err error
}

func (c *Calc) apply(fn func() (Fixed, error)) Fixed {
	if c.err != nil {
		return Zero
	}
	r, err := fn()
	if err != nil {
		c.err = err
		return Zero
	}
	return r
}

func (c *Calc) Add(a, b Fixed) Fixed {
	return c.apply(func() (Fixed, error) { return Add(a, b) })
}

func (c *Calc) Sub(a, b Fixed) Fixed {
	return c.apply(func() (Fixed, error) { return Sub(a, b) })
}

func (c *Calc) Mul(a, b Fixed) Fixed {
	return c.apply(func() (Fixed, error) { return Mul(a, b) })
}

func (c *Calc) Div(a, b Fixed) Fixed {
	return c.apply(func() (Fixed, error) { return Div(a, b) })
}

func (c *Calc) MulDiv(a, b, d Fixed) Fixed {
	return c.apply(func() (Fixed, error) { return MulDiv(a, b, d) })
}

func (c *Calc) MulRaw(a, b Fixed) Fixed {
	return c.apply(func() (Fixed, error) { return MulRaw(a, b) })
}

func (c *Calc) DivRaw(a, b Fixed) Fixed {
	return c.apply(func() (Fixed, error) { return DivRaw(a, b) })
}

// Err returns the first error recorded by the chain.
func (c *Calc) Err() error {
	return c.err
}
