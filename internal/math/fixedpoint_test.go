package math_test

import (
	"errors"
	"testing"
	"time"

	fpmath "CDPLedger/internal/math"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Parsing and formatting
// ============================================================================

func TestParse_DecimalString(t *testing.T) {
	f, err := fpmath.Parse("1.1")
	require.NoError(t, err)
	require.Equal(t, "1100000000000000000", f.RawString())
	require.Equal(t, "1.1", f.String())
}

func TestParse_TruncatesPastEighteenDecimals(t *testing.T) {
	f, err := fpmath.Parse("0.0000000000000000019")
	require.NoError(t, err)
	require.Equal(t, "1", f.RawString())
}

func TestParse_RejectsNegative(t *testing.T) {
	_, err := fpmath.Parse("-1")
	require.ErrorIs(t, err, fpmath.ErrArithmetic)
}

func TestUnits(t *testing.T) {
	require.True(t, fpmath.Units(2000).Eq(fpmath.MustParse("2000")))
}

func TestUnmarshalText_YAMLStyleValue(t *testing.T) {
	var f fpmath.Fixed
	require.NoError(t, f.UnmarshalText([]byte("0.005")))
	require.Equal(t, "5000000000000000", f.RawString())
}

// ============================================================================
// Checked arithmetic
// ============================================================================

func TestSub_UnderflowIsArithmeticError(t *testing.T) {
	_, err := fpmath.Sub(fpmath.Units(1), fpmath.Units(2))
	require.True(t, errors.Is(err, fpmath.ErrArithmetic))
	require.ErrorIs(t, err, fpmath.ErrUnderflow)
}

func TestAdd_Overflow(t *testing.T) {
	_, err := fpmath.Add(fpmath.Max, fpmath.Raw(1))
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestMul_Truncates(t *testing.T) {
	r, err := fpmath.Mul(fpmath.Raw(1), fpmath.Raw(999_999_999_999_999_999))
	require.NoError(t, err)
	require.True(t, r.IsZero())

	r, err = fpmath.Mul(fpmath.MustParse("1.5"), fpmath.Units(2))
	require.NoError(t, err)
	require.True(t, r.Eq(fpmath.Units(3)))
}

func TestDiv_ByZero(t *testing.T) {
	_, err := fpmath.Div(fpmath.Units(1), fpmath.Zero)
	require.ErrorIs(t, err, fpmath.ErrDivByZero)
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// Max * 2 overflows 256 bits before the division brings it back.
	r, err := fpmath.MulDiv(fpmath.Max, fpmath.Raw(2), fpmath.Raw(4))
	require.NoError(t, err)
	half, _ := fpmath.DivRaw(fpmath.Max, fpmath.Raw(2))
	require.True(t, r.Eq(half))

	_, err = fpmath.MulDiv(fpmath.Max, fpmath.Max, fpmath.One)
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestSubOrZero(t *testing.T) {
	require.True(t, fpmath.SubOrZero(fpmath.Units(1), fpmath.Units(5)).IsZero())
	require.True(t, fpmath.SubOrZero(fpmath.Units(5), fpmath.Units(1)).Eq(fpmath.Units(4)))
}

func TestCalc_KeepsFirstError(t *testing.T) {
	var c fpmath.Calc
	a := c.Sub(fpmath.Units(1), fpmath.Units(2))
	b := c.Add(a, fpmath.Units(10))
	require.ErrorIs(t, c.Err(), fpmath.ErrUnderflow)
	require.True(t, b.IsZero())
}

// ============================================================================
// Ratios
// ============================================================================

func TestComputeCR_TwoHundredPercent(t *testing.T) {
	cr := fpmath.ComputeCR(fpmath.Units(2), fpmath.Units(2000), fpmath.Units(2000))
	require.True(t, cr.Eq(fpmath.Units(2)), "got %s", cr)
}

func TestComputeCR_ZeroDebtIsMax(t *testing.T) {
	require.True(t, fpmath.ComputeCR(fpmath.Units(1), fpmath.Zero, fpmath.Units(1)).Eq(fpmath.Max))
	require.True(t, fpmath.ComputeNICR(fpmath.Units(1), fpmath.Zero).Eq(fpmath.Max))
}

func TestComputeNICR_OrdersByCollPerDebt(t *testing.T) {
	low := fpmath.ComputeNICR(fpmath.Units(1), fpmath.Units(2000))
	high := fpmath.ComputeNICR(fpmath.Units(2), fpmath.Units(2000))
	require.True(t, high.Gt(low))
}

// ============================================================================
// Decay
// ============================================================================

func TestDecPow_Basics(t *testing.T) {
	r, err := fpmath.DecPow(fpmath.MustParse("0.5"), 0)
	require.NoError(t, err)
	require.True(t, r.Eq(fpmath.One))

	r, err = fpmath.DecPow(fpmath.MustParse("0.5"), 3)
	require.NoError(t, err)
	require.True(t, r.Eq(fpmath.MustParse("0.125")))

	_, err = fpmath.DecPow(fpmath.Units(2), 2)
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestDecayRate_TwelveHourHalfLife(t *testing.T) {
	factor := fpmath.MustParse("0.999037758833783")
	rate, err := fpmath.DecayRate(fpmath.One, factor, 720)
	require.NoError(t, err)

	diff := fpmath.SubOrZero(rate, fpmath.MustParse("0.5"))
	if diff.IsZero() {
		diff = fpmath.SubOrZero(fpmath.MustParse("0.5"), rate)
	}
	require.True(t, diff.Lt(fpmath.MustParse("0.000001")), "decayed to %s", rate)
}

func TestMinutesBetween(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	require.Equal(t, uint64(0), fpmath.MinutesBetween(t0, t0.Add(59*time.Second)))
	require.Equal(t, uint64(2), fpmath.MinutesBetween(t0, t0.Add(150*time.Second)))
	require.Equal(t, uint64(0), fpmath.MinutesBetween(t0, t0.Add(-time.Hour)))
}
