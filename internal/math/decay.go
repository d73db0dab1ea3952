// internal/math/decay.go
package math

import "time"

// MaxDecayMinutes caps the exponent of DecPow (1000 years of minutes). Past
// this point any decay factor below one has already reached zero.
const MaxDecayMinutes = 525_600_000

// DecPow returns base^minutes in 18-decimal precision using exponentiation by
// squaring. Each intermediate product is truncated. base must not exceed One.
func DecPow(base Fixed, minutes uint64) (Fixed, error) {
	if base.Gt(One) {
		return Zero, ErrOverflow
	}
	if minutes > MaxDecayMinutes {
		minutes = MaxDecayMinutes
	}
	if minutes == 0 {
		return One, nil
	}

	var c Calc
	y := One
	x := base
	n := minutes
	for n > 1 {
		if n%2 == 0 {
			x = c.Mul(x, x)
			n /= 2
		} else {
			y = c.Mul(x, y)
			x = c.Mul(x, x)
			n = (n - 1) / 2
		}
	}
	result := c.Mul(x, y)
	return result, c.Err()
}

// DecayRate applies minute-based exponential decay to rate.
func DecayRate(rate, minuteDecayFactor Fixed, minutes uint64) (Fixed, error) {
	factor, err := DecPow(minuteDecayFactor, minutes)
	if err != nil {
		return Zero, err
	}
	return Mul(rate, factor)
}

// MinutesBetween returns the whole minutes from -> to, or 0 if to is earlier.
func MinutesBetween(from, to time.Time) uint64 {
	if !to.After(from) {
		return 0
	}
	return uint64(to.Sub(from) / time.Minute)
}
