// internal/math/ratio.go
package math

// ComputeCR returns the price-weighted collateral ratio coll * price / debt.
// A zero debt yields Max. Results that do not fit saturate to Max.
func ComputeCR(coll, debt, price Fixed) Fixed {
	if debt.IsZero() {
		return Max
	}
	cr, err := MulDiv(coll, price, debt)
	if err != nil {
		return Max
	}
	return cr
}

// ComputeNICR returns the price-independent ratio coll * 1e20 / debt used
// for ordering positions. A zero debt yields Max.
func ComputeNICR(coll, debt Fixed) Fixed {
	if debt.IsZero() {
		return Max
	}
	nicr, err := MulDiv(coll, NICRPrecision, debt)
	if err != nil {
		return Max
	}
	return nicr
}

// Percent renders a ratio as a float percentage for logs and metrics only.
// Never feed the result back into ledger arithmetic.
func (f Fixed) Percent() float64 {
	v, _ := f.Decimal().Shift(2).Float64()
	return v
}

// Float64 approximates the value for metrics. Not for ledger arithmetic.
func (f Fixed) Float64() float64 {
	v, _ := f.Decimal().Float64()
	return v
}
