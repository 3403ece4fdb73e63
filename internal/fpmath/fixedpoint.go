package fpmath

import (
	"math/big"
	"sort"
)

// Fixed-point scales used across the engine.
// Prices and sizes carry 18 fractional digits, collateral carries 6.
// Conversion between the two scales always divides/multiplies by 10^12.
var (
	PriceScale      = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	CollateralScale = big.NewInt(1_000_000)
	ScaleDivisor    = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)
)

// BpsDenom is the basis-point denominator (100% == 10_000 bps).
const BpsDenom = 10_000

// MulDiv computes a * b / denom with truncation toward zero.
// Truncation toward zero is the engine-wide division policy: residual
// dust is an accepted, bounded rounding loss.
func MulDiv(a, b, denom *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

// Div computes a / denom with truncation toward zero.
func Div(a, denom *big.Int) *big.Int {
	return new(big.Int).Quo(a, denom)
}

// BpsOf returns v * bps / 10_000, truncating toward zero.
func BpsOf(v *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(bps))
	return out.Quo(out, big.NewInt(BpsDenom))
}

// ToCollateral converts a price-scale (1e18) quote amount to collateral
// scale (1e6) by the fixed 1e12 divisor.
func ToCollateral(v *big.Int) *big.Int {
	return new(big.Int).Quo(v, ScaleDivisor)
}

// ToPriceScale converts a collateral-scale (1e6) amount up to price scale.
func ToPriceScale(v *big.Int) *big.Int {
	return new(big.Int).Mul(v, ScaleDivisor)
}

// Clamp bounds v into [lo, hi].
func Clamp(v, lo, hi *big.Int) *big.Int {
	if v.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if v.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(v)
}

// Abs returns |v| as a fresh value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Median returns the median of samples: ascending sort, middle value for
// odd counts, truncated average of the two middle values for even counts.
// The input slice is not modified. Returns nil for an empty input.
func Median(samples []*big.Int) *big.Int {
	if len(samples) == 0 {
		return nil
	}

	sorted := make([]*big.Int, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}

	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewInt(2))
}

// DeviationBps returns |a - b| * 10_000 / b, the relative deviation of a
// from reference b in basis points. b must be non-zero.
func DeviationBps(a, b *big.Int) *big.Int {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(BpsDenom))
	return diff.Quo(diff, new(big.Int).Abs(b))
}

// FromUnits builds a price-scale value from whole units (e.g. 2000 -> 2000e18).
func FromUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), PriceScale)
}

// CollateralFromUnits builds a collateral-scale value from whole units.
func CollateralFromUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), CollateralScale)
}
