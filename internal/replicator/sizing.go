package replicator

import "github.com/shopspring/decimal"

// SizeVolume computes the slave lot size for a master volume:
// round(master × multiplier, 2), capped at maxLot when maxLot > 0, and
// raised to the symbol minimum when the result falls below it. A multiplier
// of 0 (unset) means 1.0. The second return is true when the minimum-lot
// clamp fired, which callers surface as a size_adjusted log entry.
func SizeVolume(masterVolume, multiplier, maxLot, volumeMin float64) (float64, bool) {
	if multiplier <= 0 {
		multiplier = 1.0
	}

	v := decimal.NewFromFloat(masterVolume).
		Mul(decimal.NewFromFloat(multiplier)).
		Round(2)

	if maxLot > 0 {
		if ceil := decimal.NewFromFloat(maxLot); v.GreaterThan(ceil) {
			v = ceil
		}
	}

	adjusted := false
	if volumeMin > 0 {
		if floor := decimal.NewFromFloat(volumeMin); v.LessThan(floor) {
			v = floor
			adjusted = true
		}
	}

	f, _ := v.Float64()
	return f, adjusted
}
