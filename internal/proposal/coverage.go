package proposal

import "math"

// CoverageThreshold is the minimum normalized coverage a proposal needs to
// pass validation and approval.
const CoverageThreshold = 0.90

// NormalizeCoverage converts a percentage or fraction into a fraction in
// [0,1] rounded to four decimals. Values above 1 are read as percentages
// and non-finite values count as no coverage. Applying it twice gives the
// same result as applying it once.
func NormalizeCoverage(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	v = math.Max(0, math.Min(1, v))
	return math.Round(v*10000) / 10000
}

// MeetsThreshold reports whether coverage, once normalized, reaches
// CoverageThreshold.
func MeetsThreshold(coverage float64) bool {
	return NormalizeCoverage(coverage) >= CoverageThreshold
}
