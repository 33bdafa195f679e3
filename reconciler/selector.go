package reconciler

// Select picks the asset breaching its max tolerance by the largest factor.
// Assets without a tolerance limit are never selected, neither are the excluded or unobserved ones.
func Select(devs []Deviation, excluded map[string]bool) (Deviation, bool) {
	var (
		best  Deviation
		found bool
	)
	for _, d := range devs {
		if !d.Observed || !d.HasTolerance || !d.AbsoluteDeviationTooLarge || excluded[d.Key()] || !d.ToleranceMax.IsPositive() {
			continue
		}
		if !found || d.AbsDeviation.Div(d.ToleranceMax).GreaterThan(best.AbsDeviation.Div(best.ToleranceMax)) {
			best = d
			found = true
		}
	}
	return best, found
}
