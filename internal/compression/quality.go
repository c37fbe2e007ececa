package compression

// qualityEstimate models retention as linear in the kept fraction, anchored
// at the strategy's design point: compressing exactly to the design ratio
// scores exactly the strategy's quality threshold, gentler output scores
// higher, and output pushed below the design ratio falls under the threshold
// and gets rejected. Token optimization carries a threshold of 1.0 with zero
// loss slope, so it scores 1.0 at any achieved ratio.
func qualityEstimate(spec strategySpec, rawTokens, compressedTokens int) float64 {
	if rawTokens <= 0 || spec.ratio >= 1 {
		return 1.0
	}
	kept := float64(compressedTokens) / float64(rawTokens)
	if kept > 1 {
		kept = 1
	}
	q := 1.0 - (1.0-spec.quality)*(1.0-kept)/(1.0-spec.ratio)
	if q < 0 {
		return 0
	}
	return q
}
