package compression

// EstimateTokens approximates the token count of text as len/4, the same
// heuristic used across the codebase for budget accounting. Non-empty text
// always counts at least one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}

// tokensToBytes converts a token target back to the byte scale the text
// transforms operate on.
func tokensToBytes(tokens int) int {
	return tokens * 4
}
