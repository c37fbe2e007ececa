package compression

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// apply runs one strategy's text transform toward a token target. Transforms
// never invent content: token optimization preserves the word sequence, the
// pruning strategies keep whole sentences (or keywords) from the original.
func apply(spec strategySpec, content string, targetTokens int) string {
	targetBytes := tokensToBytes(targetTokens)

	switch spec.name {
	case StrategyTokenOptimization:
		return collapseWhitespace(content)

	case StrategyHierarchicalPruning:
		sentences := splitSentences(content)
		if len(sentences) < 2 {
			return content
		}
		return selectSentences(sentences, scoreSentences(sentences), targetBytes)

	case StrategySemanticCompression:
		sentences := splitSentences(content)
		if len(sentences) >= 2 {
			return selectSentences(sentences, scoreSentences(sentences), targetBytes)
		}
		stripped := stripStopwords(content)
		if len(stripped) <= targetBytes {
			return stripped
		}
		return keywordDigest(content, targetBytes)
	}
	return content
}

// collapseWhitespace squeezes runs of spaces and tabs to single spaces, drops
// trailing whitespace, and collapses blank-line runs to one blank line.
func collapseWhitespace(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, strings.Join(fields, " "))
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// splitSentences splits text on sentence boundaries, filtering fragments
// shorter than 10 bytes so abbreviations do not produce spurious splits.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(current.String())
			if len(sentence) > 10 {
				sentences = append(sentences, sentence)
				current.Reset()
			}
		}
	}
	if current.Len() > 0 {
		if sentence := strings.TrimSpace(current.String()); sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
	return sentences
}

// scoreSentences assigns importance scores: position (earlier is better),
// length (peaking around 20 words), and inverse word frequency.
func scoreSentences(sentences []string) []float64 {
	scores := make([]float64, len(sentences))
	freq := wordFrequency(sentences)

	for i, sentence := range sentences {
		score := 0.3 / (float64(i) + 1.0)

		words := strings.Fields(sentence)
		lengthScore := math.Min(float64(len(words))/20.0, 1.0)
		if len(words) > 20 {
			lengthScore = math.Max(1.0-(float64(len(words))-20.0)/50.0, 0.1)
		}
		score += lengthScore * 0.4

		freqScore := 0.0
		for _, word := range words {
			if f, ok := freq[normalizeWord(word)]; ok && f > 1 {
				freqScore += 1.0 / float64(f)
			}
		}
		if len(words) > 0 {
			freqScore /= float64(len(words))
		}
		score += freqScore * 0.3

		scores[i] = score
	}
	return scores
}

func wordFrequency(sentences []string) map[string]int {
	freq := make(map[string]int)
	for _, sentence := range sentences {
		for _, word := range strings.Fields(sentence) {
			if w := normalizeWord(word); len(w) > 2 {
				freq[w]++
			}
		}
	}
	return freq
}

// selectSentences keeps the best-scoring sentences until the target size is
// reached, then restores original order so the output stays coherent. Ties
// break on position so selection is deterministic.
func selectSentences(sentences []string, scores []float64, targetBytes int) string {
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})

	var picked []int
	size := 0
	for _, idx := range order {
		if size > 0 {
			size++ // joining separator
		}
		size += len(sentences[idx])
		picked = append(picked, idx)
		if size >= targetBytes {
			break
		}
	}
	sort.Ints(picked)

	parts := make([]string, len(picked))
	for i, idx := range picked {
		parts[i] = sentences[idx]
	}
	return strings.Join(parts, " ")
}

// stripStopwords removes common filler words, keeping everything else in
// original order.
func stripStopwords(text string) string {
	fields := strings.Fields(text)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		if !stopWords[normalizeWord(f)] {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// keywordDigest reduces unstructured content to its keywords in first-seen
// order, filling toward the target size.
func keywordDigest(content string, targetBytes int) string {
	seen := make(map[string]bool)
	var keywords []string
	for _, f := range strings.Fields(content) {
		w := normalizeWord(f)
		if len(w) <= 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}

	var b strings.Builder
	for _, w := range keywords {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		if b.Len() >= targetBytes {
			break
		}
	}
	return b.String()
}

func normalizeWord(word string) string {
	return strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}

// stopWords lists common words excluded from keyword extraction.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "may": true, "might": true, "must": true,
	"can": true, "this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "as": true, "which": true, "who": true,
	"when": true, "where": true, "why": true, "how": true,
}
