package summarize

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// extractive is the fast profile: frequency-scored sentence extraction.
// It needs no model weights and no accelerator, so CPU-only execution
// holds by construction.
type extractive struct{}

func newExtractive() *extractive { return &extractive{} }

func (e *extractive) Name() string { return "extractive-fast" }

// Generate selects the highest-scoring sentences, emitted in document
// order, until the summary reaches the requested word window. Length is
// enforced by selecting whole sentences, so the output never cuts
// mid-sentence.
func (e *extractive) Generate(
	_ context.Context, text string, minWords, maxWords int,
) (string, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return "", nil
	}

	freq := wordFrequencies(text)

	type scored struct {
		index int
		score float64
		words int
	}

	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		words := strings.Fields(sentence)
		if len(words) == 0 {
			continue
		}
		var total float64
		for _, w := range words {
			total += freq[normalizeWord(w)]
		}
		ranked = append(ranked, scored{
			index: i,
			score: total / float64(len(words)),
			words: len(words),
		})
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	// Greedily take the best sentences that still fit under the word
	// ceiling, stopping once the floor is reached. The fit check keeps
	// the running total bounded, so the result stays inside the window
	// whenever enough sentences fit.
	picked := make(map[int]bool)
	total := 0
	for _, cand := range ranked {
		if total+cand.words > maxWords {
			continue
		}
		picked[cand.index] = true
		total += cand.words
		if total >= minWords {
			break
		}
	}

	var out []string
	for i, sentence := range sentences {
		if picked[i] {
			out = append(out, sentence)
		}
	}

	return strings.Join(out, " "), nil
}

// splitSentences breaks text on terminal punctuation. Abbreviation
// handling is deliberately naive; over-splitting only shortens the
// units the scorer works with.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()

	return sentences
}

// stopwords are excluded from frequency scoring so connective words do
// not dominate sentence scores.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "were": true,
	"will": true, "with": true,
}

func wordFrequencies(text string) map[string]float64 {
	freq := make(map[string]float64)
	var max float64

	for _, w := range strings.Fields(text) {
		w = normalizeWord(w)
		if w == "" || stopwords[w] {
			continue
		}
		freq[w]++
		if freq[w] > max {
			max = freq[w]
		}
	}

	if max > 0 {
		for w := range freq {
			freq[w] /= max
		}
	}

	return freq
}

func normalizeWord(w string) string {
	w = strings.ToLower(w)
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
