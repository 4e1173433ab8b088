// Package vocab corrects misrecognised custom-vocabulary terms in
// transcripts. Dictation users add names, project words, and jargon that
// general-purpose speech models reliably get wrong ("eldrin axe" for
// "Eldrinax"); the corrector rewrites those spans to the canonical term.
//
// Matching is two-stage and fully in-process:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each window of transcript tokens and for each vocabulary term. A term
//     becomes a candidate when any code overlaps.
//  2. Jaro-Winkler ranking: among candidates, the term with the highest
//     similarity to the original text wins, provided it clears the phonetic
//     threshold. When no phonetic candidate exists, a pure similarity pass
//     runs against all terms with a stricter fuzzy threshold.
//
// Multi-word terms are supported through n-gram windows: at each token
// position the longest matching window wins, so "tower of whispers" beats a
// partial match on "tower".
//
// A Corrector is read-only after construction and safe for concurrent use.
package vocab

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// punctCutset holds the punctuation stripped from a window before matching
// and re-attached afterwards, so "alice," still matches the term "Elyse".
const punctCutset = ".,!?;:\"'"

// Config tunes the corrector. Zero values select the defaults.
type Config struct {
	// Terms is the user's custom vocabulary in canonical spelling.
	Terms []string

	// PhoneticThreshold is the minimum Jaro-Winkler score for a
	// phonetically-matched term to be accepted. Default: 0.70.
	PhoneticThreshold float64

	// FuzzyThreshold is the minimum Jaro-Winkler score when no phonetic
	// candidate is found. Default: 0.85.
	FuzzyThreshold float64
}

// Correction records one rewritten span.
type Correction struct {
	// Original is the transcript span that was replaced.
	Original string

	// Corrected is the canonical vocabulary term it became.
	Corrected string

	// Confidence is the Jaro-Winkler score of the accepted match.
	Confidence float64
}

// term is a vocabulary entry with its matching data precomputed.
type term struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Corrector rewrites transcript spans to canonical vocabulary terms.
type Corrector struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a Corrector, precomputing phonetic codes for every term so the
// per-transcript cost is one code-set per token window.
func New(cfg Config) *Corrector {
	c := &Corrector{
		phoneticThreshold: cfg.PhoneticThreshold,
		fuzzyThreshold:    cfg.FuzzyThreshold,
	}
	if c.phoneticThreshold <= 0 {
		c.phoneticThreshold = defaultPhoneticThreshold
	}
	if c.fuzzyThreshold <= 0 {
		c.fuzzyThreshold = defaultFuzzyThreshold
	}

	for _, raw := range cfg.Terms {
		lower := strings.ToLower(strings.TrimSpace(raw))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.terms = append(c.terms, term{
			canonical: strings.TrimSpace(raw),
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		c.maxWords = max(c.maxWords, len(tokens))
	}
	if len(c.terms) > 0 {
		// A single-word term is often heard as two words ("eldrin axe" for
		// "Eldrinax"), so windows always span at least two tokens.
		c.maxWords = max(c.maxWords, 2)
	}
	return c
}

// Empty reports whether the corrector has no vocabulary and Apply would be
// a no-op.
func (c *Corrector) Empty() bool { return len(c.terms) == 0 }

// Apply rewrites text and returns the corrected string plus the list of
// corrections made. At each token position the longest matching n-gram
// window is consumed, so multi-word terms take precedence.
func (c *Corrector) Apply(text string) (string, []Correction) {
	if len(c.terms) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := min(c.maxWords, len(tokens)-i)

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			core, prefix, suffix := splitPunct(window)
			if core == "" {
				continue
			}

			canonical, conf, ok := c.match(core)
			if !ok {
				continue
			}

			output = append(output, prefix+canonical+suffix)
			corrections = append(corrections, Correction{
				Original:   core,
				Corrected:  canonical,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// match tests one punctuation-free window against the vocabulary. When
// matched is false, the window should be emitted unchanged.
func (c *Corrector) match(window string) (canonical string, confidence float64, matched bool) {
	lower := strings.ToLower(window)
	tokens := strings.Fields(lower)
	inputCodes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)

	for _, t := range c.terms {
		// Exact spans only need canonical casing.
		if lower == t.lower {
			if window == t.canonical {
				return window, 0, false
			}
			return t.canonical, 1, true
		}

		phonetic := codesOverlap(inputCodes, t.codes)
		score := bestSimilarity(tokens, t.tokens, lower, t.lower)

		if phonetic {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			best, bestScore = t.canonical, score
		}
	}

	if best == "" {
		return window, 0, false
	}
	return best, bestScore, true
}

// splitPunct separates leading and trailing punctuation from a window so
// matching runs on the bare words.
func splitPunct(window string) (core, prefix, suffix string) {
	core = strings.TrimLeft(window, punctCutset)
	prefix = window[:len(window)-len(core)]
	trimmed := strings.TrimRight(core, punctCutset)
	suffix = core[len(trimmed):]
	return trimmed, prefix, suffix
}

// codesForTokens returns the union of Double Metaphone codes for the given
// tokens. Empty codes (words too short or with no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestSimilarity computes the highest Jaro-Winkler score between the input
// window and a term using three strategies: full strings, space-stripped
// strings (one spoken word heard as two), and the best pairwise token score.
func bestSimilarity(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concatIn := strings.Join(inputTokens, "")
		concatTerm := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concatIn, concatTerm, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(it, tt, false); s > score {
				score = s
			}
		}
	}

	return score
}
