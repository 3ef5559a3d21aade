// Package phonetic matches free-form player text against known world names
// (locations, NPCs) using Double Metaphone codes gated by Jaro-Winkler
// similarity.
//
// Players rarely type a place name exactly as the world defines it — "the
// broken flagon", "brokn flagon inn", "flagon" — so exact matching misses
// most references. The matcher accepts a candidate when it is phonetically
// compatible with the input AND string-similar above a threshold; when no
// candidate is phonetically compatible, a stricter pure-similarity fallback
// still catches near-typos.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically compatible name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetically compatible name exists and the matcher falls back to pure
// string similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher matches phrases against known names. It is read-only after
// construction and therefore safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the name in names most similar to phrase. phrase may be a
// single word or a multi-word n-gram taken from narration or player input.
//
// Returns the winning name, its similarity score, and whether any candidate
// cleared its threshold. When ok is false, name is empty and score is 0.
func (m *Matcher) Match(phrase string, names []string) (name string, score float64, ok bool) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" || len(names) == 0 {
		return "", 0, false
	}
	phraseTokens := strings.Fields(phrase)
	phraseCodes := metaphoneCodes(phraseTokens)

	var (
		bestName     string
		bestScore    float64
		bestPhonetic bool
	)

	for _, candidate := range names {
		lower := strings.ToLower(strings.TrimSpace(candidate))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)

		sim := similarity(phrase, phraseTokens, lower, tokens)
		phonetic := codesOverlap(phraseCodes, metaphoneCodes(tokens))

		switch {
		case phonetic && sim >= m.phoneticThreshold:
			if !bestPhonetic || sim > bestScore {
				bestName, bestScore, bestPhonetic = candidate, sim, true
			}
		case !phonetic && !bestPhonetic && sim >= m.fuzzyThreshold:
			if sim > bestScore {
				bestName, bestScore = candidate, sim
			}
		}
	}

	if bestName == "" {
		return "", 0, false
	}
	return bestName, bestScore, true
}

// similarity returns the best Jaro-Winkler score between the phrase and the
// candidate across three views: the full strings, the space-stripped strings
// (catches "oakmoor" vs "oak moor"), and the best token pair (catches one
// spoken word matching one word of a longer name).
func similarity(phrase string, phraseTokens []string, candidate string, candidateTokens []string) float64 {
	best := matchr.JaroWinkler(phrase, candidate, false)

	if len(phraseTokens) > 1 || len(candidateTokens) > 1 {
		joined := matchr.JaroWinkler(
			strings.Join(phraseTokens, ""),
			strings.Join(candidateTokens, ""),
			false,
		)
		if joined > best {
			best = joined
		}
	}

	for _, pt := range phraseTokens {
		for _, ct := range candidateTokens {
			if s := matchr.JaroWinkler(pt, ct, false); s > best {
				best = s
			}
		}
	}
	return best
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
// Empty codes (very short or vowel-only words) are excluded.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, tok := range tokens {
		primary, secondary := matchr.DoubleMetaphone(tok)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
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
