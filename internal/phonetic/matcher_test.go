package phonetic_test

import (
	"testing"

	"github.com/emberwake/emberwake/internal/phonetic"
)

// TestMatcher_ExactName verifies an exact (case-insensitive) name matches
// with a top score.
func TestMatcher_ExactName(t *testing.T) {
	m := phonetic.New()

	name, score, ok := m.Match("Oakmoor", []string{"oakmoor", "ashford"})
	if !ok {
		t.Fatal("exact name did not match")
	}
	if name != "oakmoor" {
		t.Errorf("matched %q, want oakmoor", name)
	}
	if score < 0.99 {
		t.Errorf("score = %v, want ≈1.0", score)
	}
}

// TestMatcher_PhoneticMisspelling verifies a phonetically equivalent
// misspelling matches.
func TestMatcher_PhoneticMisspelling(t *testing.T) {
	m := phonetic.New()

	name, _, ok := m.Match("okemore", []string{"oakmoor", "ashford"})
	if !ok {
		t.Fatal("phonetic misspelling did not match")
	}
	if name != "oakmoor" {
		t.Errorf("matched %q, want oakmoor", name)
	}
}

// TestMatcher_MultiWordName verifies a fragment of a multi-word name
// matches the full name.
func TestMatcher_MultiWordName(t *testing.T) {
	m := phonetic.New()

	name, _, ok := m.Match("flagon", []string{"The Broken Flagon", "Sunken Ruins"})
	if !ok {
		t.Fatal("single word of multi-word name did not match")
	}
	if name != "The Broken Flagon" {
		t.Errorf("matched %q, want The Broken Flagon", name)
	}
}

// TestMatcher_NoMatch verifies an unrelated phrase matches nothing.
func TestMatcher_NoMatch(t *testing.T) {
	m := phonetic.New()

	if name, _, ok := m.Match("xyzzy", []string{"oakmoor", "ashford"}); ok {
		t.Errorf("unrelated phrase matched %q", name)
	}
}

// TestMatcher_EmptyInputs verifies degenerate inputs are rejected quietly.
func TestMatcher_EmptyInputs(t *testing.T) {
	m := phonetic.New()

	if _, _, ok := m.Match("", []string{"oakmoor"}); ok {
		t.Error("empty phrase matched")
	}
	if _, _, ok := m.Match("oakmoor", nil); ok {
		t.Error("empty name list matched")
	}
	if _, _, ok := m.Match("   ", []string{"oakmoor"}); ok {
		t.Error("blank phrase matched")
	}
}

// TestMatcher_Thresholds verifies the configurable thresholds gate matches.
func TestMatcher_Thresholds(t *testing.T) {
	// Impossibly strict matcher: nothing clears the bar.
	strict := phonetic.New(
		phonetic.WithPhoneticThreshold(1.01),
		phonetic.WithFuzzyThreshold(1.01),
	)
	// Exact equality scores 1.0, below the absurd threshold.
	if name, _, ok := strict.Match("oakmoor", []string{"oakmoor"}); ok {
		t.Errorf("strict matcher matched %q, want no match", name)
	}

	// Permissive matcher accepts weaker similarity.
	loose := phonetic.New(phonetic.WithPhoneticThreshold(0.5))
	if _, _, ok := loose.Match("oakmore village", []string{"oakmoor"}); !ok {
		t.Error("permissive matcher rejected a close name")
	}
}

// TestMatcher_PhoneticPreferredOverFuzzy verifies a phonetically compatible
// candidate wins over a merely string-similar one.
func TestMatcher_PhoneticPreferredOverFuzzy(t *testing.T) {
	m := phonetic.New()

	// "ashferd", "ashford" and "ashfort" share a Double Metaphone code, so
	// among them the higher string similarity wins: ashford.
	name, _, ok := m.Match("ashferd", []string{"ashford", "ashfort"})
	if !ok {
		t.Fatal("no match for ashferd")
	}
	if name != "ashford" {
		t.Errorf("matched %q, want ashford", name)
	}

	// "ashferm" is closer to "ashferd" on strings than "ashfort" is, but it
	// shares no phonetic code with it; the phonetic candidate still wins.
	name, _, ok = m.Match("ashferd", []string{"ashferm", "ashfort"})
	if !ok {
		t.Fatal("no match for ashferd against ashferm/ashfort")
	}
	if name != "ashfort" {
		t.Errorf("matched %q, want phonetic candidate ashfort", name)
	}
}
