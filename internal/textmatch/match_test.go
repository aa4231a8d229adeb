package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocateExactSubstringIsIdempotent(t *testing.T) {
	source := "Tesla delivered 1.8 million vehicles in 2023, a company record."
	fragment := "1.8 million vehicles in 2023"

	got := Locate(fragment, source)
	assert.Equal(t, fragment, got)
}

func TestLocateShortFragmentReturnedUnchanged(t *testing.T) {
	// Below the minimum length fuzzy matching is skipped entirely.
	got := Locate("abc", "aXbXcXdXe")
	assert.Equal(t, "abc", got)
}

func TestLocateFuzzyFindsCloseVariant(t *testing.T) {
	source := "Quarterly revenue increased 19% year over year, driven by cloud growth."
	// Rendered text dropped the percent sign and changed one word.
	fragment := "revenue increased 19 percent year over year"

	got := Locate(fragment, source)
	require.NotEqual(t, fragment, got, "expected a source-aligned match, not the fallback")
	assert.Contains(t, source, got)
	assert.Contains(t, got, "revenue increased 19%")
}

func TestLocateNoMatchFallsBackToFragment(t *testing.T) {
	source := "completely unrelated writing about gardening and soil acidity"
	fragment := "the spacecraft re-entered the atmosphere over the Pacific"

	got := Locate(fragment, source)
	assert.Equal(t, fragment, got)
}

func TestLocateEmptyFragment(t *testing.T) {
	assert.Equal(t, "", Locate("", "anything"))
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, levenshtein([]rune(tc.a), []rune(tc.b)), "%q vs %q", tc.a, tc.b)
	}
}

func TestSimilarityBounds(t *testing.T) {
	assert.Equal(t, 1.0, similarity([]rune("abc"), []rune("abc")))
	assert.Equal(t, 0.0, similarity([]rune("abc"), []rune("xyz")))
}
