package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureStringListNativeArray(t *testing.T) {
	got, err := EnsureStringList([]interface{}{"a", "b"}, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEnsureStringListNil(t *testing.T) {
	got, err := EnsureStringList(nil, "f")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnsureStringListNonStringElement(t *testing.T) {
	_, err := EnsureStringList([]interface{}{"a", 3.0}, "f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must contain only strings")
}

func TestEnsureStringListWrongType(t *testing.T) {
	_, err := EnsureStringList(42.0, "f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be list")
}

func TestEnsureStringListStringifiedDirect(t *testing.T) {
	got, err := EnsureStringList(`["one", "two"]`, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestEnsureStringListSmartQuotes(t *testing.T) {
	got, err := EnsureStringList("[“one”, “two”]", "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestEnsureStringListEmptyBrackets(t *testing.T) {
	got, err := EnsureStringList("[ ]", "f")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnsureStringListCommaSplit(t *testing.T) {
	// Escaped quotes inside elements must not break the split.
	got, err := EnsureStringList(`["said \"hi\", then left", "second, with comma"]`, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{`said "hi", then left`, "second, with comma"}, got)
}

func TestEnsureStringListCommaSplitInvalidEscape(t *testing.T) {
	// An invalid escape defeats direct parsing; the bracket-aware
	// splitter still recovers both elements.
	got, err := EnsureStringList(`["path \d matches", "two"]`, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{`path \d matches`, "two"}, got)
}

func TestEnsureStringListRegexFallback(t *testing.T) {
	// Trailing junk defeats direct parsing but quoted strings survive.
	got, err := EnsureStringList(`extracted: "alpha" and "beta" done`, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, got)
}

func TestEnsureStringListUnrecoverable(t *testing.T) {
	_, err := EnsureStringList("not a list at all", "support_content_list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "support_content_list is not valid JSON")
}

func TestEnsureStringListUnescapedQuoteHint(t *testing.T) {
	_, err := EnsureStringList(`[broken "because of quotes]`, "f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unescaped quotes")
}
