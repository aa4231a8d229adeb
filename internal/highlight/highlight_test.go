package highlight

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOverlapping(t *testing.T) {
	merged := Merge([]Span{{0, 5}, {3, 8}})
	assert.Equal(t, []Span{{0, 8}}, merged)
}

func TestMergeAdjacent(t *testing.T) {
	merged := Merge([]Span{{0, 4}, {4, 9}})
	assert.Equal(t, []Span{{0, 9}}, merged)
}

func TestMergeDisjointStaysSeparate(t *testing.T) {
	merged := Merge([]Span{{10, 12}, {0, 4}})
	assert.Equal(t, []Span{{0, 4}, {10, 12}}, merged)
}

func TestMergeDropsEmptyAndNegative(t *testing.T) {
	merged := Merge([]Span{{5, 5}, {-1, 3}, {7, 2}})
	assert.Nil(t, merged)
}

func TestApplyOverlappingSpansEmitOneDelimiterPair(t *testing.T) {
	text := "abcdefghij"
	got := Apply(text, []Span{{0, 5}, {3, 8}})

	assert.Equal(t, "<highlight>abcdefgh</highlight>ij", got)
	assert.Equal(t, 1, strings.Count(got, "<highlight>"))
	assert.Equal(t, 1, strings.Count(got, "</highlight>"))
}

func TestApplyMultipleSpansBackToFront(t *testing.T) {
	text := "one two three four"
	got := Apply(text, []Span{{0, 3}, {8, 13}})
	assert.Equal(t, "<highlight>one</highlight> two <highlight>three</highlight> four", got)
}

func TestApplyEmptySpans(t *testing.T) {
	assert.Equal(t, "untouched", Apply("untouched", nil))
}

func TestWrapSegmentTableSeparator(t *testing.T) {
	got := wrapSegment("cell a | cell b")
	// The bar stays outside any delimiter pair.
	assert.Equal(t, "<highlight>cell a</highlight> | <highlight>cell b</highlight>", got)
}

func TestWrapSegmentListMarker(t *testing.T) {
	got := wrapSegment("intro\n- item one\n- item two")
	assert.Equal(t, "<highlight>intro</highlight>\n- <highlight>item one</highlight>\n- <highlight>item two</highlight>", got)
}

func TestWrapSegmentPreservesEdgeWhitespace(t *testing.T) {
	got := wrapSegment("  padded  ")
	assert.Equal(t, "  <highlight>padded</highlight>  ", got)
}

func TestApplyDelimiterNeverSpansSeparator(t *testing.T) {
	text := "| alpha | beta |"
	got := Apply(text, []Span{{0, len(text)}})
	for _, seg := range strings.Split(got, "|") {
		opens := strings.Count(seg, "<highlight>")
		closes := strings.Count(seg, "</highlight>")
		assert.Equal(t, opens, closes, "unbalanced delimiters in segment %q", seg)
	}
}
