// Package textmatch locates a target fragment inside a longer source text.
//
// Extracted snippets arrive from the generation service and frequently
// differ from the stored artifact content in small ways (rendered markdown,
// normalized whitespace, dropped punctuation). Locate resolves them back to
// the exact substring of the source so highlight offsets stay valid.
package textmatch

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/Kocoro-lab/Meridian/internal/metrics"
)

const (
	// minFragmentRunes is the shortest fragment worth fuzzy matching.
	// Anything shorter produces too many false positives to be useful.
	minFragmentRunes = 5

	// minSimilarity is the Levenshtein similarity cutoff below which a
	// candidate window is rejected and the fragment returned unchanged.
	minSimilarity = 0.5

	// bitap patterns are limited to 32 characters by the algorithm's
	// bit-parallel word size; longer fragments are anchored by prefix.
	maxBitapPattern = 32
)

// Locate returns the contiguous substring of source that best matches
// fragment. Exact containment is the fast path and is idempotent: a
// fragment that is already a verbatim substring is returned as-is. When no
// window clears the similarity cutoff the fragment is returned unchanged so
// callers can fall back to a plain substring search.
func Locate(fragment, source string) string {
	if fragment == "" || strings.Contains(source, fragment) {
		return fragment
	}
	if utf8.RuneCountInString(fragment) < minFragmentRunes {
		return fragment
	}

	metrics.FuzzyMatchFallbacks.Inc()

	start, end, score := bestWindow(fragment, source)
	if score < minSimilarity {
		return fragment
	}
	return source[start:end]
}

// bestWindow slides a fragment-sized window over the source and scores each
// position by Levenshtein similarity. A bitap anchor narrows the scanned
// region when it finds one; otherwise the scan covers the whole source with
// a coarse stride followed by a fine pass around the best coarse hit.
func bestWindow(fragment, source string) (start, end int, score float64) {
	srcRunes := []rune(source)
	fragRunes := []rune(fragment)
	window := len(fragRunes)
	if window > len(srcRunes) {
		window = len(srcRunes)
	}
	if window == 0 {
		return 0, 0, 0
	}

	lo, hi := anchorRegion(fragment, source, srcRunes, window)

	bestStart, bestScore := scanRegion(fragRunes, srcRunes, window, lo, hi, coarseStride(window))
	// Fine pass around the coarse winner.
	fineLo := bestStart - coarseStride(window)
	fineHi := bestStart + coarseStride(window)
	if fineLo < 0 {
		fineLo = 0
	}
	if fineHi > len(srcRunes)-window {
		fineHi = len(srcRunes) - window
	}
	if s, sc := scanRegion(fragRunes, srcRunes, window, fineLo, fineHi, 1); sc > bestScore {
		bestStart, bestScore = s, sc
	}

	byteStart := len(string(srcRunes[:bestStart]))
	byteEnd := byteStart + len(string(srcRunes[bestStart:bestStart+window]))
	return byteStart, byteEnd, bestScore
}

// anchorRegion uses bitap matching on the fragment prefix to bound the scan.
// Returned bounds are rune offsets for candidate window starts.
func anchorRegion(fragment, source string, srcRunes []rune, window int) (lo, hi int) {
	lo, hi = 0, len(srcRunes)-window
	if hi < 0 {
		hi = 0
	}

	pattern := fragment
	if utf8.RuneCountInString(pattern) > maxBitapPattern {
		r := []rune(pattern)
		pattern = string(r[:maxBitapPattern])
	}

	dmp := diffmatchpatch.New()
	loc := dmp.MatchMain(source, pattern, 0)
	if loc < 0 {
		return lo, hi
	}

	anchor := utf8.RuneCountInString(source[:loc])
	lo = anchor - window
	hi = anchor + window
	if lo < 0 {
		lo = 0
	}
	if hi > len(srcRunes)-window {
		hi = len(srcRunes) - window
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func scanRegion(fragRunes, srcRunes []rune, window, lo, hi, stride int) (bestStart int, bestScore float64) {
	bestStart = lo
	for i := lo; i <= hi; i += stride {
		candidate := srcRunes[i : i+window]
		if sc := similarity(fragRunes, candidate); sc > bestScore {
			bestStart, bestScore = i, sc
		}
	}
	return bestStart, bestScore
}

func coarseStride(window int) int {
	stride := window / 4
	if stride < 1 {
		stride = 1
	}
	return stride
}

// similarity returns 1 - editDistance/maxLen in [0,1].
func similarity(a, b []rune) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(maxLen)
}

// levenshtein computes edit distance with the space-optimized two-row form.
func levenshtein(s1, s2 []rune) int {
	if len(s1) > len(s2) {
		s1, s2 = s2, s1
	}

	m, n := len(s1), len(s2)
	if m == 0 {
		return n
	}

	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for i := 0; i <= m; i++ {
		prev[i] = i
	}

	for j := 1; j <= n; j++ {
		curr[0] = j
		for i := 1; i <= m; i++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[i] = min(min(prev[i]+1, curr[i-1]+1), prev[i-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[m]
}
