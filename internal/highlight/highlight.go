// Package highlight wraps matched spans of artifact content in markup
// delimiters for the provenance viewer. Overlapping spans are merged before
// any delimiter is written, and delimiters never cross table or list
// separators because the renderer cannot carry a highlight across them.
package highlight

import (
	"regexp"
	"sort"
	"strings"
)

const (
	openTag  = "<highlight>"
	closeTag = "</highlight>"
)

// separatorPattern matches markdown structure a highlight must not span:
// table bars and line-leading list markers.
var separatorPattern = regexp.MustCompile(`(\||(?:^|\n)- )`)

// Span is a half-open [Start,End) byte range into the original text.
type Span struct {
	Start int
	End   int
}

// Merge sorts spans and collapses overlapping or adjacent ranges. Spans
// with End <= Start are dropped.
func Merge(spans []Span) []Span {
	cleaned := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.End > s.Start && s.Start >= 0 {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	sort.Slice(cleaned, func(i, j int) bool {
		if cleaned[i].Start != cleaned[j].Start {
			return cleaned[i].Start < cleaned[j].Start
		}
		return cleaned[i].End < cleaned[j].End
	})

	merged := []Span{cleaned[0]}
	for _, s := range cleaned[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// Apply inserts highlight delimiters around each span of text. Spans must
// reference the original text; they are merged first and applied from the
// last range to the first so earlier insertions never shift offsets that
// are still pending.
func Apply(text string, spans []Span) string {
	merged := Merge(spans)
	if len(merged) == 0 {
		return text
	}

	result := text
	for i := len(merged) - 1; i >= 0; i-- {
		s := merged[i]
		if s.End > len(result) {
			continue
		}
		wrapped := wrapSegment(result[s.Start:s.End])
		result = result[:s.Start] + wrapped + result[s.End:]
	}
	return result
}

// wrapSegment wraps one merged span, splitting on structural separators so
// each delimiter pair stays inside a single table cell or list item.
// Whitespace at segment edges stays outside the delimiter.
func wrapSegment(text string) string {
	locs := separatorPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return openTag + text + closeTag
	}

	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		b.WriteString(wrapPlain(text[prev:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(wrapPlain(text[prev:]))
	return b.String()
}

func wrapPlain(part string) string {
	core := strings.TrimSpace(part)
	if core == "" {
		return part
	}
	leading := part[:len(part)-len(strings.TrimLeft(part, " \t\n\r"))]
	trailing := part[len(strings.TrimRight(part, " \t\n\r")):]
	return leading + openTag + core + closeTag + trailing
}
