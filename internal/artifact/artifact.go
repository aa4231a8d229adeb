// Package artifact defines the immutable-once-completed units of collected
// and synthesized information a research session accumulates, and the
// per-session store that links them into a provenance graph.
package artifact

import (
	"fmt"
	"strings"
)

// Kind identifies the closed set of artifact variants. Kind-specific
// payloads live on Artifact; handlers switch exhaustively on Kind.
type Kind string

const (
	KindUserRequirement Kind = "user_requirement"
	KindSearchResults   Kind = "search_results"
	KindWebpage         Kind = "webpage"
	KindNote            Kind = "note"
)

// Status tracks the artifact lifecycle. An artifact is created in
// StatusInProgress by the action that requested it and flipped to
// StatusCompleted by the same action's continuation; it is never mutated
// afterwards.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// SearchHit is one entry of a search result set.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Artifact is one unit of information in the session.
//
// ImplicitRef is the chronologically preceding artifact (a chain, not a
// citation); ExplicitRefs are the artifacts this one cites or derives
// from, and always point backwards in creation order, so the explicit
// reference graph is acyclic by construction.
type Artifact struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Title        string   `json:"title"`
	Status       Status   `json:"status"`
	ImplicitRef  string   `json:"implicit_ref,omitempty"`
	ExplicitRefs []string `json:"explicit_refs"`

	// user_requirement payload
	UserRequirement string `json:"user_requirement,omitempty"`

	// search_results payload
	Query string      `json:"query,omitempty"`
	Hits  []SearchHit `json:"hits,omitempty"`

	// webpage payload
	URL      string `json:"url,omitempty"`
	Markdown string `json:"markdown,omitempty"`

	// note payload
	NoteMarkdown string `json:"note_markdown,omitempty"`
	Summary      bool   `json:"summary,omitempty"`
	Final        bool   `json:"final,omitempty"`
}

// Content renders the artifact body as readable text. This is what the
// generation service sees during tracing and what create_note consumes as
// synthesis input.
func (a *Artifact) Content() string {
	switch a.Kind {
	case KindUserRequirement:
		return a.UserRequirement
	case KindSearchResults:
		var b strings.Builder
		b.WriteString("The search results are shown below:\n")
		for _, h := range a.Hits {
			fmt.Fprintf(&b, "- %s (%s): %s\n", h.Title, h.URL, h.Snippet)
		}
		return b.String()
	case KindWebpage:
		return a.Markdown
	case KindNote:
		return a.NoteMarkdown
	default:
		return ""
	}
}

// DisplayContent is the content highlights are applied against. It matches
// Content for every current kind but is kept separate so viewer-facing
// rendering can diverge without touching trace semantics.
func (a *Artifact) DisplayContent() string {
	return a.Content()
}

// clone returns a copy safe to hand to observers.
func (a *Artifact) clone() *Artifact {
	cp := *a
	cp.ExplicitRefs = append([]string(nil), a.ExplicitRefs...)
	cp.Hits = append([]SearchHit(nil), a.Hits...)
	return &cp
}
