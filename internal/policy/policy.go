// Package policy enforces the session workflow caps: raw acquisition
// actions are bounded between syntheses, and non-summary syntheses are
// bounded between summaries. The caps keep runaway data collection and
// unsummarized notes from exhausting the generation context.
package policy

import (
	"fmt"

	"github.com/Kocoro-lab/Meridian/internal/action"
)

// Limits configures the two ceilings.
type Limits struct {
	// MaxRawBeforeSynthesis caps raw-acquisition actions since the last
	// synthesis action.
	MaxRawBeforeSynthesis int
	// MaxNotesBeforeSummary caps non-summary syntheses since the last
	// summary synthesis.
	MaxNotesBeforeSummary int
}

// DefaultLimits mirrors the production ceilings.
func DefaultLimits() Limits {
	return Limits{MaxRawBeforeSynthesis: 3, MaxNotesBeforeSummary: 3}
}

// Counters are the two per-session counters the enforcer reads and
// updates. They live on the session state so persistence round-trips
// preserve enforcement position.
type Counters struct {
	RawSinceSynthesis      int `json:"raw_since_synthesis"`
	NonSummarySinceSummary int `json:"non_summary_since_summary"`
}

// Enforcer applies Limits to Counters. Violations are reported as errors
// whose text is delivered to the generation service as an ordinary action
// result, never as a fatal condition.
type Enforcer struct {
	limits Limits
}

// NewEnforcer builds an enforcer, applying defaults for unset ceilings.
func NewEnforcer(limits Limits) *Enforcer {
	if limits.MaxRawBeforeSynthesis <= 0 {
		limits.MaxRawBeforeSynthesis = DefaultLimits().MaxRawBeforeSynthesis
	}
	if limits.MaxNotesBeforeSummary <= 0 {
		limits.MaxNotesBeforeSummary = DefaultLimits().MaxNotesBeforeSummary
	}
	return &Enforcer{limits: limits}
}

// Check reports whether executing an action of the given class (and, for
// syntheses, summary marker) would violate a ceiling. It does not mutate
// the counters.
func (e *Enforcer) Check(c *Counters, class action.Class, summary bool) error {
	switch class {
	case action.ClassRawAcquisition:
		if c.RawSinceSynthesis >= e.limits.MaxRawBeforeSynthesis {
			return fmt.Errorf(
				"Error: You have made %d raw information collection action calls without creating a note. "+
					"Please call 'create_note' to record the findings before making more raw information collection calls.",
				c.RawSinceSynthesis,
			)
		}
	case action.ClassSynthesis:
		if !summary && c.NonSummarySinceSummary >= e.limits.MaxNotesBeforeSummary {
			return fmt.Errorf(
				"Error: You have made %d create_note calls without creating a progress summary note. "+
					"Please call 'create_note' with is_progress_summary_note=true to summarize the current progress.",
				c.NonSummarySinceSummary,
			)
		}
	}
	return nil
}

// Record updates the counters after a successful execution: raw
// acquisition increments its counter; synthesis resets the acquisition
// counter and either resets (summary) or increments (non-summary) the
// summary counter. Control actions leave both untouched.
func (e *Enforcer) Record(c *Counters, class action.Class, summary bool) {
	switch class {
	case action.ClassRawAcquisition:
		c.RawSinceSynthesis++
	case action.ClassSynthesis:
		c.RawSinceSynthesis = 0
		if summary {
			c.NonSummarySinceSummary = 0
		} else {
			c.NonSummarySinceSummary++
		}
	}
}
