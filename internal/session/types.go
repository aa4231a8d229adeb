// Package session holds the mutable state of one running research agent:
// the generation history, the display-facing chat timeline, the artifact
// store, the workflow policy counters, and the small control cell shared
// across the interrupt boundary. The turn loop is the single writer of
// everything here except the control flags, which an external controller
// may flip concurrently.
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Kocoro-lab/Meridian/internal/llm"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSession is returned when persisted session data is invalid
	ErrInvalidSession = errors.New("invalid session")
)

// EntryKind is the closed set of history entry variants.
type EntryKind string

const (
	EntrySystem       EntryKind = "system"
	EntryUser         EntryKind = "user"
	EntryAssistant    EntryKind = "assistant"
	EntryActionResult EntryKind = "action_result"
)

// Entry is one element of the generation history. The history is
// append-only; the compaction transform in the turn engine is applied at
// read time only and never persisted.
type Entry struct {
	Kind    EntryKind `json:"kind"`
	Content string    `json:"content"`

	// Assistant entries keep the requested actions so action results can
	// be correlated on the wire.
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`

	// Action result fields. Content holds the full rendering; Compact is
	// the short pointer substituted for superseded results of this kind.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ActionName string `json:"action_name,omitempty"`
	Compact    string `json:"compact,omitempty"`
	Summary    bool   `json:"summary,omitempty"`
}

// ChatKind is the closed set of display timeline variants.
type ChatKind string

const (
	ChatUser            ChatKind = "user_message"
	ChatAssistant       ChatKind = "assistant_message"
	ChatActionProgress  ChatKind = "action_progress"
	ChatProgressSummary ChatKind = "progress_summary"
)

// ChatStatus tracks display entry lifecycle.
type ChatStatus string

const (
	ChatInProgress ChatStatus = "in_progress"
	ChatCompleted  ChatStatus = "completed"
	ChatCancelled  ChatStatus = "cancelled"
)

// ChatMessage is one display-facing timeline entry.
type ChatMessage struct {
	Kind       ChatKind   `json:"kind"`
	Label      string     `json:"label,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Content    string     `json:"content,omitempty"`
	Status     ChatStatus `json:"status,omitempty"`
	ArtifactID string     `json:"artifact_id,omitempty"`
}

// Flags is the atomic control cell shared between the turn loop and the
// external controller. Only the interrupt request and the finished/final
// flags are safe to touch from outside the loop; everything else on the
// session is loop-owned.
type Flags struct {
	running     atomic.Bool
	interrupted atomic.Bool
	finalReady  atomic.Bool

	mu              sync.Mutex
	finalArtifactID string
}

// SetRunning flips the running flag.
func (f *Flags) SetRunning(v bool) { f.running.Store(v) }

// Running reports whether the turn loop is active.
func (f *Flags) Running() bool { return f.running.Load() }

// RequestInterrupt asks the loop to stop at the next poll point. Safe to
// call from any goroutine.
func (f *Flags) RequestInterrupt() { f.interrupted.Store(true) }

// Interrupted reports whether an interrupt has been requested.
func (f *Flags) Interrupted() bool { return f.interrupted.Load() }

// ClearInterrupt resets the interrupt request (new user turn).
func (f *Flags) ClearInterrupt() { f.interrupted.Store(false) }

// SetFinalArtifact records which artifact holds the final result without
// signalling completion. The finish action flips readiness separately.
func (f *Flags) SetFinalArtifact(artifactID string) {
	f.mu.Lock()
	f.finalArtifactID = artifactID
	f.mu.Unlock()
}

// MarkFinalReady signals that the interaction produced its final result
// and the turn loop should stop after the current action batch.
func (f *Flags) MarkFinalReady() { f.finalReady.Store(true) }

// MarkFinal records the final result artifact and signals readiness.
func (f *Flags) MarkFinal(artifactID string) {
	f.SetFinalArtifact(artifactID)
	f.MarkFinalReady()
}

// FinalReady reports whether a final result has been marked.
func (f *Flags) FinalReady() bool { return f.finalReady.Load() }

// FinalArtifactID returns the final result artifact id, or "".
func (f *Flags) FinalArtifactID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalArtifactID
}

// ResetFinal clears the final-result marker for a new user turn.
func (f *Flags) ResetFinal() {
	f.finalReady.Store(false)
	f.mu.Lock()
	f.finalArtifactID = ""
	f.mu.Unlock()
}

// flagsDoc is the serializable snapshot of Flags.
type flagsDoc struct {
	Running         bool   `json:"running"`
	Interrupted     bool   `json:"interrupted"`
	FinalReady      bool   `json:"final_ready"`
	FinalArtifactID string `json:"final_artifact_id,omitempty"`
}

func (f *Flags) export() flagsDoc {
	return flagsDoc{
		Running:         f.Running(),
		Interrupted:     f.Interrupted(),
		FinalReady:      f.FinalReady(),
		FinalArtifactID: f.FinalArtifactID(),
	}
}

func flagsFromDoc(d flagsDoc) *Flags {
	f := &Flags{}
	f.SetRunning(d.Running)
	if d.Interrupted {
		f.RequestInterrupt()
	}
	if d.FinalReady {
		f.MarkFinal(d.FinalArtifactID)
	}
	return f
}
