package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Meridian/internal/artifact"
	"github.com/Kocoro-lab/Meridian/internal/policy"
)

// State is one running agent's mutable record.
type State struct {
	ID       string
	ParentID string

	// History is loop-owned; no lock. Append-only except for the
	// read-time compaction view built by the turn engine.
	History []Entry

	Artifacts *artifact.Store
	Counters  policy.Counters
	Flags     *Flags

	// chatMu guards Chat and TraceStatuses: trace requests and snapshot
	// readers touch them outside the turn loop.
	chatMu        sync.Mutex
	chat          []ChatMessage
	traceStatuses map[string]string
}

// New creates an empty session state.
func New(parentID string) *State {
	return &State{
		ID:            uuid.New().String(),
		ParentID:      parentID,
		Artifacts:     artifact.NewStore(),
		Flags:         &Flags{},
		traceStatuses: make(map[string]string),
	}
}

// AppendEntry appends to the generation history.
func (s *State) AppendEntry(e Entry) {
	s.History = append(s.History, e)
}

// EnsureSystemEntry inserts the system instruction at the head of history
// exactly once.
func (s *State) EnsureSystemEntry(prompt string) {
	if len(s.History) > 0 && s.History[0].Kind == EntrySystem {
		return
	}
	s.History = append([]Entry{{Kind: EntrySystem, Content: prompt}}, s.History...)
}

// AddChat appends a display message and returns its index for later
// in-place updates.
func (s *State) AddChat(msg ChatMessage) int {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	s.chat = append(s.chat, msg)
	return len(s.chat) - 1
}

// UpdateChat replaces the display message at index.
func (s *State) UpdateChat(index int, msg ChatMessage) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	if index >= 0 && index < len(s.chat) {
		s.chat[index] = msg
	}
}

// Chat returns a copy of the display timeline.
func (s *State) Chat() []ChatMessage {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	return append([]ChatMessage(nil), s.chat...)
}

// CancelInProgressChat marks every in-progress action-progress display
// entry cancelled. Part of interrupt cleanup.
func (s *State) CancelInProgressChat() {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	for i := range s.chat {
		if s.chat[i].Kind == ChatActionProgress && s.chat[i].Status == ChatInProgress {
			s.chat[i].Status = ChatCancelled
		}
	}
}

// CloseLastProgressSummary marks the most recent progress-summary display
// entry with the given status.
func (s *State) CloseLastProgressSummary(status ChatStatus) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	for i := len(s.chat) - 1; i >= 0; i-- {
		if s.chat[i].Kind == ChatProgressSummary {
			s.chat[i].Status = status
			return
		}
	}
}

// SetTraceStatus records the status of a trace request for observers.
func (s *State) SetTraceStatus(requestID, status string) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	s.traceStatuses[requestID] = status
}

// TraceStatuses returns a copy of the trace request status map.
func (s *State) TraceStatuses() map[string]string {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	out := make(map[string]string, len(s.traceStatuses))
	for k, v := range s.traceStatuses {
		out[k] = v
	}
	return out
}

// Snapshot is the full observer-facing view pushed on every state change.
type Snapshot struct {
	SessionID       string                        `json:"session_id"`
	ParentID        string                        `json:"parent_id,omitempty"`
	Chat            []ChatMessage                 `json:"chat"`
	Artifacts       map[string]*artifact.Artifact `json:"artifacts"`
	Running         bool                          `json:"running"`
	Interrupted     bool                          `json:"interrupted"`
	FinalReady      bool                          `json:"final_ready"`
	FinalArtifactID string                        `json:"final_artifact_id,omitempty"`
	TraceStatuses   map[string]string             `json:"trace_statuses"`
}

// Snapshot builds a copy of everything observers may see.
func (s *State) Snapshot() *Snapshot {
	return &Snapshot{
		SessionID:       s.ID,
		ParentID:        s.ParentID,
		Chat:            s.Chat(),
		Artifacts:       s.Artifacts.Snapshot(),
		Running:         s.Flags.Running(),
		Interrupted:     s.Flags.Interrupted(),
		FinalReady:      s.Flags.FinalReady(),
		FinalArtifactID: s.Flags.FinalArtifactID(),
		TraceStatuses:   s.TraceStatuses(),
	}
}

// Document is the persistence form of a session, keyed by session id.
type Document struct {
	ID            string             `json:"id"`
	ParentID      string             `json:"parent_id,omitempty"`
	History       []Entry            `json:"history"`
	Chat          []ChatMessage      `json:"chat"`
	Artifacts     *artifact.StoreDoc `json:"artifacts"`
	Counters      policy.Counters    `json:"counters"`
	Flags         flagsDoc           `json:"flags"`
	TraceStatuses map[string]string  `json:"trace_statuses,omitempty"`
}

// Export serializes the state.
func (s *State) Export() *Document {
	return &Document{
		ID:            s.ID,
		ParentID:      s.ParentID,
		History:       append([]Entry(nil), s.History...),
		Chat:          s.Chat(),
		Artifacts:     s.Artifacts.Export(),
		Counters:      s.Counters,
		Flags:         s.Flags.export(),
		TraceStatuses: s.TraceStatuses(),
	}
}

// FromDocument rehydrates a session, re-validating the artifact graph so
// a corrupted document cannot smuggle in dangling references.
func FromDocument(doc *Document) (*State, error) {
	if doc == nil || doc.ID == "" {
		return nil, ErrInvalidSession
	}
	store, err := artifact.Restore(doc.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	s := &State{
		ID:            doc.ID,
		ParentID:      doc.ParentID,
		History:       append([]Entry(nil), doc.History...),
		Artifacts:     store,
		Counters:      doc.Counters,
		Flags:         flagsFromDoc(doc.Flags),
		chat:          append([]ChatMessage(nil), doc.Chat...),
		traceStatuses: make(map[string]string, len(doc.TraceStatuses)),
	}
	for k, v := range doc.TraceStatuses {
		s.traceStatuses[k] = v
	}
	return s, nil
}
