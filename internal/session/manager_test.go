package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/artifact"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	mgr, err := NewManager(mr.Addr(), "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestCreateAndGetSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	state, err := mgr.Create(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, state.ID)

	got, err := mgr.Get(ctx, state.ID)
	require.NoError(t, err)
	// Cached sessions return the same live instance.
	assert.Same(t, state, got)
}

func TestGetMissingSession(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRehydrationPreservesInvariants(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	state, err := mgr.Create(ctx, "")
	require.NoError(t, err)

	// Build a session with history, artifacts, counters, and flags.
	state.AppendEntry(Entry{Kind: EntrySystem, Content: "instructions"})
	state.AppendEntry(Entry{Kind: EntryUser, Content: "research this"})

	id1, err := state.Artifacts.Create(&artifact.Artifact{Kind: artifact.KindSearchResults, Query: "q"})
	require.NoError(t, err)
	require.NoError(t, state.Artifacts.Complete(id1, nil))
	id2, err := state.Artifacts.Create(&artifact.Artifact{
		Kind:         artifact.KindNote,
		ExplicitRefs: []string{id1},
		NoteMarkdown: "synthesized",
	})
	require.NoError(t, err)

	state.Counters.RawSinceSynthesis = 2
	state.Counters.NonSummarySinceSummary = 1
	state.Flags.MarkFinal(id1)
	state.AddChat(ChatMessage{Kind: ChatProgressSummary, Content: "Start", Status: ChatInProgress})

	require.NoError(t, mgr.Save(ctx, state))

	// Drop the cache to force a Redis round trip.
	mgr.mu.Lock()
	delete(mgr.cache, state.ID)
	mgr.mu.Unlock()

	got, err := mgr.Get(ctx, state.ID)
	require.NoError(t, err)
	require.NotSame(t, state, got)

	assert.Len(t, got.History, 2)
	assert.Equal(t, 2, got.Counters.RawSinceSynthesis)
	assert.Equal(t, 1, got.Counters.NonSummarySinceSummary)
	assert.True(t, got.Flags.FinalReady())
	assert.Equal(t, id1, got.Flags.FinalArtifactID())

	// Artifact statuses and refs survive the round trip.
	a2, err := got.Artifacts.Get(id2)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusInProgress, a2.Status)
	assert.Equal(t, []string{id1}, a2.ExplicitRefs)
	assert.Len(t, got.Chat(), 1)
}

func TestDeleteSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	state, err := mgr.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, mgr.Delete(ctx, state.ID))

	_, err = mgr.Get(ctx, state.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
