package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("s1", 4)
	defer m.Unsubscribe("s1", ch)

	evt, err := m.Publish("s1", EventSnapshot, map[string]string{"state": "running"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), evt.Seq)

	got := <-ch
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, EventSnapshot, got.Type)
	assert.JSONEq(t, `{"state":"running"}`, string(got.Payload))
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("s1", 1)
	defer m.Unsubscribe("s1", ch)

	for i := 0; i < 5; i++ {
		_, err := m.Publish("s1", EventSnapshot, i)
		require.NoError(t, err)
	}
	// Only the first event fit; the rest were dropped.
	assert.Len(t, ch, 1)

	// The dropped events are recoverable by replay.
	first := <-ch
	replay := m.ReplaySince("s1", first.Seq)
	assert.Len(t, replay, 4)
}

func TestRingReplaySince(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 4; i++ {
		_, err := m.Publish("s1", EventSnapshot, i)
		require.NoError(t, err)
	}

	// Capacity 3 means seq 0 was overwritten.
	evs := m.ReplaySince("s1", 0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, uint64(3), evs[2].Seq)

	evs = m.ReplaySince("s1", 2)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(3), evs[0].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestSessionsAreIsolated(t *testing.T) {
	m := NewManager(8)
	a := m.Subscribe("a", 4)
	b := m.Subscribe("b", 4)
	defer m.Unsubscribe("a", a)
	defer m.Unsubscribe("b", b)

	_, err := m.Publish("a", EventSnapshot, "only-a")
	require.NoError(t, err)

	assert.Len(t, a, 1)
	assert.Len(t, b, 0)
}

func TestReplayDuringPublishIsSafe(t *testing.T) {
	m := NewManager(16)
	_, err := m.Publish("s1", EventSnapshot, "seed")
	require.NoError(t, err)

	// A reconnecting observer replays its backlog while the turn loop
	// keeps publishing snapshots. Run under the race detector.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			_, _ = m.Publish("s1", EventSnapshot, i)
		}
	}()
	for i := 0; i < 5000; i++ {
		for _, ev := range m.ReplaySince("s1", 0) {
			assert.Equal(t, "s1", ev.SessionID)
		}
	}
	<-done

	// Replay still sees a consistent, ordered tail.
	evs := m.ReplaySince("s1", 0)
	require.NotEmpty(t, evs)
	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].Seq+1, evs[i].Seq)
	}
}

func TestForgetClosesSubscribersAndDropsHistory(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("s1", 4)
	_, err := m.Publish("s1", EventSnapshot, "x")
	require.NoError(t, err)

	m.Forget("s1")

	_, open := <-ch // drain the buffered event
	assert.True(t, open)
	_, open = <-ch
	assert.False(t, open)
	assert.Nil(t, m.ReplaySince("s1", 0))
}
