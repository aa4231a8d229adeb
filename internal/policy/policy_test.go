package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Meridian/internal/action"
)

func TestRawAcquisitionCeiling(t *testing.T) {
	e := NewEnforcer(DefaultLimits())
	c := &Counters{}

	// Three consecutive raw acquisitions succeed.
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Check(c, action.ClassRawAcquisition, false), "call %d", i+1)
		e.Record(c, action.ClassRawAcquisition, false)
	}

	// The fourth is rejected before any synthesis.
	err := e.Check(c, action.ClassRawAcquisition, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_note")

	// One synthesis resets the counter and acquisitions succeed again.
	require.NoError(t, e.Check(c, action.ClassSynthesis, false))
	e.Record(c, action.ClassSynthesis, false)
	assert.Equal(t, 0, c.RawSinceSynthesis)
	assert.NoError(t, e.Check(c, action.ClassRawAcquisition, false))
}

func TestNonSummarySynthesisCeiling(t *testing.T) {
	e := NewEnforcer(DefaultLimits())
	c := &Counters{}

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Check(c, action.ClassSynthesis, false))
		e.Record(c, action.ClassSynthesis, false)
	}

	err := e.Check(c, action.ClassSynthesis, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "progress summary")

	// A summary synthesis is still allowed and resets the counter.
	require.NoError(t, e.Check(c, action.ClassSynthesis, true))
	e.Record(c, action.ClassSynthesis, true)
	assert.Equal(t, 0, c.NonSummarySinceSummary)
}

func TestSynthesisResetsRawCounterRegardlessOfSummary(t *testing.T) {
	e := NewEnforcer(DefaultLimits())
	c := &Counters{RawSinceSynthesis: 2, NonSummarySinceSummary: 1}

	e.Record(c, action.ClassSynthesis, true)
	assert.Equal(t, 0, c.RawSinceSynthesis)
	assert.Equal(t, 0, c.NonSummarySinceSummary)
}

func TestControlActionsLeaveCountersUntouched(t *testing.T) {
	e := NewEnforcer(DefaultLimits())
	c := &Counters{RawSinceSynthesis: 2, NonSummarySinceSummary: 2}

	require.NoError(t, e.Check(c, action.ClassControl, false))
	e.Record(c, action.ClassControl, false)
	assert.Equal(t, 2, c.RawSinceSynthesis)
	assert.Equal(t, 2, c.NonSummarySinceSummary)
}

func TestNewEnforcerAppliesDefaults(t *testing.T) {
	e := NewEnforcer(Limits{})
	assert.Equal(t, 3, e.limits.MaxRawBeforeSynthesis)
	assert.Equal(t, 3, e.limits.MaxNotesBeforeSummary)
}
