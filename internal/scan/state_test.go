package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateOfCoversEveryStatus(t *testing.T) {
	t.Parallel()

	state, err := StateOf(nil)
	require.NoError(t, err)
	assert.IsType(t, Pending{}, state)

	state, err = StateOf(&RepoRecord{RepoName: "a", Status: RepoScanning, Percentage: 130})
	require.NoError(t, err)
	scanning, ok := state.(Scanning)
	require.True(t, ok)
	assert.InDelta(t, 100.0, scanning.Progress.Percentage, 0.001)

	state, err = StateOf(&RepoRecord{Status: RepoCompleted, Summary: &Summary{Files: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, state.(Completed).Summary.Files)

	state, err = StateOf(&RepoRecord{Status: RepoFailed})
	require.NoError(t, err)
	assert.Equal(t, "scan failed", state.(Failed).Error)

	state, err = StateOf(&RepoRecord{Status: RepoTimeout, Error: "budget exceeded"})
	require.NoError(t, err)
	assert.Equal(t, "budget exceeded", state.(TimedOut).Error)

	_, err = StateOf(&RepoRecord{Status: "exploded"})
	require.Error(t, err)
}

func TestPercentTerminalStatesCountAsDone(t *testing.T) {
	t.Parallel()

	for _, state := range []RepoState{Completed{}, Failed{Error: "x"}, TimedOut{Error: "y"}} {
		pct, err := Percent(state)
		require.NoError(t, err)
		assert.InDelta(t, 100.0, pct, 0.001)
	}
	pct, err := Percent(Pending{})
	require.NoError(t, err)
	assert.Zero(t, pct)
}

func TestNewMasterRecordStartsAllPending(t *testing.T) {
	t.Parallel()

	rec := NewMasterRecord("job", "https://github.com/acme/app.git", []Repository{
		{Index: 0, Name: "app"},
		{Index: 1, Name: "lib"},
	})
	assert.Equal(t, 2, rec.TotalRepos)
	assert.Equal(t, []string{"app", "lib"}, rec.PendingRepos)
	assert.Empty(t, rec.CompletedRepos)
	assert.Empty(t, rec.FailedRepos)
	assert.Equal(t, OverallPending, rec.Status)
}
