package runstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "a.state.json")

	require.NoError(t, WriteState(path, State{Status: StatusRunning, RunSlug: "a", PID: 42}))
	st, err := ReadState(path)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Nil(t, st.StateCounts)

	require.NoError(t, WriteState(path, State{
		Status:      StatusCompleted,
		RunSlug:     "a",
		StateCounts: &StateCounts{Scored: 2, Failed: 2, Pending: 4},
	}))
	st, err = ReadState(path)
	require.NoError(t, err)
	require.NotNil(t, st.StateCounts)
	assert.Equal(t, 4, st.Pending)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "\"pid\"")
}

func TestReadStateMissing(t *testing.T) {
	_, err := ReadState(filepath.Join(t.TempDir(), "none.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLineLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.jsonl")
	log := NewLineLog(path)
	require.NoError(t, log.Append(map[string]any{"word_id": 1}))
	require.NoError(t, log.Append(map[string]any{"word_id": 2}))

	type line struct {
		WordID int `json:"word_id"`
	}
	lines, skipped, err := ReadLines[line](path)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, lines, 2)
	assert.Equal(t, 2, lines[1].WordID)

	var nilLog *LineLog
	assert.NoError(t, nilLog.Append("ignored"))
}
