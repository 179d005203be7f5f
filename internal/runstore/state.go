package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Run state statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StateCounts is present only on completed runs.
type StateCounts struct {
	Scored  int `json:"scored"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// State is the JSON document describing where a run stands. Fields that do
// not apply to the current status are omitted.
type State struct {
	Status     string `json:"status"`
	RunSlug    string `json:"run_slug"`
	SessionID  string `json:"session_id,omitempty"`
	Model      string `json:"model,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Host       string `json:"host,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	FailedAt   string `json:"failed_at,omitempty"`
	BaseCSV    string `json:"base_csv,omitempty"`
	InputCSV   string `json:"input_csv,omitempty"`
	OutputCSV  string `json:"output_csv,omitempty"`
	RunLog     string `json:"run_log,omitempty"`
	FailedLog  string `json:"failed_log,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	*StateCounts
}

// WriteState atomically replaces the state file at path.
func WriteState(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("runstore: create state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("runstore: write state tmp: %w", err)
	}
	// Sync the temp file before rename for crash safety.
	f, err := os.Open(tmp) //nolint:gosec // path is derived from the run slug
	if err != nil {
		return fmt.Errorf("runstore: open state tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("runstore: sync state tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("runstore: rename state: %w", err)
	}
	return nil
}

// ReadState loads a state file. A missing file returns os.ErrNotExist.
func ReadState(path string) (State, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the run slug
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, err
		}
		return State{}, fmt.Errorf("runstore: read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("runstore: decode state: %w", err)
	}
	return st, nil
}
