package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/servicestatus/agent/internal/domain"
)

const stateFileName = "daemon.state"

// StateFile publishes the daemon's runtime snapshot (pid, connection
// state, queue metrics) as a JSON file the CLI status command can read
// from another process.
type StateFile struct {
	path string
}

// NewStateFile creates a state file inside dataDir.
func NewStateFile(dataDir string) *StateFile {
	return &StateFile{path: filepath.Join(dataDir, stateFileName)}
}

// Write persists the snapshot atomically (write + rename).
func (f *StateFile) Write(state domain.DaemonState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", f.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Read returns the last written snapshot, or nil if the daemon has never
// run (or cleaned up after itself).
func (f *StateFile) Read() (*domain.DaemonState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state domain.DaemonState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Clear removes the state file.
func (f *StateFile) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the state file path (for tests).
func (f *StateFile) Path() string {
	return f.path
}
