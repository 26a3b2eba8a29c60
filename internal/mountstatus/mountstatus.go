// Package mountstatus maintains the mount.status file: a small JSON
// document next to the cache describing the mount's current state, updated
// on every state transition so operators and the status command can inspect
// a mount without attaching to the process.
package mountstatus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marmos91/cloudcached/internal/logger"
)

// FileName is the status file's name inside the cache directory.
const FileName = "mount.status"

// Mount states.
const (
	StateStarting = "starting"
	StateMounted  = "mounted"
	StateReadOnly = "readonly"
	StateError    = "error"
	StateStopped  = "stopped"
)

// Status is the document persisted in the mount.status file.
type Status struct {
	State     string    `json:"state"`
	Err       string    `json:"err,omitempty"`
	LastLogs  []string  `json:"last_logs,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Writer serializes state transitions into the status file.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter returns a Writer targeting dir/mount.status.
func NewWriter(dir string) *Writer {
	return &Writer{path: filepath.Join(dir, FileName)}
}

// Set writes the given state to the status file; when cause is non-nil it
// also records the error and the most recent warn/error log lines.
// The write is atomic (temp file + rename) so a reader never observes a
// torn document.
func (w *Writer) Set(state string, cause error) error {
	st := Status{
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	if cause != nil {
		st.Err = cause.Error()
		st.LastLogs = logger.Recent()
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("mountstatus: marshal: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("mountstatus: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("mountstatus: rename: %w", err)
	}
	return nil
}

// Report is Set with failures logged instead of returned, for call sites
// where a status-file write error must not mask the error being reported.
func (w *Writer) Report(state string, cause error) {
	if err := w.Set(state, cause); err != nil {
		logger.Warnf("mountstatus: update failed: %v", err)
	}
}

// Read loads the status file from dir. A missing file reports state
// "stopped" with no error, since a never-started or cleanly-removed mount
// has nothing to say.
func Read(dir string) (Status, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Status{State: StateStopped}, nil
		}
		return Status{}, fmt.Errorf("mountstatus: read: %w", err)
	}

	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("mountstatus: parse: %w", err)
	}
	return st, nil
}
