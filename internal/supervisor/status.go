package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loykin/guardr/internal/process"
)

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	PID              int       `json:"pid,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	Restarts         int       `json:"restarts"`
	UnstableRestarts int       `json:"unstable_restarts"`
	RestartsInWindow int       `json:"restarts_in_window"`
	LastExitReason   string    `json:"last_exit_reason,omitempty"`
	LastExitCode     int       `json:"last_exit_code"`
	LastExitSignal   string    `json:"last_exit_signal,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	NextRestartAt    time.Time `json:"next_restart_at,omitempty"`
	Degraded         string    `json:"degraded,omitempty"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Uptime is how long the current child has been running.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.State != StateRunning || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// StatusFile is the on-disk form read by the CLI. Supervisor identifies the
// guardr process so operator commands can signal it.
type StatusFile struct {
	Supervisor process.Identity `json:"supervisor"`
	Status     Status           `json:"status"`
}

// WriteStatusFile atomically replaces path with the current status.
func WriteStatusFile(path string, self process.Identity, st Status) error {
	b, err := json.MarshalIndent(StatusFile{Supervisor: self, Status: st}, "", "  ")
	if err != nil {
		return err
	}
	return process.WriteFileAtomic(path, append(b, '\n'))
}

// ReadStatusFile loads a file written by WriteStatusFile.
func ReadStatusFile(path string) (StatusFile, error) {
	var sf StatusFile
	b, err := os.ReadFile(path)
	if err != nil {
		return sf, err
	}
	if err := json.Unmarshal(b, &sf); err != nil {
		return sf, fmt.Errorf("parse status file %s: %w", path, err)
	}
	return sf, nil
}
