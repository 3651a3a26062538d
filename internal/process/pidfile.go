package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Identity pins a PID to a particular process incarnation. StartUnix guards
// against PID reuse; zero means it could not be determined.
type Identity struct {
	PID       int   `json:"pid"`
	StartUnix int64 `json:"start_unix,omitempty"`
}

// identityOf captures the identity of a running pid.
func identityOf(pid int) Identity {
	return Identity{PID: pid, StartUnix: startUnix(pid)}
}

// Self is the identity of the current process.
func Self() Identity { return identityOf(os.Getpid()) }

// Alive reports whether the process still exists and is the same
// incarnation that was recorded.
func (id Identity) Alive() bool {
	if !processExists(id.PID) {
		return false
	}
	if id.StartUnix == 0 {
		return true
	}
	cur := startUnix(id.PID)
	return cur == 0 || cur == id.StartUnix
}

// WritePIDFile writes the pid on the first line followed by the JSON
// identity, replacing the file atomically.
func WritePIDFile(path string, id Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(id)
	if err != nil {
		return err
	}
	data := strconv.Itoa(id.PID) + "\n" + string(meta) + "\n"
	return writeAtomic(path, []byte(data))
}

// ReadPIDFile reads a file written by WritePIDFile. Files that carry only a
// PID are accepted and yield an identity without a start time.
func ReadPIDFile(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil || pid <= 0 {
		return Identity{}, fmt.Errorf("invalid pid file %s", path)
	}
	id := Identity{PID: pid}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return id, nil
	}
	var meta Identity
	if err := json.Unmarshal([]byte(rest), &meta); err == nil && meta.PID == pid {
		id.StartUnix = meta.StartUnix
	}
	return id, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// WriteFileAtomic replaces path with data via a temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return writeAtomic(path, data)
}
