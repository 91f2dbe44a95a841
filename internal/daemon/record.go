package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Record is the liveness record a running daemon keeps on disk.
type Record struct {
	PID       int       `json:"pid"`
	Socket    string    `json:"socket"`
	Browser   string    `json:"browser"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`

	// Executable is the daemon binary, used to tell the daemon apart from
	// an unrelated process that later got the same pid.
	Executable string `json:"executable,omitempty"`
}

// ReadRecord loads the record at path. A missing file is (nil, nil).
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read daemon record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode daemon record %s: %w", path, err)
	}
	return &rec, nil
}

// WriteRecord replaces the record at path atomically.
func WriteRecord(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode daemon record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write daemon record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write daemon record: %w", err)
	}
	return nil
}

// removeFile deletes path, treating a missing file as success.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// pidAlive reports whether a process with pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isDaemonProcess reports whether rec.PID is still the process that wrote
// rec. A pid now held by another program does not count, and neither does
// one whose executable cannot be read.
func isDaemonProcess(rec *Record) bool {
	if rec == nil || !pidAlive(rec.PID) {
		return false
	}
	want := rec.Executable
	if want == "" {
		var err error
		if want, err = os.Executable(); err != nil {
			return false
		}
	}
	got, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", rec.PID))
	if err != nil {
		return false
	}
	return sameExecutable(got, want)
}

func sameExecutable(a, b string) bool {
	// The kernel marks a binary replaced on disk while running.
	a = strings.TrimSuffix(a, " (deleted)")
	b = strings.TrimSuffix(b, " (deleted)")
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
