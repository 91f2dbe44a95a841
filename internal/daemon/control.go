package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/ipc"
)

// ControlOptions tell the CLI side where the daemon lives and how to start
// it.
type ControlOptions struct {
	SocketPath string
	RecordPath string

	// Executable and Args spawn "webprobe daemon run". Executable defaults
	// to the running binary.
	Executable string
	Args       []string
	// OutputPath receives the spawned process's stdout and stderr.
	OutputPath string

	StartTimeout time.Duration
	StopTimeout  time.Duration
}

var pollInterval = 100 * time.Millisecond

// StartResult describes the daemon after Start.
type StartResult struct {
	AlreadyRunning bool          `json:"already_running"`
	PID            int           `json:"pid"`
	Socket         string        `json:"socket"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Start spawns a detached daemon and waits until it answers a ping. It does
// nothing when a daemon already answers.
func Start(ctx context.Context, opts ControlOptions) (StartResult, error) {
	client := ipc.NewClient(opts.SocketPath)
	if ping, err := pingOnce(ctx, client); err == nil {
		return StartResult{AlreadyRunning: true, PID: ping.PID, Socket: opts.SocketPath}, nil
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return StartResult{}, fmt.Errorf("locate executable: %w", err)
		}
	}
	args := opts.Args
	if len(args) == 0 {
		args = []string{"daemon", "run"}
	}

	out, err := openOutput(opts.OutputPath)
	if err != nil {
		return StartResult{}, err
	}
	defer out.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return StartResult{}, fmt.Errorf("spawn daemon: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	slog.Debug("daemon spawned", "pid", cmd.Process.Pid, "exe", exe)

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return StartResult{}, ctx.Err()
		case err := <-exited:
			return StartResult{}, fmt.Errorf("daemon exited during startup (%v); see %s", err, opts.OutputPath)
		case <-deadline.C:
			return StartResult{}, browser.NewError(browser.CodeDaemonUnreachable,
				fmt.Sprintf("daemon did not answer within %s; see %s", timeout, opts.OutputPath), nil)
		case <-tick.C:
			ping, err := pingOnce(ctx, client)
			if err != nil {
				continue
			}
			return StartResult{PID: ping.PID, Socket: opts.SocketPath, Elapsed: time.Since(start)}, nil
		}
	}
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon output: %w", err)
	}
	return f, nil
}

func pingOnce(ctx context.Context, c *ipc.Client) (ipc.PingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.Ping(ctx)
}

// StopResult describes what Stop found and did.
type StopResult struct {
	WasRunning bool `json:"was_running"`
	PID        int  `json:"pid,omitempty"`
	// Stale is true when only leftovers of a dead daemon were cleaned up.
	Stale bool `json:"stale,omitempty"`
	// Signaled is true when the daemon had to be sent SIGTERM.
	Signaled bool `json:"signaled,omitempty"`
}

// Stop asks the daemon to shut down and waits for its record to disappear.
// A daemon that does not answer but is still alive gets SIGTERM. Nothing
// running is not an error.
func Stop(ctx context.Context, opts ControlOptions) (StopResult, error) {
	rec, err := ReadRecord(opts.RecordPath)
	if err != nil {
		slog.Warn("unreadable daemon record", "record", opts.RecordPath, "error", err)
	}
	socket := opts.SocketPath
	if rec != nil && rec.Socket != "" {
		socket = rec.Socket
	}
	timeout := opts.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := ipc.NewClient(socket)
	if ping, err := pingOnce(ctx, client); err == nil {
		res := StopResult{WasRunning: true, PID: ping.PID}
		// A daemon that exits between the ping and the shutdown request is
		// already on its way out.
		if err := client.Shutdown(ctx); err != nil && !browser.HasCode(err, browser.CodeDaemonUnreachable) {
			return res, err
		}
		if err := waitGone(ctx, opts.RecordPath, ping.PID, timeout); err != nil {
			return res, err
		}
		return res, nil
	}

	if rec == nil {
		_ = removeFile(socket)
		return StopResult{}, nil
	}

	// Only a process still running the daemon binary is signalled. A dead
	// pid, or one reused by another program, leaves a stale record.
	if !isDaemonProcess(rec) {
		slog.Info("removing stale daemon record", "pid", rec.PID, "pid_alive", pidAlive(rec.PID))
		if err := removeFile(opts.RecordPath); err != nil {
			return StopResult{}, fmt.Errorf("remove stale record: %w", err)
		}
		_ = removeFile(socket)
		return StopResult{PID: rec.PID, Stale: true}, nil
	}

	res := StopResult{WasRunning: true, PID: rec.PID, Signaled: true}
	slog.Warn("daemon not answering, sending SIGTERM", "pid", rec.PID)
	if err := syscall.Kill(rec.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return res, fmt.Errorf("signal daemon %d: %w", rec.PID, err)
	}
	if err := waitGone(ctx, opts.RecordPath, rec.PID, timeout); err != nil {
		return res, err
	}
	_ = removeFile(socket)
	return res, nil
}

// waitGone waits for the record at path to be removed, or for pid to exit
// (then removing the record itself). fsnotify drives the wait; a slow poll
// covers filesystems where watching fails.
func waitGone(ctx context.Context, path string, pid int, timeout time.Duration) error {
	gone := func() bool {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return true
		}
		if !pidAlive(pid) {
			_ = removeFile(path)
			return true
		}
		return false
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("fsnotify unavailable, polling", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			slog.Debug("watch record dir failed, polling", "error", err)
		}
	}
	if gone() {
		return nil
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return browser.SessionError(fmt.Sprintf("daemon %d still running after %s", pid, timeout), context.DeadlineExceeded)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && gone() {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Debug("fsnotify error", "error", err)
		case <-tick.C:
			if gone() {
				return nil
			}
		}
	}
}

// StatusReport is what "daemon status" prints.
type StatusReport struct {
	Running bool        `json:"running"`
	Record  *Record     `json:"record,omitempty"`
	Daemon  *ipc.Status `json:"daemon,omitempty"`
	// Stale is true when a record exists but nothing answers.
	Stale bool `json:"stale,omitempty"`
}

// Status reports whether a daemon answers and, if so, its own status.
func Status(ctx context.Context, opts ControlOptions) (StatusReport, error) {
	rec, err := ReadRecord(opts.RecordPath)
	if err != nil {
		return StatusReport{}, err
	}
	socket := opts.SocketPath
	if rec != nil && rec.Socket != "" {
		socket = rec.Socket
	}

	statusCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := ipc.NewClient(socket).Status(statusCtx)
	if err != nil {
		if browser.HasCode(err, browser.CodeDaemonUnreachable) {
			return StatusReport{Record: rec, Stale: rec != nil}, nil
		}
		return StatusReport{Record: rec}, err
	}
	return StatusReport{Running: true, Record: rec, Daemon: &st}, nil
}
