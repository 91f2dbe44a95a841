// Package daemon runs the long-lived process that owns the browser tabs and
// gives CLI invocations a way to start, find and stop it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/karthikkolli/webprobe-sub001/internal/controller"
	"github.com/karthikkolli/webprobe-sub001/internal/ipc"
	"github.com/karthikkolli/webprobe-sub001/internal/journal"
	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

// ErrAlreadyRunning is returned by Run when another daemon answers on the
// socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// Options locate the daemon's files and bound its lifecycle.
type Options struct {
	SocketPath string
	RecordPath string
	Browser    string
	Version    string

	// DrainTimeout bounds waiting for in-flight requests and tab cleanup.
	DrainTimeout    time.Duration
	JanitorInterval time.Duration
	IdleTabTimeout  time.Duration
	SnapshotMaxAge  time.Duration

	// JournalDir enables the command journal when set.
	JournalDir string
}

// Daemon owns the tab manager and serves it over the ipc socket.
type Daemon struct {
	opts     Options
	tabs     *tabs.Manager
	svc      *controller.Service
	snaps    *snapshot.Store
	registry *prometheus.Registry

	state     stateMachine
	startedAt time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Daemon around m. snaps may be nil.
func New(opts Options, m *tabs.Manager, snaps *snapshot.Store) *Daemon {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &Daemon{
		opts:       opts,
		tabs:       m,
		svc:        controller.NewService(m, snaps, opts.Browser),
		snaps:      snaps,
		registry:   prometheus.NewRegistry(),
		shutdownCh: make(chan struct{}),
	}
}

// State is the current lifecycle phase.
func (d *Daemon) State() State { return d.state.get() }

// RequestShutdown starts an orderly stop. Calling it more than once is
// harmless.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Status implements ipc.Control.
func (d *Daemon) Status(ctx context.Context) ipc.Status {
	profiles := d.tabs.Profiles()
	sort.Strings(profiles)
	return ipc.Status{
		State:         d.State().String(),
		PID:           os.Getpid(),
		Socket:        d.opts.SocketPath,
		Browser:       d.opts.Browser,
		Version:       d.opts.Version,
		StartedAt:     d.startedAt,
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		Profiles:      profiles,
		Tabs:          d.tabs.ListTabs(),
	}
}

// Run serves until ctx is done or a shutdown is requested, then drains
// requests, closes every tab and session and removes its files.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.clearStale(ctx); err != nil {
		d.state.advance(StateStopped)
		return err
	}

	d.startedAt = time.Now().UTC()
	exe, err := os.Executable()
	if err != nil {
		slog.Warn("cannot resolve own executable", "error", err)
	}
	rec := Record{
		PID:        os.Getpid(),
		Socket:     d.opts.SocketPath,
		Browser:    d.opts.Browser,
		StartedAt:  d.startedAt,
		Version:    d.opts.Version,
		Executable: exe,
	}
	if err := WriteRecord(d.opts.RecordPath, rec); err != nil {
		d.state.advance(StateStopped)
		return err
	}

	ln, err := ipc.Listen(d.opts.SocketPath)
	if err != nil {
		_ = removeFile(d.opts.RecordPath)
		d.state.advance(StateStopped)
		return err
	}

	var jw *journal.Writer
	if d.opts.JournalDir != "" {
		jw = journal.NewWriter(d.opts.JournalDir, 256, 10)
	}

	ipc.RegisterTabGauges(d.registry, d.tabs.Len, func() int { return len(d.tabs.Profiles()) })
	srv := &http.Server{
		Handler: ipc.NewServer(ipc.Options{
			Service:  d.svc,
			Control:  d,
			Registry: d.registry,
			PID:      rec.PID,
			Version:  d.opts.Version,
			Journal:  jw,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	d.state.advance(StateRunning)
	slog.Info("daemon running", "pid", rec.PID, "socket", d.opts.SocketPath, "browser", d.opts.Browser)

	jan, err := startJanitor(d.opts.JanitorInterval, d.janitorTask)
	if err != nil {
		slog.Warn("janitor not started", "error", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("daemon stopping", "reason", context.Cause(ctx))
	case <-d.shutdownCh:
		slog.Info("daemon stopping", "reason", "shutdown requested")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("ipc server failed: %w", err)
			slog.Error("daemon stopping", "reason", "ipc server failed", "error", err)
		}
	}

	d.state.advance(StateStopping)
	d.stop(srv, jan, jw)
	d.state.advance(StateStopped)
	slog.Info("daemon stopped")
	return runErr
}

func (d *Daemon) stop(srv *http.Server, jan *janitor, jw *journal.Writer) {
	if jan != nil {
		jan.stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), d.opts.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Warn("ipc drain incomplete", "error", err)
		_ = srv.Close()
	}
	if jw != nil {
		if err := jw.Close(); err != nil {
			slog.Warn("journal close failed", "error", err)
		}
	}

	tabsCtx, cancelTabs := context.WithTimeout(context.Background(), d.opts.DrainTimeout)
	defer cancelTabs()
	if err := d.tabs.Shutdown(tabsCtx); err != nil {
		slog.Warn("tab cleanup incomplete", "error", err)
	}

	if err := removeFile(d.opts.SocketPath); err != nil {
		slog.Warn("socket cleanup failed", "socket", d.opts.SocketPath, "error", err)
	}
	// Only remove the record if it is still ours.
	if rec, err := ReadRecord(d.opts.RecordPath); err == nil && rec != nil && rec.PID == os.Getpid() {
		if err := removeFile(d.opts.RecordPath); err != nil {
			slog.Warn("record cleanup failed", "record", d.opts.RecordPath, "error", err)
		}
	}
}

// clearStale removes a record and socket left by a daemon that is gone. It
// fails when a live daemon still answers.
func (d *Daemon) clearStale(ctx context.Context) error {
	rec, err := ReadRecord(d.opts.RecordPath)
	if err != nil {
		slog.Warn("unreadable daemon record, replacing it", "record", d.opts.RecordPath, "error", err)
		return removeFile(d.opts.RecordPath)
	}

	socket := d.opts.SocketPath
	if rec != nil && rec.Socket != "" {
		socket = rec.Socket
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if ping, err := ipc.NewClient(socket).Ping(pingCtx); err == nil {
		return fmt.Errorf("%w (pid %d, socket %s)", ErrAlreadyRunning, ping.PID, socket)
	}

	if rec != nil {
		slog.Info("clearing stale daemon record", "pid", rec.PID, "record", d.opts.RecordPath)
		if err := removeFile(d.opts.RecordPath); err != nil {
			return fmt.Errorf("remove stale record: %w", err)
		}
	}
	return nil
}

func (d *Daemon) janitorTask(ctx context.Context) {
	if n := d.tabs.EvictIdle(ctx, d.opts.IdleTabTimeout); n > 0 {
		slog.Info("janitor evicted idle tabs", "count", n)
	}
	if n := d.tabs.SweepSessions(ctx); n > 0 {
		slog.Info("janitor dropped dead sessions", "count", n)
	}
	if d.snaps != nil {
		if n, err := d.snaps.Prune(d.opts.SnapshotMaxAge); err != nil {
			slog.Warn("snapshot prune failed", "error", err)
		} else if n > 0 {
			slog.Info("janitor pruned snapshots", "count", n)
		}
	}
}
