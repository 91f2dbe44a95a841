package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/karthikkolli/webprobe-sub001/internal/daemon"
	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

func (a *app) daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background daemon",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the daemon in the foreground",
			Args:  cobra.NoArgs,
			RunE:  a.runDaemon,
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start the daemon in the background",
			Args:  cobra.NoArgs,
			RunE:  a.startDaemon,
		},
		&cobra.Command{
			Use:         "stop",
			Short:       "Stop the background daemon",
			Args:        cobra.NoArgs,
			Annotations: anyBackend,
			RunE:        a.stopDaemon,
		},
		&cobra.Command{
			Use:         "status",
			Short:       "Show daemon status and open tabs",
			Args:        cobra.NoArgs,
			Annotations: anyBackend,
			RunE:        a.daemonStatus,
		},
	)
	return cmd
}

func (a *app) controlOptions() daemon.ControlOptions {
	args := []string{"daemon", "run", "--browser", a.cfg.Browser}
	if !a.cfg.Headless {
		args = append(args, "--headless=false")
	}
	return daemon.ControlOptions{
		SocketPath:   a.cfg.SocketPath(),
		RecordPath:   a.cfg.RecordPath(),
		Args:         args,
		OutputPath:   filepath.Join(a.cfg.StateDir, "daemon.out"),
		StartTimeout: a.cfg.StartTimeout,
		StopTimeout:  a.cfg.StopTimeout,
	}
}

func (a *app) runDaemon(cmd *cobra.Command, args []string) error {
	cfg := a.cfg
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	logWriter, closeLog, err := setupDaemonLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("daemon config loaded",
		"browser", cfg.Browser,
		"headless", cfg.Headless,
		"socket", cfg.SocketPath(),
		"record", cfg.RecordPath(),
		"call_timeout", cfg.CallTimeout,
		"navigate_timeout", cfg.NavigateTimeout,
		"stale_after", cfg.StaleAfter,
		"max_tabs", cfg.MaxTabs,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"journal", cfg.Journal,
	)

	factory, err := newFactory(cfg, browserOptions(cfg, logWriter))
	if err != nil {
		return err
	}
	snaps, err := snapshot.NewStore(cfg.SnapshotDir())
	if err != nil {
		return err
	}
	m := tabs.NewManager(factory, tabOptions(cfg))

	journalDir := ""
	if cfg.Journal {
		journalDir = cfg.JournalDir()
	}

	d := daemon.New(daemon.Options{
		SocketPath:      cfg.SocketPath(),
		RecordPath:      cfg.RecordPath(),
		Browser:         cfg.Browser,
		Version:         a.version,
		DrainTimeout:    cfg.DrainTimeout,
		JanitorInterval: cfg.JanitorInterval,
		IdleTabTimeout:  cfg.IdleTabTimeout,
		SnapshotMaxAge:  cfg.SnapshotMaxAge,
		JournalDir:      journalDir,
	}, m, snaps)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func (a *app) startDaemon(cmd *cobra.Command, args []string) error {
	if err := a.cfg.EnsureDirs(); err != nil {
		return err
	}
	res, err := daemon.Start(cmd.Context(), a.controlOptions())
	if err != nil {
		return err
	}
	if res.AlreadyRunning {
		fmt.Fprintf(a.stdout, "daemon already running (pid %d)\n", res.PID)
		return nil
	}
	fmt.Fprintf(a.stdout, "daemon started (pid %d, socket %s) in %s\n", res.PID, res.Socket, res.Elapsed.Round(time.Millisecond))
	return nil
}

func (a *app) stopDaemon(cmd *cobra.Command, args []string) error {
	res, err := daemon.Stop(cmd.Context(), a.controlOptions())
	if err != nil {
		return err
	}
	switch {
	case res.Stale:
		fmt.Fprintf(a.stdout, "removed stale daemon record (pid %d)\n", res.PID)
	case !res.WasRunning:
		fmt.Fprintln(a.stdout, "daemon is not running")
	case res.Signaled:
		fmt.Fprintf(a.stdout, "daemon stopped after SIGTERM (pid %d)\n", res.PID)
	default:
		fmt.Fprintf(a.stdout, "daemon stopped (pid %d)\n", res.PID)
	}
	return nil
}

func (a *app) daemonStatus(cmd *cobra.Command, args []string) error {
	report, err := daemon.Status(cmd.Context(), a.controlOptions())
	if err != nil {
		return err
	}
	if !report.Running {
		if report.Stale {
			fmt.Fprintf(a.stderr, "daemon is not running (stale record for pid %d)\n", report.Record.PID)
		} else {
			fmt.Fprintln(a.stderr, "daemon is not running")
		}
	}
	return a.printJSON(report)
}
