package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/cdpcontrol"
	"github.com/karthikkolli/webprobe-sub001/internal/config"
	"github.com/karthikkolli/webprobe-sub001/internal/controller"
	"github.com/karthikkolli/webprobe-sub001/internal/inprocess"
	"github.com/karthikkolli/webprobe-sub001/internal/ipc"
	"github.com/karthikkolli/webprobe-sub001/internal/pwbrowser"
	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

// browserOptions is the launch configuration for cfg's backend. Persistent
// profiles keep their data under the profiles directory.
func browserOptions(cfg *config.Config, output io.Writer) browser.Options {
	profiles := config.NewProfileStore(cfg.ProfilesFile(), cfg.ProfilesDir())
	return browser.Options{
		Backend:    cfg.Browser,
		Headless:   cfg.Headless,
		WindowSize: cfg.WindowSize,
		CDPURL:     cfg.CDPURL,
		DataDir:    profiles.DataDirFor,
		Output:     output,
	}
}

// newFactory picks the session implementation for opts.Backend.
func newFactory(cfg *config.Config, opts browser.Options) (browser.Factory, error) {
	switch opts.Backend {
	case browser.BackendChrome:
		return cdpcontrol.NewFactory(opts), nil
	case browser.BackendChromedp:
		return inprocess.NewFactory(opts), nil
	case browser.BackendFirefox, browser.BackendWebKit:
		return pwbrowser.NewFactory(opts, cfg.InstallBrowsers), nil
	default:
		return nil, browser.Validation("unknown browser " + opts.Backend)
	}
}

func tabOptions(cfg *config.Config) tabs.Options {
	return tabs.Options{
		StaleAfter:      cfg.StaleAfter,
		CallTimeout:     cfg.CallTimeout,
		NavigateTimeout: cfg.NavigateTimeout,
		MaxTabs:         cfg.MaxTabs,
	}
}

// requestTimeout bounds one CLI round trip: a navigation plus the command.
func (a *app) requestTimeout() time.Duration {
	return a.cfg.NavigateTimeout + 2*a.cfg.CallTimeout + 5*time.Second
}

// conn is where page commands are sent: the daemon, or a browser started
// for this invocation only.
type conn struct {
	client *ipc.Client
	local  bool
	close  func()
}

// connect reaches the running daemon. When none answers it starts a
// throwaway in-process server on a one-shot headless Chrome instead.
func (a *app) connect(ctx context.Context) (*conn, error) {
	client := ipc.NewClient(a.cfg.SocketPath())
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	_, err := client.Ping(pingCtx)
	cancel()
	if err == nil {
		return &conn{client: client, close: func() {}}, nil
	}
	if !browser.HasCode(err, browser.CodeDaemonUnreachable) {
		return nil, err
	}
	slog.Debug("daemon not reachable, running in-process", "socket", a.cfg.SocketPath())
	return a.startLocal()
}

// localControl stands in for the daemon lifecycle in one-shot mode.
type localControl struct {
	socket  string
	browser string
	version string
	started time.Time
	tabs    *tabs.Manager
}

func (c *localControl) Status(ctx context.Context) ipc.Status {
	return ipc.Status{
		State:         "running",
		PID:           os.Getpid(),
		Socket:        c.socket,
		Browser:       c.browser,
		Version:       c.version,
		StartedAt:     c.started,
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Profiles:      c.tabs.Profiles(),
		Tabs:          c.tabs.ListTabs(),
	}
}

func (c *localControl) RequestShutdown() {}

func (a *app) startLocal() (*conn, error) {
	opts := browserOptions(a.cfg, nil)
	opts.Backend = browser.BackendChromedp
	m := tabs.NewManager(inprocess.NewFactory(opts), tabOptions(a.cfg))

	var snaps *snapshot.Store
	if s, err := snapshot.NewStore(a.cfg.SnapshotDir()); err != nil {
		slog.Warn("snapshot store unavailable", "dir", a.cfg.SnapshotDir(), "error", err)
	} else {
		snaps = s
	}

	dir, err := os.MkdirTemp("", "webprobe-local-")
	if err != nil {
		return nil, fmt.Errorf("create local socket dir: %w", err)
	}
	socket := filepath.Join(dir, "local.sock")
	ln, err := ipc.Listen(socket)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	ctl := &localControl{socket: socket, browser: opts.Backend, version: a.version, started: time.Now().UTC(), tabs: m}
	srv := &http.Server{
		Handler: ipc.NewServer(ipc.Options{
			Service: controller.NewService(m, snaps, opts.Backend),
			Control: ctl,
			PID:     os.Getpid(),
			Version: a.version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("local server failed", "error", err)
		}
	}()

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := m.Shutdown(ctx); err != nil {
			slog.Debug("local browser cleanup incomplete", "error", err)
		}
		_ = os.RemoveAll(dir)
	}
	return &conn{client: ipc.NewClient(socket), local: true, close: cleanup}, nil
}

// call sends one command with the request timeout applied.
func (a *app) call(ctx context.Context, c *conn, command string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout())
	defer cancel()
	return c.client.Call(ctx, command, in, out)
}

// target turns the global flags into a controller.Target.
func (a *app) target() controller.Target {
	return controller.Target{TabID: a.tabID, Profile: a.profile, Tab: a.tab}
}
