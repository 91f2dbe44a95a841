package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/netutil"
)

// LaunchConfig holds the configuration for one Chrome/Chromium process.
type LaunchConfig struct {
	CDPAddress string
	// CDPPort of 0 selects a free port at launch time.
	CDPPort      int
	UserDataDir  string
	Headless     bool
	WindowSize   string
	ReadyTimeout time.Duration
	// Output receives the browser's stdout and stderr. Nil discards them.
	Output io.Writer
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg LaunchConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	running bool
	exited  chan struct{}
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg LaunchConfig) *Launcher {
	if cfg.CDPAddress == "" {
		cfg.CDPAddress = "127.0.0.1"
	}
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1920,1080"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg, port: cfg.CDPPort}
}

// DetectBrowser finds an available Chrome/Chromium binary. WEBPROBE_CHROME
// overrides the search.
func DetectBrowser() (string, error) {
	if p := os.Getenv("WEBPROBE_CHROME"); p != "" {
		return p, nil
	}
	candidates := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried chromium-browser, chromium, google-chrome)")
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// CDPURL returns the HTTP endpoint of the browser's DevTools server.
func (l *Launcher) CDPURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return "http://" + net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.port))
}

// Launch starts the browser process. When a fixed CDP port is configured and
// already answering, the existing browser is reused.
func (l *Launcher) Launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port > 0 && isPortInUse(l.cfg.CDPAddress, l.port) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.port)
		return nil
	}

	browserPath, err := DetectBrowser()
	if err != nil {
		return err
	}
	slog.Debug("detected browser", "path", browserPath)

	if l.port == 0 {
		port, err := netutil.FreePort(l.cfg.CDPAddress)
		if err != nil {
			return err
		}
		l.port = port
	}

	if l.cfg.UserDataDir != "" {
		if err := os.MkdirAll(l.cfg.UserDataDir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.port),
		fmt.Sprintf("--remote-debugging-address=%s", l.cfg.CDPAddress),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
		"--disable-crash-reporter",
		fmt.Sprintf("--window-size=%s", l.cfg.WindowSize),
	}
	if l.cfg.UserDataDir != "" {
		args = append(args, fmt.Sprintf("--user-data-dir=%s", l.cfg.UserDataDir))
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, "about:blank")

	l.cmd = exec.Command(browserPath, args...)
	out := l.cfg.Output
	if out == nil {
		out = io.Discard
	}
	l.cmd.Stdout = out
	l.cmd.Stderr = out

	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	l.exited = make(chan struct{})
	go func(cmd *exec.Cmd, done chan struct{}) {
		_ = cmd.Wait()
		close(done)
	}(l.cmd, l.exited)
	slog.Info("browser process started", "pid", l.cmd.Process.Pid, "port", l.port)

	if err := l.waitForCDP(ctx); err != nil {
		l.stopLocked()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Debug("CDP endpoint ready", "address", l.cfg.CDPAddress, "port", l.port)
	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (l *Launcher) waitForCDP(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.port)))
	deadline := time.After(l.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.exited:
			return fmt.Errorf("browser exited before CDP became ready")
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.cfg.ReadyTimeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process that has
// not exited.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}
	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}

// Stop terminates the browser process with SIGTERM, falling back to SIGKILL.
func (l *Launcher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Launcher) stopLocked() {
	if l.cmd == nil || l.cmd.Process == nil || !l.running {
		return
	}
	slog.Debug("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-l.exited:
		slog.Debug("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL", "pid", l.cmd.Process.Pid)
		_ = l.cmd.Process.Kill()
		<-l.exited
	}
	l.running = false
}
