package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the CLI and the daemon read from the environment.
type Config struct {
	// Browser settings
	Browser         string
	Headless        bool
	WindowSize      string
	CDPURL          string
	InstallBrowsers bool

	// Locations
	RuntimeDir string
	StateDir   string
	DataDir    string
	ConfigDir  string

	// Logging
	LogLevel string
	LogFile  string
	// Journal records every daemon command under JournalDir().
	Journal bool

	// Tab manager bounds
	CallTimeout     time.Duration
	NavigateTimeout time.Duration
	StaleAfter      time.Duration
	MaxTabs         int

	// Daemon lifecycle
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	DrainTimeout    time.Duration
	JanitorInterval time.Duration
	IdleTabTimeout  time.Duration
	SnapshotMaxAge  time.Duration
}

// Load reads configuration from WEBPROBE_* environment variables and an
// optional .env file in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	userConfig, err := os.UserConfigDir()
	if err != nil {
		userConfig = filepath.Join(home, ".config")
	}

	stateDir := getEnvOrDefault("WEBPROBE_STATE_DIR", xdgDir("XDG_STATE_HOME", filepath.Join(home, ".local", "state")))
	cfg := &Config{
		Browser:         strings.ToLower(getEnvOrDefault("WEBPROBE_BROWSER", "chrome")),
		Headless:        getEnvBoolOrDefault("WEBPROBE_HEADLESS", true),
		WindowSize:      getEnvOrDefault("WEBPROBE_WINDOW_SIZE", "1920,1080"),
		CDPURL:          getEnvOrDefault("WEBPROBE_CDP_URL", ""),
		InstallBrowsers: getEnvBoolOrDefault("WEBPROBE_INSTALL_BROWSERS", false),

		RuntimeDir: getEnvOrDefault("WEBPROBE_RUNTIME_DIR", defaultRuntimeDir()),
		StateDir:   stateDir,
		DataDir:    getEnvOrDefault("WEBPROBE_DATA_DIR", xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))),
		ConfigDir:  getEnvOrDefault("WEBPROBE_CONFIG_DIR", filepath.Join(userConfig, "webprobe")),

		LogLevel: strings.ToLower(getEnvOrDefault("WEBPROBE_LOG_LEVEL", "info")),
		LogFile:  getEnvOrDefault("WEBPROBE_LOG_FILE", filepath.Join(stateDir, "daemon.log")),
		Journal:  getEnvBoolOrDefault("WEBPROBE_JOURNAL", true),

		CallTimeout:     getEnvDurationOrDefault("WEBPROBE_CALL_TIMEOUT", 30*time.Second),
		NavigateTimeout: getEnvDurationOrDefault("WEBPROBE_NAVIGATE_TIMEOUT", 30*time.Second),
		StaleAfter:      getEnvDurationOrDefault("WEBPROBE_STALE_AFTER", 5*time.Minute),
		MaxTabs:         getEnvIntOrDefault("WEBPROBE_MAX_TABS", 50),

		StartTimeout:    getEnvDurationOrDefault("WEBPROBE_START_TIMEOUT", 15*time.Second),
		StopTimeout:     getEnvDurationOrDefault("WEBPROBE_STOP_TIMEOUT", 10*time.Second),
		DrainTimeout:    getEnvDurationOrDefault("WEBPROBE_DRAIN_TIMEOUT", 10*time.Second),
		JanitorInterval: getEnvDurationOrDefault("WEBPROBE_JANITOR_INTERVAL", time.Minute),
		IdleTabTimeout:  getEnvDurationOrDefault("WEBPROBE_IDLE_TAB_TIMEOUT", 30*time.Minute),
		SnapshotMaxAge:  getEnvDurationOrDefault("WEBPROBE_SNAPSHOT_MAX_AGE", 7*24*time.Hour),
	}
	if cfg.MaxTabs < 0 {
		cfg.MaxTabs = 0
	}
	if cfg.CallTimeout < time.Second {
		cfg.CallTimeout = time.Second
	}
	return cfg, nil
}

// xdgDir returns $env/webprobe, or fallback/webprobe when env is unset.
func xdgDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, "webprobe")
	}
	return filepath.Join(fallback, "webprobe")
}

func defaultRuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, "webprobe")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("webprobe-%d", os.Getuid()))
}

// SocketPath is where the daemon listens.
func (c *Config) SocketPath() string {
	return filepath.Join(c.RuntimeDir, "webprobe-daemon.sock")
}

// RecordPath is the daemon liveness record.
func (c *Config) RecordPath() string {
	return filepath.Join(c.StateDir, "daemon.json")
}

// JournalDir holds the daemon's per-day command journals.
func (c *Config) JournalDir() string {
	return filepath.Join(c.StateDir, "journal")
}

// SnapshotDir holds saved screenshots.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// ProfilesDir holds one browser user-data directory per profile.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "profiles")
}

// ProfilesFile lists the profiles created with "profile create".
func (c *Config) ProfilesFile() string {
	return filepath.Join(c.ConfigDir, "profiles.yaml")
}

// EnsureDirs creates the runtime and state directories.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to slog. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDurationOrDefault accepts Go durations ("45s") or plain seconds.
func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("ignoring invalid duration", "key", key, "value", val)
	return defaultVal
}
