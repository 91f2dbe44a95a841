// Package commands is the webprobe command line.
package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/config"
)

// Exit codes per error kind.
const (
	ExitOK          = 0
	ExitGeneric     = 1
	ExitNotFound    = 2
	ExitSession     = 4
	ExitTimeout     = 5
	ExitUnreachable = 6
)

// app carries the loaded config and the global flags into every command.
type app struct {
	version string
	cfg     *config.Config

	stdout io.Writer
	stderr io.Writer

	browser  string
	headless bool
	profile  string
	tab      string
	tabID    string
	logLevel string
	pretty   bool
}

// NewRootCmd builds the full command tree.
func NewRootCmd(version string) *cobra.Command {
	a := &app{version: version, stdout: os.Stdout, stderr: os.Stderr}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "webprobe",
		Short: "Inspect and drive web pages from the command line",
		Long: `webprobe inspects and drives web pages through a real browser.

A background daemon keeps browser tabs warm between invocations, so a page
loaded once is reused by the next command that targets the same URL.

Quick Start:
  webprobe daemon start                         Start the background daemon
  webprobe inspect https://example.com -s h1    Inspect the page heading
  webprobe click https://example.com -s a --profile work
  webprobe daemon stop                          Stop the daemon

Without a daemon, page commands run in a one-shot headless browser.`,
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.browser, "browser", "", "browser backend: chrome, chromedp, firefox or webkit (default from WEBPROBE_BROWSER)")
	pf.BoolVar(&a.headless, "headless", true, "run the browser without a window")
	pf.StringVar(&a.profile, "profile", "", "browser profile that owns the tab")
	pf.StringVar(&a.tab, "tab", "", "named tab within --profile (default \"main\")")
	pf.StringVar(&a.tabID, "tab-id", "", "use an existing tab by id")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (default from WEBPROBE_LOG_LEVEL)")
	pf.BoolVar(&a.pretty, "pretty", false, "indent JSON output")

	root.AddCommand(
		a.daemonCmd(),
		a.tabCmd(),
		a.profileCmd(),
		a.snapshotCmd(),
		a.navigateCmd(),
		a.versionCmd(),
	)
	root.AddCommand(a.handlerCmds()...)
	return root
}

// anyBackend marks commands that never open a browser, so a bad backend
// setting cannot stop them from running.
const anyBackendKey = "webprobe/any-backend"

var anyBackend = map[string]string{anyBackendKey: "true"}

// load reads the configuration and applies flag overrides.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("browser") {
		cfg.Browser = strings.ToLower(a.browser)
	}
	if flags.Changed("headless") {
		cfg.Headless = a.headless
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(a.logLevel)
	}
	switch cfg.Browser {
	case browser.BackendChrome, browser.BackendChromedp, browser.BackendFirefox, browser.BackendWebKit:
	default:
		if cmd.Annotations[anyBackendKey] == "" {
			return browser.Validation(fmt.Sprintf("unknown browser %q: use chrome, chromedp, firefox or webkit", cfg.Browser))
		}
	}
	a.cfg = cfg
	setupCLILogger(a.stderr, cfg.LogLevel)
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute(version string, args []string) int {
	root := NewRootCmd(version)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		printError(root.ErrOrStderr(), err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if browser.IsTimeout(err) {
		return ExitTimeout
	}
	switch browser.CodeOf(err) {
	case browser.CodeNotFound:
		return ExitNotFound
	case browser.CodeSession:
		return ExitSession
	case browser.CodeDaemonUnreachable:
		return ExitUnreachable
	default:
		return ExitGeneric
	}
}

func printError(w io.Writer, err error) {
	var coded *browser.CodedError
	if !errors.As(err, &coded) {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	kind := coded.Code
	if browser.IsTimeout(err) {
		kind = "TIMEOUT"
	}
	msg := coded.Message
	if coded.Cause != nil {
		msg += ": " + coded.Cause.Error()
	}
	fmt.Fprintf(w, "error [%s]: %s\n", kind, msg)
}
