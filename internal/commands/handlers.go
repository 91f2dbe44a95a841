package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/karthikkolli/webprobe-sub001/internal/actions"
	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/controller"
	"github.com/karthikkolli/webprobe-sub001/internal/ipc"
)

// pageCommand runs one command against the page at the optional url
// argument, through the daemon when it answers.
func (a *app) pageCommand(cmd *cobra.Command, command string, build func(url string) any, out any) error {
	url := ""
	if len(cmd.Flags().Args()) > 0 {
		url = cmd.Flags().Arg(0)
	}
	c, err := a.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()
	return a.call(cmd.Context(), c, command, build(url), out)
}

// optionalIndex is nil unless the flag was given, so "first match" and
// "index 0" stay distinguishable.
func optionalIndex(cmd *cobra.Command, v int) *int {
	if !cmd.Flags().Changed("index") {
		return nil
	}
	return &v
}

func (a *app) handlerCmds() []*cobra.Command {
	return []*cobra.Command{
		a.inspectCmd(),
		a.clickCmd(),
		a.typeCmd(),
		a.scrollCmd(),
		a.screenshotCmd(),
		a.evalCmd(),
		a.waitIdleCmd(),
		a.waitNavigationCmd(),
		a.consoleCmd(),
		a.batchCmd(),
	}
}

func (a *app) inspectCmd() *cobra.Command {
	var p actions.InspectParams
	var index int
	var console bool
	cmd := &cobra.Command{
		Use:   "inspect [url]",
		Short: "Report position, size and styles of the elements matching a selector",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Index = optionalIndex(cmd, index)
			if console {
				return a.inspectWithConsole(cmd, p)
			}
			var out []actions.ElementInfo
			err := a.pageCommand(cmd, ipc.CmdInspect, func(url string) any {
				return controller.InspectRequest{Target: a.target(), URL: url, InspectParams: p}
			}, &out)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&p.Selector, "selector", "s", "", "CSS selector; a leading \">>>\" also searches shadow roots")
	f.BoolVar(&p.All, "all", false, "return every match")
	f.IntVar(&index, "index", 0, "return only the match at this index")
	f.BoolVar(&p.ExpectOne, "expect-one", false, "warn when the selector matches more than one element")
	f.BoolVar(&console, "console", false, "also report the page's console output")
	_ = cmd.MarkFlagRequired("selector")
	return cmd
}

// inspectWithConsole inspects and reads the console in one batch, so both
// see the same page.
func (a *app) inspectWithConsole(cmd *cobra.Command, p actions.InspectParams) error {
	params, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var out controller.BatchResult
	err = a.pageCommand(cmd, ipc.CmdBatch, func(url string) any {
		return controller.BatchRequest{
			Target:      a.target(),
			URL:         url,
			Steps:       []controller.BatchStep{{Command: ipc.CmdInspect, Params: params}, {Command: ipc.CmdConsole}},
			StopOnError: true,
		}
	}, &out)
	if err != nil {
		return err
	}
	for _, r := range out.Results {
		if r.Error != "" {
			return stepError(r)
		}
	}
	if len(out.Results) != 2 {
		return browser.NewError(browser.CodeProtocol, fmt.Sprintf("batch returned %d results; want 2", len(out.Results)), nil)
	}
	var console actions.ConsoleResult
	if err := json.Unmarshal(out.Results[1].Result, &console); err != nil {
		return browser.NewError(browser.CodeProtocol, "decode console result", err)
	}
	return a.printJSON(map[string]any{
		"elements": out.Results[0].Result,
		"console":  console.Messages,
	})
}

func stepError(r controller.BatchStepResult) error {
	return browser.NewError(r.Kind, r.Command+": "+r.Error, nil)
}

func (a *app) clickCmd() *cobra.Command {
	var p actions.ClickParams
	var index int
	cmd := &cobra.Command{
		Use:   "click [url]",
		Short: "Click the element matching a selector",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Index = optionalIndex(cmd, index)
			var out actions.ClickResult
			err := a.pageCommand(cmd, ipc.CmdClick, func(url string) any {
				return controller.ClickRequest{Target: a.target(), URL: url, ClickParams: p}
			}, &out)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&p.Selector, "selector", "s", "", "CSS selector")
	f.IntVar(&index, "index", 0, "click the match at this index")
	_ = cmd.MarkFlagRequired("selector")
	return cmd
}

func (a *app) typeCmd() *cobra.Command {
	var p actions.TypeParams
	cmd := &cobra.Command{
		Use:   "type [url]",
		Short: "Type text into the element matching a selector",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out actions.TypeResult
			err := a.pageCommand(cmd, ipc.CmdType, func(url string) any {
				return controller.TypeRequest{Target: a.target(), URL: url, TypeParams: p}
			}, &out)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&p.Selector, "selector", "s", "", "CSS selector")
	f.StringVarP(&p.Text, "text", "t", "", "text to type")
	f.BoolVar(&p.Clear, "clear", false, "clear the field first")
	f.StringVar(&p.Key, "key", "", "key to press afterwards, such as Enter or Tab")
	_ = cmd.MarkFlagRequired("selector")
	return cmd
}

func (a *app) scrollCmd() *cobra.Command {
	var p actions.ScrollParams
	cmd := &cobra.Command{
		Use:   "scroll [url]",
		Short: "Scroll the page or an element",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out actions.ScrollResult
			err := a.pageCommand(cmd, ipc.CmdScroll, func(url string) any {
				return controller.ScrollRequest{Target: a.target(), URL: url, ScrollParams: p}
			}, &out)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&p.Selector, "selector", "s", "", "scroll this element into view instead of the page")
	f.IntVar(&p.ByX, "by-x", 0, "scroll horizontally by pixels")
	f.IntVar(&p.ByY, "by-y", 0, "scroll vertically by pixels")
	f.StringVar(&p.To, "to", "", "scroll to \"top\", \"bottom\" or \"x,y\"")
	return cmd
}

func (a *app) screenshotCmd() *cobra.Command {
	var (
		p      actions.ScreenshotParams
		save   bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "screenshot [url]",
		Short: "Capture the page as an image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out controller.ScreenshotResult
			err := a.pageCommand(cmd, ipc.CmdScreenshot, func(url string) any {
				return controller.ScreenshotRequest{Target: a.target(), URL: url, ScreenshotParams: p, Save: save}
			}, &out)
			if err != nil {
				return err
			}
			path := output
			if path == "" && !save {
				path = "screenshot." + out.Format
			}
			summary := map[string]any{"format": out.Format, "size_bytes": len(out.Data)}
			if path != "" {
				if err := os.WriteFile(path, out.Data, 0o644); err != nil {
					return fmt.Errorf("write screenshot: %w", err)
				}
				summary["path"] = path
			}
			if out.Snapshot != nil {
				summary["snapshot"] = out.Snapshot
			}
			return a.printJSON(summary)
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Format, "format", "png", "png or jpeg")
	f.IntVar(&p.Quality, "quality", 0, "jpeg quality, 1-100")
	f.BoolVar(&p.FullPage, "full-page", false, "capture the whole page, not just the viewport")
	f.BoolVar(&save, "save", false, "keep the image in the snapshot store")
	f.StringVarP(&output, "output", "o", "", "write the image to this file (default screenshot.<format> unless --save)")
	return cmd
}

func (a *app) evalCmd() *cobra.Command {
	var p actions.EvalParams
	cmd := &cobra.Command{
		Use:   "eval [url]",
		Short: "Evaluate JavaScript in the page and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out controller.EvalResult
			err := a.pageCommand(cmd, ipc.CmdEval, func(url string) any {
				return controller.EvalRequest{Target: a.target(), URL: url, EvalParams: p}
			}, &out)
			if err != nil {
				return err
			}
			if len(out.Result) == 0 {
				out.Result = json.RawMessage("null")
			}
			return a.printJSON(out.Result)
		},
	}
	cmd.Flags().StringVarP(&p.Script, "script", "e", "", "JavaScript expression")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func (a *app) waitIdleCmd() *cobra.Command {
	var timeout, idle time.Duration
	cmd := &cobra.Command{
		Use:   "wait-idle [url]",
		Short: "Wait until the page's network has been quiet for a while",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := actions.WaitIdleParams{TimeoutMS: timeout.Milliseconds(), IdleTimeMS: idle.Milliseconds()}
			var out actions.WaitIdleResult
			err := a.pageCommand(cmd, ipc.CmdWaitIdle, func(url string) any {
				return controller.WaitIdleRequest{Target: a.target(), URL: url, WaitIdleParams: p}
			}, &out)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")
	cmd.Flags().DurationVar(&idle, "idle-time", 500*time.Millisecond, "how long the network must stay quiet")
	return cmd
}

func (a *app) waitNavigationCmd() *cobra.Command {
	var (
		to      string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-navigation [url]",
		Short: "Wait until the page navigates away, optionally to a URL containing --to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := actions.WaitNavigationParams{To: to, TimeoutMS: timeout.Milliseconds()}
			var out actions.WaitNavigationResult
			err := a.pageCommand(cmd, ipc.CmdWaitNavigation, func(url string) any {
				return controller.WaitNavigationRequest{Target: a.target(), URL: url, WaitNavigationParams: p}
			}, &out)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "substring the new URL must contain")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")
	return cmd
}

func (a *app) consoleCmd() *cobra.Command {
	var p actions.ConsoleParams
	cmd := &cobra.Command{
		Use:   "console [url]",
		Short: "Print what the page logged to its console",
		Long: `Print what the page logged to its console.

Capture starts the first time a page is asked, so use a named tab: the
first call on a page starts capture and later calls report what was logged
since. A navigation starts a new page.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out actions.ConsoleResult
			err := a.pageCommand(cmd, ipc.CmdConsole, func(url string) any {
				return controller.ConsoleRequest{Target: a.target(), URL: url, ConsoleParams: p}
			}, &out)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&p.Clear, "clear", false, "empty the captured messages after printing them")
	return cmd
}

func (a *app) batchCmd() *cobra.Command {
	var (
		steps       string
		stopOnError bool
	)
	cmd := &cobra.Command{
		Use:   "batch [url]",
		Short: "Run several commands in one tab without other requests in between",
		Long: `Run several commands in one tab without other requests in between.

--steps is a JSON array of {"command": ..., "params": {...}} objects, or
@file to read it from a file. Commands are inspect, click, type, scroll,
eval, screenshot, wait_idle, wait_navigation and console; params take the
same fields as the daemon request of that command.

  webprobe batch https://example.com --profile work     --steps '[{"command":"click","params":{"selector":"#more"}},{"command":"inspect","params":{"selector":"h1"}}]'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseSteps(steps)
			if err != nil {
				return err
			}
			var out controller.BatchResult
			err = a.pageCommand(cmd, ipc.CmdBatch, func(url string) any {
				return controller.BatchRequest{Target: a.target(), URL: url, Steps: parsed, StopOnError: stopOnError}
			}, &out)
			if err != nil {
				return err
			}
			if err := a.printJSON(out); err != nil {
				return err
			}
			for _, r := range out.Results {
				if r.Error != "" {
					return fmt.Errorf("%d of %d steps failed: %w", out.Failed, len(parsed), stepError(r))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&steps, "steps", "", "JSON array of steps, or @file")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "skip the remaining steps after one fails")
	_ = cmd.MarkFlagRequired("steps")
	return cmd
}

// parseSteps reads a batch from inline JSON or, with a leading @, a file.
func parseSteps(arg string) ([]controller.BatchStep, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read steps: %w", err)
		}
	}
	var steps []controller.BatchStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, browser.Validation("steps must be a JSON array of {\"command\", \"params\"} objects: " + err.Error())
	}
	if len(steps) == 0 {
		return nil, browser.Validation("steps is empty")
	}
	return steps, nil
}

func (a *app) navigateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Load a URL in a daemon tab, reusing the page when it is already there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.daemonConn(cmd)
			if err != nil {
				return err
			}
			var out controller.NavigateResult
			req := controller.NavigateRequest{Target: a.target(), URL: args[0], Force: force}
			if err := a.call(cmd.Context(), c, ipc.CmdNavigate, req, &out); err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reload even when the tab already shows the URL")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and, when running, the daemon's",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.stdout, "webprobe %s\n", a.version)
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Second)
			defer cancel()
			ping, err := ipc.NewClient(a.cfg.SocketPath()).Ping(ctx)
			switch {
			case err == nil:
				fmt.Fprintf(a.stdout, "daemon %s (pid %d)\n", ping.Version, ping.PID)
			case !browser.HasCode(err, browser.CodeDaemonUnreachable):
				return err
			}
			return nil
		},
	}
}
