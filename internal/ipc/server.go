// Package ipc is the daemon's command protocol: HTTP/1.1 over a unix
// socket, one POST /v1/<command> per request with a JSON body.
package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karthikkolli/webprobe-sub001/internal/actions"
	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/controller"
	"github.com/karthikkolli/webprobe-sub001/internal/journal"
	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

// Command names.
const (
	CmdPing           = "ping"
	CmdStatus         = "status"
	CmdShutdown       = "shutdown"
	CmdCreateTab      = "create_tab"
	CmdListTabs       = "list_tabs"
	CmdGetTab         = "get_tab"
	CmdCloseTab       = "close_tab"
	CmdCloseAllTabs   = "close_all_tabs"
	CmdNavigate       = "navigate_or_reuse"
	CmdInspect        = "inspect"
	CmdClick          = "click"
	CmdType           = "type"
	CmdScroll         = "scroll"
	CmdScreenshot     = "screenshot"
	CmdEval           = "eval"
	CmdWaitIdle       = "wait_idle"
	CmdWaitNavigation = "wait_navigation"
	CmdConsole        = "console"
	CmdBatch          = "batch"
	CmdListSnapshots  = "list_snapshots"
	CmdDeleteSnapshot = "delete_snapshot"
)

// Service is the command surface the server exposes. *controller.Service
// implements it.
type Service interface {
	Inspect(ctx context.Context, req controller.InspectRequest) ([]actions.ElementInfo, error)
	Click(ctx context.Context, req controller.ClickRequest) (actions.ClickResult, error)
	Type(ctx context.Context, req controller.TypeRequest) (actions.TypeResult, error)
	Scroll(ctx context.Context, req controller.ScrollRequest) (actions.ScrollResult, error)
	Eval(ctx context.Context, req controller.EvalRequest) (controller.EvalResult, error)
	Screenshot(ctx context.Context, req controller.ScreenshotRequest) (controller.ScreenshotResult, error)
	WaitIdle(ctx context.Context, req controller.WaitIdleRequest) (actions.WaitIdleResult, error)
	Console(ctx context.Context, req controller.ConsoleRequest) (actions.ConsoleResult, error)
	Batch(ctx context.Context, req controller.BatchRequest) (controller.BatchResult, error)
	WaitNavigation(ctx context.Context, req controller.WaitNavigationRequest) (actions.WaitNavigationResult, error)
	Navigate(ctx context.Context, req controller.NavigateRequest) (controller.NavigateResult, error)
	CreateTab(ctx context.Context, profile, name, viewport string) (controller.CreateTabResult, error)
	ListTabs(ctx context.Context, profile string) ([]tabs.Summary, error)
	GetTab(ctx context.Context, id string) (tabs.Summary, error)
	CloseTab(ctx context.Context, id string) error
	CloseAllTabs(ctx context.Context) (controller.CloseAllResult, error)
	ListSnapshots(ctx context.Context) ([]snapshot.Meta, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// Control is the daemon side of the lifecycle commands.
type Control interface {
	Status(ctx context.Context) Status
	// RequestShutdown starts an orderly stop and returns immediately.
	RequestShutdown()
}

// Status describes a running daemon.
type Status struct {
	State         string         `json:"state"`
	PID           int            `json:"pid"`
	Socket        string         `json:"socket"`
	Browser       string         `json:"browser"`
	Version       string         `json:"version"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Profiles      []string       `json:"profiles"`
	Tabs          []tabs.Summary `json:"tabs"`
}

// PingResult answers ping.
type PingResult struct {
	OK      bool   `json:"ok"`
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

// OKResult is the body of commands with nothing else to say.
type OKResult struct {
	OK bool `json:"ok"`
}

type Empty struct{}

type ProfileParams struct {
	Profile string `json:"profile,omitempty"`
}

type CreateTabParams struct {
	Profile string `json:"profile,omitempty"`
	Name    string `json:"name,omitempty"`

	// Viewport is WIDTHxHEIGHT, applied to the tab before it is returned.
	Viewport string `json:"viewport,omitempty"`
}

type TabIDParams struct {
	TabID string `json:"tab_id"`
}

type SnapshotIDParams struct {
	ID string `json:"id"`
}

// Options configures NewServer.
type Options struct {
	Service Service
	Control Control
	// Registry collects the server metrics. A fresh one is used when nil.
	Registry *prometheus.Registry
	PID      int
	Version  string
	// Journal, when set, receives one entry per command.
	Journal *journal.Writer
}

// NewServer builds the HTTP handler serving every command and /metrics.
func NewServer(opts Options) http.Handler {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := newMetrics(reg)

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(metrics.middleware)
	if opts.Journal != nil {
		router.Use(journalCommands(opts.Journal))
	}
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("webprobe daemon", opts.Version)
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	registerLifecycle(api, opts)
	registerTabs(api, opts.Service)
	registerHandlers(api, opts.Service)

	return router
}

type bodyInput[I any] struct {
	Body I
}

type bodyOutput[O any] struct {
	Body O
}

// register adds POST /v1/<cmd> running fn on the request body.
func register[I, O any](api huma.API, cmd, tag, summary string, fn func(context.Context, I) (O, error)) {
	huma.Register(api, huma.Operation{
		OperationID: strings.ReplaceAll(cmd, "_", "-"),
		Method:      http.MethodPost,
		Path:        "/v1/" + cmd,
		Summary:     summary,
		Tags:        []string{tag},
	}, func(ctx context.Context, in *bodyInput[I]) (*bodyOutput[O], error) {
		out, err := fn(ctx, in.Body)
		if err != nil {
			return nil, mapErr(err)
		}
		return &bodyOutput[O]{Body: out}, nil
	})
}

func registerLifecycle(api huma.API, opts Options) {
	register(api, CmdPing, "Daemon", "Check the daemon is serving", func(ctx context.Context, _ Empty) (PingResult, error) {
		return PingResult{OK: true, PID: opts.PID, Version: opts.Version}, nil
	})
	register(api, CmdStatus, "Daemon", "Describe the daemon and its tabs", func(ctx context.Context, _ Empty) (Status, error) {
		if opts.Control == nil {
			return Status{}, browser.NewError(browser.CodeUnavailable, "status not available", nil)
		}
		return opts.Control.Status(ctx), nil
	})
	register(api, CmdShutdown, "Daemon", "Stop the daemon", func(ctx context.Context, _ Empty) (OKResult, error) {
		if opts.Control == nil {
			return OKResult{}, browser.NewError(browser.CodeUnavailable, "shutdown not available", nil)
		}
		slog.Info("shutdown requested over ipc")
		opts.Control.RequestShutdown()
		return OKResult{OK: true}, nil
	})
}

func registerTabs(api huma.API, svc Service) {
	register(api, CmdCreateTab, "Tabs", "Open a tab", func(ctx context.Context, in CreateTabParams) (controller.CreateTabResult, error) {
		return svc.CreateTab(ctx, in.Profile, in.Name, in.Viewport)
	})
	register(api, CmdListTabs, "Tabs", "List tabs", func(ctx context.Context, in ProfileParams) ([]tabs.Summary, error) {
		return svc.ListTabs(ctx, in.Profile)
	})
	register(api, CmdGetTab, "Tabs", "Describe one tab", func(ctx context.Context, in TabIDParams) (tabs.Summary, error) {
		return svc.GetTab(ctx, in.TabID)
	})
	register(api, CmdCloseTab, "Tabs", "Close a tab", func(ctx context.Context, in TabIDParams) (OKResult, error) {
		if err := svc.CloseTab(ctx, in.TabID); err != nil {
			return OKResult{}, err
		}
		return OKResult{OK: true}, nil
	})
	register(api, CmdCloseAllTabs, "Tabs", "Close every tab", func(ctx context.Context, _ Empty) (controller.CloseAllResult, error) {
		return svc.CloseAllTabs(ctx)
	})
	register(api, CmdNavigate, "Tabs", "Load a URL unless the tab already shows it", svc.Navigate)
	register(api, CmdListSnapshots, "Snapshots", "List saved screenshots", func(ctx context.Context, _ Empty) ([]snapshot.Meta, error) {
		return svc.ListSnapshots(ctx)
	})
	register(api, CmdDeleteSnapshot, "Snapshots", "Delete a saved screenshot", func(ctx context.Context, in SnapshotIDParams) (OKResult, error) {
		if err := svc.DeleteSnapshot(ctx, in.ID); err != nil {
			return OKResult{}, err
		}
		return OKResult{OK: true}, nil
	})
}

func registerHandlers(api huma.API, svc Service) {
	register(api, CmdInspect, "Commands", "Describe elements matching a selector", svc.Inspect)
	register(api, CmdClick, "Commands", "Click an element", svc.Click)
	register(api, CmdType, "Commands", "Type into an element", svc.Type)
	register(api, CmdScroll, "Commands", "Scroll the page or an element", svc.Scroll)
	register(api, CmdScreenshot, "Commands", "Capture the page", svc.Screenshot)
	register(api, CmdEval, "Commands", "Evaluate JavaScript", svc.Eval)
	register(api, CmdWaitIdle, "Commands", "Wait for network quiet", svc.WaitIdle)
	register(api, CmdWaitNavigation, "Commands", "Wait for the URL to change", svc.WaitNavigation)
	register(api, CmdConsole, "Commands", "Read the page's captured console output", svc.Console)
	register(api, CmdBatch, "Commands", "Run several commands in one tab", svc.Batch)
}

// KindTimeout marks a session error caused by a deadline on the wire.
const KindTimeout = "TIMEOUT"

// ErrorBody is the JSON body of every failed command.
type ErrorBody struct {
	status  int
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string  { return e.Kind + ": " + e.Message }
func (e *ErrorBody) GetStatus() int { return e.status }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *browser.CodedError
	if !errors.As(err, &coded) {
		return &ErrorBody{status: http.StatusInternalServerError, Kind: browser.CodeInternal, Message: err.Error()}
	}

	msg := coded.Message
	if coded.Cause != nil {
		msg += ": " + coded.Cause.Error()
	}
	if browser.IsTimeout(err) {
		return &ErrorBody{status: http.StatusGatewayTimeout, Kind: KindTimeout, Message: msg}
	}
	return &ErrorBody{status: statusFor(coded.Code), Kind: coded.Code, Message: msg}
}

func statusFor(code string) int {
	switch code {
	case browser.CodeValidation, browser.CodeProtocol:
		return http.StatusBadRequest
	case browser.CodeNotFound:
		return http.StatusNotFound
	case browser.CodeLimit:
		return http.StatusTooManyRequests
	case browser.CodeSession:
		return http.StatusBadGateway
	case browser.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
