// Package controller turns daemon requests into tab operations: it picks
// or creates the tab a request addresses, lets the tab manager navigate it
// when needed, and runs the command's page logic inside the tab's exclusive
// section.
package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/actions"
	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

// DefaultTabName is used when a profile is given without a tab name.
const DefaultTabName = "main"

// Target addresses the tab a command runs in. TabID wins; otherwise
// Profile plus Tab name a persistent tab; with neither, the command gets a
// throwaway tab.
type Target struct {
	TabID   string `json:"tab_id,omitempty"`
	Profile string `json:"profile,omitempty"`
	Tab     string `json:"tab,omitempty"`
}

type InspectRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.InspectParams
}

type ClickRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.ClickParams
}

type TypeRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.TypeParams
}

type ScrollRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.ScrollParams
}

type EvalRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.EvalParams
}

type ScreenshotRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.ScreenshotParams
	// Save keeps the image in the snapshot store.
	Save bool `json:"save,omitempty"`
}

type WaitIdleRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.WaitIdleParams
}

type WaitNavigationRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.WaitNavigationParams
}

type ConsoleRequest struct {
	Target
	URL string `json:"url,omitempty"`
	actions.ConsoleParams
}

type NavigateRequest struct {
	Target
	URL   string `json:"url"`
	Force bool   `json:"force,omitempty"`
}

// NavigateResult reports the tab used and whether it was (re)loaded.
type NavigateResult struct {
	TabID     string `json:"tab_id"`
	URL       string `json:"url"`
	Navigated bool   `json:"navigated"`
}

// EvalResult carries the script's JSON value.
type EvalResult struct {
	Result json.RawMessage `json:"result"`
}

// ScreenshotResult holds the image and, when saved, where it was stored.
type ScreenshotResult struct {
	Format   string         `json:"format"`
	Data     []byte         `json:"data"`
	Snapshot *snapshot.Meta `json:"snapshot,omitempty"`
}

// CreateTabResult is returned by CreateTab.
type CreateTabResult struct {
	Tab     tabs.Summary `json:"tab"`
	Created bool         `json:"created"`
}

// CloseAllResult reports how many tabs closed cleanly.
type CloseAllResult struct {
	Closed int    `json:"closed"`
	Error  string `json:"error,omitempty"`
}

// Service runs commands against the tabs owned by a tabs.Manager.
type Service struct {
	tabs    *tabs.Manager
	snaps   *snapshot.Store
	backend string
}

// NewService wires the manager and an optional snapshot store. backend is
// reported in inspect results.
func NewService(m *tabs.Manager, snaps *snapshot.Store, backend string) *Service {
	return &Service{tabs: m, snaps: snaps, backend: backend}
}

// Tabs exposes the underlying manager.
func (s *Service) Tabs() *tabs.Manager { return s.tabs }

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return browser.Validation(fieldName + " is required")
	}
	return nil
}

// resolve returns the tab id for t, creating the tab when needed.
// ephemeral is true when the caller must close the tab afterwards.
func (s *Service) resolve(ctx context.Context, t Target) (id string, ephemeral bool, err error) {
	tabID := strings.TrimSpace(t.TabID)
	profile := strings.TrimSpace(t.Profile)
	name := strings.TrimSpace(t.Tab)

	switch {
	case tabID != "":
		if _, ok := s.tabs.Get(tabID); !ok {
			return "", false, browser.NotFound("tab not found: " + tabID)
		}
		return tabID, false, nil
	case name != "" && profile == "":
		return "", false, browser.Validation("--tab requires --profile")
	case profile != "":
		if profile == browser.OneShotProfile {
			return "", false, browser.Validation("profile " + browser.OneShotProfile + " is reserved")
		}
		if name == "" {
			name = DefaultTabName
		}
		id, created, err := s.tabs.GetOrCreateTab(ctx, profile, name)
		if err != nil {
			return "", false, err
		}
		if created {
			slog.Debug("named tab opened for request", "tab_id", id)
		}
		return id, false, nil
	default:
		id, err := s.tabs.CreateTab(ctx, browser.OneShotProfile)
		if err != nil {
			return "", false, err
		}
		return id, true, nil
	}
}

// withPage resolves t, applies the reuse policy for url and runs fn in the
// tab. Browser work is detached from ctx's cancellation so a client going
// away never leaves a navigation half done.
func (s *Service) withPage(ctx context.Context, t Target, url string, fn func(context.Context, *tabs.Page) error) (string, error) {
	ctx = context.WithoutCancel(ctx)

	id, ephemeral, err := s.resolve(ctx, t)
	if err != nil {
		return "", err
	}
	if ephemeral {
		defer func() {
			if _, err := s.tabs.CloseTab(ctx, id); err != nil {
				slog.Warn("closing one-shot tab failed", "tab_id", id, "error", err)
			}
		}()
	}

	url = strings.TrimSpace(url)
	if url == "" {
		if _, ok := s.tabs.GetTabURL(id); !ok {
			return id, browser.Validation("url is required for a tab with no page loaded")
		}
	}
	return id, s.tabs.Use(ctx, id, url, fn)
}

func (s *Service) Inspect(ctx context.Context, req InspectRequest) ([]actions.ElementInfo, error) {
	if err := s.requireNonEmpty(req.Selector, "selector"); err != nil {
		return nil, err
	}
	params := req.InspectParams
	if params.Browser == "" {
		params.Browser = s.backend
	}
	var out []actions.ElementInfo
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out, err = actions.Inspect(ctx, p, params)
		return err
	})
	return out, err
}

func (s *Service) Click(ctx context.Context, req ClickRequest) (actions.ClickResult, error) {
	if err := s.requireNonEmpty(req.Selector, "selector"); err != nil {
		return actions.ClickResult{}, err
	}
	var out actions.ClickResult
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out, err = actions.Click(ctx, p, req.ClickParams)
		return err
	})
	return out, err
}

func (s *Service) Type(ctx context.Context, req TypeRequest) (actions.TypeResult, error) {
	if err := s.requireNonEmpty(req.Selector, "selector"); err != nil {
		return actions.TypeResult{}, err
	}
	var out actions.TypeResult
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out, err = actions.Type(ctx, p, req.TypeParams)
		return err
	})
	return out, err
}

func (s *Service) Scroll(ctx context.Context, req ScrollRequest) (actions.ScrollResult, error) {
	var out actions.ScrollResult
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out, err = actions.Scroll(ctx, p, req.ScrollParams)
		return err
	})
	return out, err
}

func (s *Service) Eval(ctx context.Context, req EvalRequest) (EvalResult, error) {
	if err := s.requireNonEmpty(req.Script, "script"); err != nil {
		return EvalResult{}, err
	}
	var out EvalResult
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out.Result, err = actions.Eval(ctx, p, req.EvalParams)
		return err
	})
	return out, err
}

func (s *Service) Screenshot(ctx context.Context, req ScreenshotRequest) (ScreenshotResult, error) {
	if _, err := req.ScreenshotParams.Options(); err != nil {
		return ScreenshotResult{}, err
	}
	var (
		out     ScreenshotResult
		pageURL string
		profile string
	)
	id, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out.Data, out.Format, err = actions.Screenshot(ctx, p, req.ScreenshotParams)
		pageURL, profile = p.URL(), p.Profile()
		return err
	})
	if err != nil {
		return ScreenshotResult{}, err
	}

	if req.Save && s.snaps != nil {
		meta, err := s.snaps.Save(snapshot.Meta{
			TabID:     id,
			Profile:   profile,
			URL:       pageURL,
			Format:    out.Format,
			FullPage:  req.FullPage,
			CreatedAt: time.Now().UTC(),
		}, out.Data)
		if err != nil {
			return ScreenshotResult{}, err
		}
		out.Snapshot = &meta
	}
	return out, nil
}

func (s *Service) WaitIdle(ctx context.Context, req WaitIdleRequest) (actions.WaitIdleResult, error) {
	var out actions.WaitIdleResult
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out, err = actions.WaitIdle(ctx, p, req.WaitIdleParams)
		return err
	})
	return out, err
}

func (s *Service) WaitNavigation(ctx context.Context, req WaitNavigationRequest) (actions.WaitNavigationResult, error) {
	var out actions.WaitNavigationResult
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out, err = actions.WaitNavigation(ctx, p, req.WaitNavigationParams)
		return err
	})
	return out, err
}

// Console reads what the page logged since capture started in it. The first
// call on a page only starts capture.
func (s *Service) Console(ctx context.Context, req ConsoleRequest) (actions.ConsoleResult, error) {
	var out actions.ConsoleResult
	_, err := s.withPage(ctx, req.Target, req.URL, func(ctx context.Context, p *tabs.Page) error {
		var err error
		out, err = actions.Console(ctx, p, req.ConsoleParams)
		return err
	})
	return out, err
}

// Navigate loads req.URL in the addressed tab unless the loaded page already
// serves it.
func (s *Service) Navigate(ctx context.Context, req NavigateRequest) (NavigateResult, error) {
	if err := s.requireNonEmpty(req.URL, "url"); err != nil {
		return NavigateResult{}, err
	}
	ctx = context.WithoutCancel(ctx)

	id, ephemeral, err := s.resolve(ctx, req.Target)
	if err != nil {
		return NavigateResult{}, err
	}
	if ephemeral {
		// Loading a page into a tab that closes straight away is pointless.
		_, _ = s.tabs.CloseTab(ctx, id)
		return NavigateResult{}, browser.Validation("navigate needs --profile or a tab id")
	}

	navigated, err := s.tabs.Navigate(ctx, id, strings.TrimSpace(req.URL), req.Force)
	if err != nil {
		return NavigateResult{}, err
	}
	url, _ := s.tabs.GetTabURL(id)
	return NavigateResult{TabID: id, URL: url, Navigated: navigated}, nil
}

// CreateTab opens a tab in profile. A name makes it a named tab, returned
// as is when it already exists. A viewport, when given, is applied to the
// tab whether it is new or not.
func (s *Service) CreateTab(ctx context.Context, profile, name, viewport string) (CreateTabResult, error) {
	ctx = context.WithoutCancel(ctx)
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = browser.DefaultProfile
	}
	if profile == browser.OneShotProfile {
		return CreateTabResult{}, browser.Validation("profile " + browser.OneShotProfile + " is reserved")
	}
	var vp *browser.Viewport
	if strings.TrimSpace(viewport) != "" {
		v, err := browser.ParseViewport(viewport)
		if err != nil {
			return CreateTabResult{}, err
		}
		vp = &v
	}

	var (
		id      string
		created = true
		err     error
	)
	if strings.TrimSpace(name) != "" {
		id, created, err = s.tabs.GetOrCreateTab(ctx, profile, name)
	} else {
		id, err = s.tabs.CreateTab(ctx, profile)
	}
	if err != nil {
		return CreateTabResult{}, err
	}
	if vp != nil {
		if err := s.tabs.SetViewport(ctx, id, *vp); err != nil {
			if created {
				_, _ = s.tabs.CloseTab(ctx, id)
			}
			return CreateTabResult{}, err
		}
	}
	sum, ok := s.tabs.Get(id)
	if !ok {
		return CreateTabResult{}, browser.NotFound("tab closed while being created: " + id)
	}
	return CreateTabResult{Tab: sum, Created: created}, nil
}

func (s *Service) ListTabs(ctx context.Context, profile string) ([]tabs.Summary, error) {
	return s.tabs.ListTabsByProfile(strings.TrimSpace(profile)), nil
}

func (s *Service) GetTab(ctx context.Context, id string) (tabs.Summary, error) {
	sum, ok := s.tabs.Get(strings.TrimSpace(id))
	if !ok {
		return tabs.Summary{}, browser.NotFound("tab not found: " + id)
	}
	return sum, nil
}

// CloseTab closes one tab. Unknown ids are NOT_FOUND.
func (s *Service) CloseTab(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "tab_id"); err != nil {
		return err
	}
	ok, err := s.tabs.CloseTab(context.WithoutCancel(ctx), strings.TrimSpace(id))
	if !ok {
		return browser.NotFound("tab not found: " + id)
	}
	return err
}

// CloseAllTabs closes every tab. Individual failures are reported in the
// result rather than failing the call.
func (s *Service) CloseAllTabs(ctx context.Context) (CloseAllResult, error) {
	n, err := s.tabs.CloseAllTabs(context.WithoutCancel(ctx))
	res := CloseAllResult{Closed: n}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

func (s *Service) ListSnapshots(ctx context.Context) ([]snapshot.Meta, error) {
	if s.snaps == nil {
		return []snapshot.Meta{}, nil
	}
	return s.snaps.List()
}

func (s *Service) DeleteSnapshot(ctx context.Context, id string) error {
	if s.snaps == nil {
		return browser.NotFound("snapshot not found: " + id)
	}
	return s.snaps.Delete(strings.TrimSpace(id))
}
