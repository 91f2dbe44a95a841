// Package inprocess runs a chromedp-managed Chrome inside the calling
// process. It backs the "chromedp" daemon backend and one-shot commands
// that run without a daemon.
package inprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Session is a browser.Session over one chromedp browser context.
type Session struct {
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	cleanup       func()

	tabsMu sync.RWMutex
	tabs   map[browser.Handle]*TabContext
	closed bool
}

// TabContext is the chromedp context of one open tab.
type TabContext struct {
	ID     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFactory returns a browser.Factory starting one chromedp browser per
// profile.
func NewFactory(opts browser.Options) browser.Factory {
	return func(ctx context.Context, profile string) (browser.Session, error) {
		return New(ctx, opts, profile)
	}
}

// New starts (or, with opts.CDPURL, connects to) a browser for profile.
func New(ctx context.Context, opts browser.Options, profile string) (*Session, error) {
	s := &Session{tabs: make(map[browser.Handle]*TabContext), cleanup: func() {}}

	if opts.CDPURL != "" {
		slog.Info("Connecting to Chromium", "url", opts.CDPURL)
		s.allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.CDPURL)
	} else {
		dir, cleanup, err := opts.ProfileDataDir(profile)
		if err != nil {
			return nil, browser.SessionError("prepare profile "+profile, err)
		}
		s.cleanup = cleanup
		s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts, dir)...)
	}
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(s.browserCtx) }()
	select {
	case err := <-errc:
		if err != nil {
			s.teardown()
			return nil, browser.SessionError("failed to start browser", err)
		}
	case <-ctx.Done():
		s.teardown()
		return nil, browser.SessionError("failed to start browser", ctx.Err())
	}

	slog.Info("chromedp browser ready", "profile", profile)
	return s, nil
}

func allocatorOptions(opts browser.Options, dir string) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.UserDataDir(dir),
		chromedp.Flag("headless", opts.Headless),
	)
	if w, h, ok := parseWindowSize(opts.WindowSize); ok {
		out = append(out, chromedp.WindowSize(w, h))
	}
	if path, err := browser.DetectBrowser(); err == nil {
		out = append(out, chromedp.ExecPath(path))
	}
	if opts.Output != nil {
		out = append(out, chromedp.CombinedOutput(opts.Output))
	}
	return out
}

// parseWindowSize reads "W,H" (or "WxH").
func parseWindowSize(s string) (int, int, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == 'x' })
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func (s *Session) OpenTab(ctx context.Context) (browser.Handle, error) {
	s.tabsMu.RLock()
	closed := s.closed
	s.tabsMu.RUnlock()
	if closed {
		return "", browser.SessionError("browser closed", nil)
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	tab := &TabContext{ctx: tabCtx, cancel: tabCancel}
	// The first Run allocates the target, so it must see the tab's own
	// context rather than one that ctx could cancel.
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tabCtx, page.Enable()) }()
	select {
	case err := <-errc:
		if err != nil {
			tabCancel()
			return "", browser.SessionError("failed to open tab", err)
		}
	case <-ctx.Done():
		tabCancel()
		return "", browser.SessionError("failed to open tab", ctx.Err())
	}
	tab.ID = chromedp.FromContext(tabCtx).Target.TargetID
	chromedp.ListenTarget(tabCtx, s.createEventHandler(tab))

	h := browser.Handle(tab.ID)
	s.tabsMu.Lock()
	s.tabs[h] = tab
	s.tabsMu.Unlock()
	slog.Debug("chromedp tab opened", "target_id", tab.ID)
	return h, nil
}

func (s *Session) createEventHandler(tab *TabContext) func(ev interface{}) {
	return func(ev interface{}) {
		switch ev.(type) {
		case *page.EventJavascriptDialogOpening:
			go func() {
				if err := chromedp.Run(tab.ctx, page.HandleJavaScriptDialog(false)); err != nil {
					slog.Debug("chromedp dialog dismiss failed", "target_id", tab.ID, "error", err)
				}
			}()
		}
	}
}

func (s *Session) CloseTab(ctx context.Context, h browser.Handle) error {
	s.tabsMu.Lock()
	tab, ok := s.tabs[h]
	delete(s.tabs, h)
	s.tabsMu.Unlock()
	if !ok {
		return browser.NotFound("browser tab not found: " + string(h))
	}
	if err := chromedp.Cancel(tab.ctx); err != nil {
		return browser.SessionError("close tab failed", err)
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, h browser.Handle, url string) error {
	return s.do(ctx, h, "navigate", chromedp.Navigate(url))
}

func (s *Session) Evaluate(ctx context.Context, h browser.Handle, script string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.do(ctx, h, "evaluation", chromedp.ActionFunc(func(ctx context.Context) error {
		obj, exc, err := runtime.Evaluate(script).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		if obj == nil || len(obj.Value) == 0 {
			out = json.RawMessage("null")
			return nil
		}
		out = json.RawMessage(obj.Value)
		return nil
	}))
	return out, err
}

func (s *Session) Screenshot(ctx context.Context, h browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	if opts.FullPage {
		quality := 100
		if opts.Format == "jpeg" {
			quality = opts.Quality
			if quality <= 0 || quality >= 100 {
				quality = 90
			}
		}
		action = chromedp.FullScreenshot(&buf, quality)
	} else {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			params := page.CaptureScreenshot().WithFromSurface(true)
			if opts.Format == "jpeg" {
				params = params.WithFormat(page.CaptureScreenshotFormatJpeg)
				if opts.Quality > 0 {
					params = params.WithQuality(int64(opts.Quality))
				}
			}
			var err error
			buf, err = params.Do(ctx)
			return err
		})
	}
	if err := s.do(ctx, h, "screenshot", action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Session) Click(ctx context.Context, h browser.Handle, x, y float64) error {
	return s.do(ctx, h, "click", chromedp.MouseClickXY(x, y))
}

func (s *Session) SetViewport(ctx context.Context, h browser.Handle, v browser.Viewport) error {
	return s.do(ctx, h, "set viewport", chromedp.EmulateViewport(int64(v.Width), int64(v.Height)))
}

func (s *Session) InsertText(ctx context.Context, h browser.Handle, text string) error {
	return s.do(ctx, h, "insert text", input.InsertText(text))
}

func (s *Session) PressKey(ctx context.Context, h browser.Handle, key string) error {
	def, ok := browser.LookupKey(key)
	if !ok {
		return browser.Validation(fmt.Sprintf("unsupported key %q", key))
	}
	return s.do(ctx, h, "key press", chromedp.ActionFunc(func(ctx context.Context) error {
		down := input.DispatchKeyEvent(input.KeyDown).
			WithKey(def.Key).
			WithCode(def.Code).
			WithWindowsVirtualKeyCode(int64(def.KeyCode))
		if def.Text != "" {
			down = down.WithText(def.Text)
		} else {
			down.Type = input.KeyRawDown
		}
		if err := down.Do(ctx); err != nil {
			return err
		}
		return input.DispatchKeyEvent(input.KeyUp).
			WithKey(def.Key).
			WithCode(def.Code).
			WithWindowsVirtualKeyCode(int64(def.KeyCode)).
			Do(ctx)
	}))
}

func (s *Session) IsAlive(ctx context.Context) bool {
	s.tabsMu.RLock()
	closed := s.closed
	s.tabsMu.RUnlock()
	if closed || s.browserCtx.Err() != nil {
		return false
	}
	check := &TabContext{ctx: s.browserCtx}
	return s.run(ctx, check, chromedp.Evaluate("1", nil)) == nil
}

func (s *Session) Close() error {
	s.tabsMu.Lock()
	if s.closed {
		s.tabsMu.Unlock()
		return nil
	}
	s.closed = true
	s.tabs = make(map[browser.Handle]*TabContext)
	s.tabsMu.Unlock()

	s.teardown()
	slog.Info("chromedp browser closed")
	return nil
}

func (s *Session) teardown() {
	if s.browserCancel != nil {
		if err := chromedp.Cancel(s.browserCtx); err != nil {
			slog.Debug("chromedp browser cancel failed", "error", err)
		}
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.cleanup()
}

func (s *Session) do(ctx context.Context, h browser.Handle, op string, actions ...chromedp.Action) error {
	s.tabsMu.RLock()
	tab, ok := s.tabs[h]
	s.tabsMu.RUnlock()
	if !ok {
		return browser.NotFound("browser tab not found: " + string(h))
	}
	if err := s.run(ctx, tab, actions...); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return browser.SessionError(op+" timed out", context.DeadlineExceeded)
		}
		return browser.SessionError(op+" failed", err)
	}
	return nil
}

// run executes actions on the tab's target but gives up when ctx ends.
// Cancelling the derived context leaves the target open.
func (s *Session) run(ctx context.Context, tab *TabContext, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tab.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
