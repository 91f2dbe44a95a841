// Package pwbrowser drives Firefox and WebKit through Playwright.
package pwbrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Default sizes when Options.WindowSize is unset or unparseable.
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
)

// Session is a browser.Session over one persistent Playwright context.
type Session struct {
	pw      *playwright.Playwright
	context playwright.BrowserContext
	cleanup func()

	mu     sync.Mutex
	pages  map[browser.Handle]playwright.Page
	next   int
	closed bool
	dead   bool
}

// NewFactory returns a browser.Factory launching opts.Backend ("firefox" or
// "webkit") once per profile. install downloads the driver and browsers on
// first use.
func NewFactory(opts browser.Options, install bool) browser.Factory {
	return func(ctx context.Context, profile string) (browser.Session, error) {
		return New(ctx, opts, profile, install)
	}
}

// New starts Playwright and launches a persistent browser context whose
// user data lives in the profile's directory.
func New(ctx context.Context, opts browser.Options, profile string, install bool) (*Session, error) {
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if opts.Output != nil {
		runOpts.Stdout = opts.Output
		runOpts.Stderr = opts.Output
	}
	if opts.Backend == browser.BackendFirefox {
		runOpts.Browsers = []string{"firefox"}
	} else {
		runOpts.Browsers = []string{"webkit"}
	}

	if install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, browser.SessionError("failed to install playwright", err)
		}
	}

	dir, cleanup, err := opts.ProfileDataDir(profile)
	if err != nil {
		return nil, browser.SessionError("prepare profile "+profile, err)
	}

	type started struct {
		pw  *playwright.Playwright
		bc  playwright.BrowserContext
		err error
	}
	done := make(chan started, 1)
	go func() {
		pw, err := playwright.Run(runOpts)
		if err != nil {
			done <- started{err: fmt.Errorf("failed to start playwright: %w", err)}
			return
		}
		bt := pw.WebKit
		if opts.Backend == browser.BackendFirefox {
			bt = pw.Firefox
		}
		w, h := viewport(opts.WindowSize)
		bc, err := bt.LaunchPersistentContext(dir, playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless: playwright.Bool(opts.Headless),
			Viewport: &playwright.Size{Width: w, Height: h},
		})
		if err != nil {
			_ = pw.Stop()
			done <- started{err: fmt.Errorf("failed to launch browser: %w", err)}
			return
		}
		done <- started{pw: pw, bc: bc}
	}()

	var st started
	select {
	case st = <-done:
	case <-ctx.Done():
		// Reap whatever the launch produces once it finishes.
		go func() {
			if late := <-done; late.err == nil {
				_ = late.bc.Close()
				_ = late.pw.Stop()
			}
			cleanup()
		}()
		return nil, browser.SessionError("failed to launch "+opts.Backend, ctx.Err())
	}
	if st.err != nil {
		cleanup()
		return nil, browser.SessionError("failed to launch "+opts.Backend, st.err)
	}

	s := &Session{
		pw:      st.pw,
		context: st.bc,
		cleanup: cleanup,
		pages:   make(map[browser.Handle]playwright.Page),
	}
	st.bc.OnClose(func(playwright.BrowserContext) {
		s.mu.Lock()
		s.dead = true
		s.mu.Unlock()
	})
	// A persistent context opens with a blank page no tab owns.
	for _, p := range st.bc.Pages() {
		_ = p.Close()
	}
	slog.Info("playwright browser ready", "backend", opts.Backend, "profile", profile, "user_data_dir", dir)
	return s, nil
}

func viewport(size string) (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(size, "%d,%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return DefaultViewportWidth, DefaultViewportHeight
	}
	return w, h
}

// timeoutMS turns ctx's deadline into a Playwright timeout. Zero means no
// deadline.
func timeoutMS(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return playwright.Float(0)
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

func (s *Session) OpenTab(ctx context.Context) (browser.Handle, error) {
	s.mu.Lock()
	if s.closed || s.dead {
		s.mu.Unlock()
		return "", browser.SessionError("browser closed", nil)
	}
	s.mu.Unlock()

	p, err := s.context.NewPage()
	if err != nil {
		return "", browser.SessionError("failed to create page", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := browser.Handle(fmt.Sprintf("page-%d", s.next))
	s.pages[h] = p
	p.OnDialog(func(d playwright.Dialog) { _ = d.Dismiss() })
	return h, nil
}

func (s *Session) page(h browser.Handle) (playwright.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[h]
	if !ok {
		return nil, browser.NotFound("browser tab not found: " + string(h))
	}
	return p, nil
}

func (s *Session) CloseTab(ctx context.Context, h browser.Handle) error {
	s.mu.Lock()
	p, ok := s.pages[h]
	delete(s.pages, h)
	s.mu.Unlock()
	if !ok {
		return browser.NotFound("browser tab not found: " + string(h))
	}
	if err := p.Close(); err != nil {
		return browser.SessionError("close page failed", err)
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, h browser.Handle, url string) error {
	p, err := s.page(h)
	if err != nil {
		return err
	}
	_, err = p.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMS(ctx),
	})
	if err != nil {
		return wrap("navigation", err)
	}
	return nil
}

func (s *Session) Evaluate(ctx context.Context, h browser.Handle, script string) (json.RawMessage, error) {
	p, err := s.page(h)
	if err != nil {
		return nil, err
	}
	v, err := p.Evaluate(script)
	if err != nil {
		return nil, wrap("evaluation", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, browser.NewError(browser.CodeProtocol, "unencodable evaluation result", err)
	}
	return b, nil
}

func (s *Session) Screenshot(ctx context.Context, h browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	p, err := s.page(h)
	if err != nil {
		return nil, err
	}
	shot := playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(opts.FullPage),
		Timeout:  timeoutMS(ctx),
	}
	if opts.Format == "jpeg" {
		shot.Type = playwright.ScreenshotTypeJpeg
		if opts.Quality > 0 {
			shot.Quality = playwright.Int(opts.Quality)
		}
	} else {
		shot.Type = playwright.ScreenshotTypePng
	}
	data, err := p.Screenshot(shot)
	if err != nil {
		return nil, wrap("screenshot", err)
	}
	return data, nil
}

func (s *Session) Click(ctx context.Context, h browser.Handle, x, y float64) error {
	p, err := s.page(h)
	if err != nil {
		return err
	}
	if err := p.Mouse().Click(x, y); err != nil {
		return wrap("click", err)
	}
	return nil
}

func (s *Session) SetViewport(ctx context.Context, h browser.Handle, v browser.Viewport) error {
	p, err := s.page(h)
	if err != nil {
		return err
	}
	if err := p.SetViewportSize(v.Width, v.Height); err != nil {
		return wrap("set viewport", err)
	}
	return nil
}

func (s *Session) InsertText(ctx context.Context, h browser.Handle, text string) error {
	p, err := s.page(h)
	if err != nil {
		return err
	}
	if err := p.Keyboard().InsertText(text); err != nil {
		return wrap("insert text", err)
	}
	return nil
}

func (s *Session) PressKey(ctx context.Context, h browser.Handle, key string) error {
	def, ok := browser.LookupKey(key)
	if !ok {
		return browser.Validation(fmt.Sprintf("unsupported key %q", key))
	}
	p, err := s.page(h)
	if err != nil {
		return err
	}
	if err := p.Keyboard().Press(def.Key); err != nil {
		return wrap("key press", err)
	}
	return nil
}

func (s *Session) IsAlive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.dead
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pages = make(map[browser.Handle]playwright.Page)
	s.mu.Unlock()

	if err := s.context.Close(); err != nil {
		slog.Debug("playwright context close failed", "error", err)
	}
	err := s.pw.Stop()
	s.cleanup()
	if err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

func wrap(op string, err error) error {
	if errors.Is(err, playwright.ErrTimeout) {
		return browser.SessionError(op+" timed out", fmt.Errorf("%w: %v", context.DeadlineExceeded, err))
	}
	return browser.SessionError(op+" failed", err)
}
