package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Page is the view of a tab handed to code running inside the tab's
// exclusive section. It must not be retained after the callback returns.
type Page struct {
	m   *Manager
	tab *Tab

	// Navigated is true when the page was (re)loaded for this request.
	Navigated bool
}

// ID returns the tab id.
func (p *Page) ID() string { return p.tab.id }

// Profile returns the owning profile.
func (p *Page) Profile() string { return p.tab.profile }

// URL returns the last URL recorded for the tab.
func (p *Page) URL() string {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.tab.url
}

// SetURL records that the page now shows url, e.g. after a click followed a
// link.
func (p *Page) SetURL(url string) {
	p.m.UpdateTabURL(p.tab.id, url)
}

// Evaluate runs script in the page, bounded by the call timeout.
func (p *Page) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	var out json.RawMessage
	err := p.m.call(ctx, p.m.opts.CallTimeout, func(ctx context.Context) error {
		var evalErr error
		out, evalErr = p.tab.session.Evaluate(ctx, p.tab.handle, script)
		return evalErr
	})
	if err != nil {
		return nil, p.fail("evaluate", err)
	}
	p.m.touch(p.tab)
	return out, nil
}

// Screenshot captures the page.
func (p *Page) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	var out []byte
	err := p.m.call(ctx, p.m.opts.CallTimeout, func(ctx context.Context) error {
		var shotErr error
		out, shotErr = p.tab.session.Screenshot(ctx, p.tab.handle, opts)
		return shotErr
	})
	if err != nil {
		return nil, p.fail("screenshot", err)
	}
	p.m.touch(p.tab)
	return out, nil
}

// Click dispatches a trusted click at viewport coordinates.
func (p *Page) Click(ctx context.Context, x, y float64) error {
	return p.do(ctx, "click", func(ctx context.Context) error {
		return p.tab.session.Click(ctx, p.tab.handle, x, y)
	})
}

// InsertText types text into the focused element.
func (p *Page) InsertText(ctx context.Context, text string) error {
	return p.do(ctx, "insert text", func(ctx context.Context) error {
		return p.tab.session.InsertText(ctx, p.tab.handle, text)
	})
}

// PressKey sends a named key to the page.
func (p *Page) PressKey(ctx context.Context, key string) error {
	return p.do(ctx, "press key", func(ctx context.Context) error {
		return p.tab.session.PressKey(ctx, p.tab.handle, key)
	})
}

// SetViewport resizes the tab's viewport and records the size.
func (p *Page) SetViewport(ctx context.Context, v browser.Viewport) error {
	err := p.do(ctx, "set viewport", func(ctx context.Context) error {
		return p.tab.session.SetViewport(ctx, p.tab.handle, v)
	})
	if err != nil {
		return err
	}
	p.m.mu.Lock()
	p.tab.viewport = &v
	p.m.mu.Unlock()
	return nil
}

func (p *Page) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := p.m.call(ctx, p.m.opts.CallTimeout, fn); err != nil {
		return p.fail(op, err)
	}
	p.m.touch(p.tab)
	return nil
}

func (p *Page) fail(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		p.m.markUnreliable(p.tab)
	}
	return asSessionError(op, err)
}

// Use runs fn inside the exclusive section of tab id. When url is not empty
// the reuse policy decides first whether the tab must navigate to it.
func (m *Manager) Use(ctx context.Context, id, url string, fn func(context.Context, *Page) error) error {
	return m.use(ctx, id, url, false, fn)
}

// Navigate loads url in the tab unless the reuse policy says the loaded page
// already serves it. force skips the policy. It reports whether a navigation
// happened.
func (m *Manager) Navigate(ctx context.Context, id, url string, force bool) (bool, error) {
	if url == "" {
		return false, browser.Validation("url is required")
	}
	var navigated bool
	err := m.use(ctx, id, url, force, func(_ context.Context, p *Page) error {
		navigated = p.Navigated
		return nil
	})
	return navigated, err
}

// SetViewport resizes tab id's viewport without touching its page.
func (m *Manager) SetViewport(ctx context.Context, id string, v browser.Viewport) error {
	return m.use(ctx, id, "", false, func(ctx context.Context, p *Page) error {
		return p.SetViewport(ctx, v)
	})
}

func (m *Manager) use(ctx context.Context, id, url string, force bool, fn func(context.Context, *Page) error) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	m.mu.Unlock()
	if !ok {
		return browser.NotFound("tab not found: " + id)
	}

	t.op.Lock()
	defer t.op.Unlock()

	// The tab may have been closed while we waited for its section.
	m.mu.Lock()
	current := m.tabs[id] == t
	need := current && url != "" && (force || m.shouldNavigateLocked(t, url))
	m.mu.Unlock()
	if !current {
		return browser.NotFound("tab not found: " + id)
	}

	page := &Page{m: m, tab: t}
	if need {
		if err := m.navigate(ctx, t, url); err != nil {
			return err
		}
		page.Navigated = true
	} else {
		m.touch(t)
	}

	if fn == nil {
		return nil
	}
	return fn(ctx, page)
}

// navigate must be called inside t's exclusive section.
func (m *Manager) navigate(ctx context.Context, t *Tab, url string) error {
	slog.Debug("navigating tab", "tab_id", t.id, "url", url)
	err := m.call(ctx, m.opts.NavigateTimeout, func(ctx context.Context) error {
		return t.session.Navigate(ctx, t.handle, url)
	})
	if err != nil {
		// The page is in an unknown state whatever the failure was.
		m.markUnreliable(t)
		return asSessionError("navigate to "+url, err)
	}
	m.UpdateTabURL(t.id, url)
	return nil
}
