package tabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

const (
	DefaultStaleAfter      = 5 * time.Minute
	DefaultCallTimeout     = 30 * time.Second
	DefaultNavigateTimeout = 30 * time.Second
)

// Options tunes the reuse policy and the bounds on browser calls.
type Options struct {
	// StaleAfter forces navigation once a tab has been idle this long.
	// Negative disables the check.
	StaleAfter      time.Duration
	CallTimeout     time.Duration
	NavigateTimeout time.Duration
	// MaxTabs caps the number of open tabs. 0 means unlimited.
	MaxTabs int
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Tab is one open browser tab under management. All mutable fields are
// guarded by the owning Manager's lock; op is the per-tab exclusive section.
type Tab struct {
	id        string
	profile   string
	name      string
	createdAt time.Time
	session   browser.Session
	handle    browser.Handle

	op sync.Mutex

	url        string
	lastUsed   time.Time
	unreliable bool
	viewport   *browser.Viewport
}

// Summary is a point-in-time copy of a Tab's bookkeeping.
type Summary struct {
	ID         string    `json:"id"`
	Profile    string    `json:"profile"`
	Name       string    `json:"name,omitempty"`
	URL        string    `json:"url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Unreliable bool      `json:"unreliable,omitempty"`

	// Viewport is set once the tab's viewport has been overridden.
	Viewport *browser.Viewport `json:"viewport,omitempty"`
}

// Manager owns every tab and every per-profile browser session.
type Manager struct {
	factory browser.Factory
	opts    Options

	mu       sync.Mutex
	tabs     map[string]*Tab
	order    []string
	sessions map[string]browser.Session
	pending  int
	closed   bool

	group singleflight.Group
}

// NewManager creates a Manager that opens sessions through factory.
func NewManager(factory browser.Factory, opts Options) *Manager {
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = DefaultNavigateTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		factory:  factory,
		opts:     opts,
		tabs:     make(map[string]*Tab),
		sessions: make(map[string]browser.Session),
	}
}

func (m *Manager) now() time.Time { return m.opts.Clock() }

// NamedTabID is the id given to the tab called name in profile.
func NamedTabID(profile, name string) string {
	return profile + "/" + name
}

// CreateTab opens a new browser tab for profile, starting the profile's
// session on first use.
func (m *Manager) CreateTab(ctx context.Context, profile string) (string, error) {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return "", browser.Validation("profile is required")
	}
	return m.createTab(ctx, profile, "", uuid.NewString())
}

// GetOrCreateTab returns the id of the tab called name in profile, opening
// it when absent. Concurrent callers for the same name share one browser tab.
func (m *Manager) GetOrCreateTab(ctx context.Context, profile, name string) (string, bool, error) {
	profile = strings.TrimSpace(profile)
	name = strings.TrimSpace(name)
	if profile == "" {
		return "", false, browser.Validation("profile is required")
	}
	if name == "" {
		return "", false, browser.Validation("tab name is required")
	}

	id := NamedTabID(profile, name)
	if m.exists(id) {
		return id, false, nil
	}

	v, err, _ := m.group.Do("tab:"+id, func() (any, error) {
		if m.exists(id) {
			return false, nil
		}
		if _, err := m.createTab(ctx, profile, name, id); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return "", false, err
	}
	return id, v.(bool), nil
}

func (m *Manager) exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tabs[id]
	return ok
}

func (m *Manager) createTab(ctx context.Context, profile, name, id string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", browser.NewError(browser.CodeUnavailable, "tab manager is shutting down", nil)
	}
	if m.opts.MaxTabs > 0 && len(m.tabs)+m.pending >= m.opts.MaxTabs {
		m.mu.Unlock()
		return "", browser.NewError(browser.CodeLimit, fmt.Sprintf("maximum number of tabs (%d) reached", m.opts.MaxTabs), nil)
	}
	m.pending++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
	}()

	sess, err := m.session(ctx, profile)
	if err != nil {
		return "", err
	}

	handle, err := m.openTab(ctx, sess)
	if err != nil {
		m.dropSessionIfDead(ctx, profile, sess)
		return "", asSessionError("open tab", err)
	}

	now := m.now()
	t := &Tab{
		id:        id,
		profile:   profile,
		name:      name,
		createdAt: now,
		session:   sess,
		handle:    handle,
		lastUsed:  now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeHandle(ctx, sess, handle)
		return "", browser.NewError(browser.CodeUnavailable, "tab manager is shutting down", nil)
	}
	if _, dup := m.tabs[id]; dup {
		m.mu.Unlock()
		m.closeHandle(ctx, sess, handle)
		return "", browser.NewError(browser.CodeValidation, "tab already exists: "+id, nil)
	}
	m.tabs[id] = t
	m.order = append(m.order, id)
	m.mu.Unlock()

	slog.Info("tab created", "tab_id", id, "profile", profile, "handle", string(handle))
	return id, nil
}

// session returns the profile's browser session, creating it at most once
// even under concurrent first use.
func (m *Manager) session(ctx context.Context, profile string) (browser.Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[profile]
	m.mu.Unlock()
	if ok {
		return sess, nil
	}

	v, err, _ := m.group.Do("session:"+profile, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[profile]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		slog.Info("starting browser session", "profile", profile)
		s, err := m.factory(context.WithoutCancel(ctx), profile)
		if err != nil {
			return nil, asSessionError("start browser session for profile "+profile, err)
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = s.Close()
			return nil, browser.NewError(browser.CodeUnavailable, "tab manager is shutting down", nil)
		}
		m.sessions[profile] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(browser.Session), nil
}

func (m *Manager) dropSessionIfDead(ctx context.Context, profile string, sess browser.Session) {
	aliveCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	if sess.IsAlive(aliveCtx) {
		return
	}
	if m.forgetSession(profile, sess) {
		slog.Warn("browser session is gone, dropping it", "profile", profile)
		_ = sess.Close()
	}
}

// forgetSession removes sess and every tab it serves from the maps.
func (m *Manager) forgetSession(profile string, sess browser.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[profile] != sess {
		return false
	}
	delete(m.sessions, profile)
	for _, id := range append([]string(nil), m.order...) {
		if t := m.tabs[id]; t != nil && t.session == sess {
			m.removeLocked(id)
		}
	}
	return true
}

// openTab bounds OpenTab by CallTimeout. A tab the browser opens after the
// deadline has passed is closed when it arrives, so it never goes untracked.
func (m *Manager) openTab(ctx context.Context, sess browser.Session) (browser.Handle, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	type opened struct {
		handle browser.Handle
		err    error
	}
	done := make(chan opened, 1)
	go func() {
		h, err := sess.OpenTab(cctx)
		done <- opened{h, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", context.DeadlineExceeded, r.err)
		}
		return r.handle, r.err
	case <-cctx.Done():
		go func() {
			r := <-done
			if r.err == nil && r.handle != "" {
				slog.Warn("closing tab opened after its deadline", "handle", string(r.handle))
				m.closeHandle(context.Background(), sess, r.handle)
			}
		}()
		return "", cctx.Err()
	}
}

func (m *Manager) closeHandle(ctx context.Context, sess browser.Session, h browser.Handle) {
	err := m.call(context.WithoutCancel(ctx), m.opts.CallTimeout, func(ctx context.Context) error {
		return sess.CloseTab(ctx, h)
	})
	if err != nil {
		slog.Debug("discarding tab failed", "handle", string(h), "error", err)
	}
}

// ListTabs returns every tab in creation order.
func (m *Manager) ListTabs() []Summary {
	return m.ListTabsByProfile("")
}

// ListTabsByProfile returns the tabs of profile, or of every profile when
// profile is empty.
func (m *Manager) ListTabsByProfile(profile string) []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		t := m.tabs[id]
		if profile != "" && t.profile != profile {
			continue
		}
		out = append(out, t.summaryLocked())
	}
	return out
}

// Get returns the summary of one tab.
func (m *Manager) Get(id string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return Summary{}, false
	}
	return t.summaryLocked(), true
}

// Len is the number of open tabs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

// Profiles lists the profiles with a live browser session.
func (m *Manager) Profiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for p := range m.sessions {
		out = append(out, p)
	}
	return out
}

func (t *Tab) summaryLocked() Summary {
	return Summary{
		ID:         t.id,
		Profile:    t.profile,
		Name:       t.name,
		URL:        t.url,
		CreatedAt:  t.createdAt,
		LastUsedAt: t.lastUsed,
		Unreliable: t.unreliable,
		Viewport:   t.viewport,
	}
}

// CloseTab closes the tab and forgets it. It reports false, without error,
// when no such tab exists. The record is removed even when the browser
// refuses the close; that failure is returned alongside true.
func (m *Manager) CloseTab(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if ok {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	// Let an in-flight operation on the tab finish first.
	t.op.Lock()
	defer t.op.Unlock()

	err := m.call(ctx, m.opts.CallTimeout, func(ctx context.Context) error {
		return t.session.CloseTab(ctx, t.handle)
	})
	if err != nil {
		slog.Warn("tab close failed", "tab_id", id, "error", err)
		return true, asSessionError("close tab "+id, err)
	}
	slog.Info("tab closed", "tab_id", id, "profile", t.profile)
	return true, nil
}

func (m *Manager) removeLocked(id string) {
	delete(m.tabs, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// CloseAllTabs closes every tab and returns how many closed cleanly.
// Failures do not stop the loop; they are joined into the returned error.
func (m *Manager) CloseAllTabs(ctx context.Context) (int, error) {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	var (
		closed int
		errs   []error
	)
	for _, id := range ids {
		ok, err := m.CloseTab(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, errors.Join(errs...)
}

// ShouldNavigate reports whether a request for url on tab id needs a fresh
// navigation rather than reusing the loaded page.
func (m *Manager) ShouldNavigate(id, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return true
	}
	return m.shouldNavigateLocked(t, url)
}

func (m *Manager) shouldNavigateLocked(t *Tab, url string) bool {
	if t.url == "" || t.unreliable {
		return true
	}
	if m.opts.StaleAfter > 0 && m.now().Sub(t.lastUsed) > m.opts.StaleAfter {
		return true
	}
	return !SameURL(t.url, url)
}

// GetTabURL returns the last URL recorded for the tab.
func (m *Manager) GetTabURL(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok || t.url == "" {
		return "", false
	}
	return t.url, true
}

// UpdateTabURL records url as loaded in the tab. Unknown ids are ignored.
func (m *Manager) UpdateTabURL(id, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return
	}
	t.url = url
	t.lastUsed = m.now()
	t.unreliable = false
}

func (m *Manager) markUnreliable(t *Tab) {
	m.mu.Lock()
	t.unreliable = true
	m.mu.Unlock()
	slog.Warn("tab marked unreliable", "tab_id", t.id)
}

func (m *Manager) touch(t *Tab) {
	m.mu.Lock()
	t.lastUsed = m.now()
	m.mu.Unlock()
}

// EvictIdle closes tabs that have not been used for longer than maxIdle.
func (m *Manager) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	var idle []string
	for _, id := range m.order {
		if now.Sub(m.tabs[id].lastUsed) > maxIdle {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, id := range idle {
		if ok, _ := m.CloseTab(ctx, id); ok {
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("evicted idle tabs", "count", evicted, "max_idle", maxIdle)
	}
	return evicted
}

// SweepSessions drops browser sessions that no longer respond, together
// with their tabs. It returns the number of sessions dropped.
func (m *Manager) SweepSessions(ctx context.Context) int {
	m.mu.Lock()
	snapshot := make(map[string]browser.Session, len(m.sessions))
	for p, s := range m.sessions {
		snapshot[p] = s
	}
	m.mu.Unlock()

	dropped := 0
	for profile, sess := range snapshot {
		aliveCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		alive := sess.IsAlive(aliveCtx)
		cancel()
		if alive {
			continue
		}
		if m.forgetSession(profile, sess) {
			slog.Warn("dropped dead browser session", "profile", profile)
			_ = sess.Close()
			dropped++
		}
	}
	return dropped
}

// Shutdown closes every tab and then every session. New tabs are refused
// from the moment it is called. Calling it again is harmless.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	n, err := m.CloseAllTabs(ctx)
	errs := []error{err}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]browser.Session)
	m.mu.Unlock()

	for profile, sess := range sessions {
		if cerr := sess.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", profile, cerr))
		}
	}
	slog.Info("tab manager shut down", "tabs_closed", n, "sessions_closed", len(sessions))
	return errors.Join(errs...)
}

// call runs fn with a deadline of d. It returns when fn does or when the
// deadline passes, whichever is first, so a browser that ignores the
// context cannot wedge the caller.
func (m *Manager) call(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(cctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}

func asSessionError(op string, err error) error {
	var coded *browser.CodedError
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return browser.SessionError(op+" timed out", err)
	}
	return browser.SessionError(op+" failed", err)
}
