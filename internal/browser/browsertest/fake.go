// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Session is a fake browser.Session. Exported fields configure failures and
// must be set before the session is shared between goroutines.
type Session struct {
	OpenErr  error
	CloseErr error
	NavErr   error
	// NavDelay is how long Navigate takes. It honours ctx.
	NavDelay time.Duration
	// Hang makes Navigate ignore ctx and sleep for NavDelay.
	Hang bool
	// OpenDelay makes OpenTab sleep this long, ignoring ctx, before the tab
	// opens, the way a browser finishes a create it has already accepted.
	OpenDelay time.Duration
	// EvalFunc answers Evaluate. The default returns {"url": <current url>}.
	EvalFunc func(h browser.Handle, script string) (json.RawMessage, error)

	mu          sync.Mutex
	next        int
	open        map[browser.Handle]string
	opened      int
	closedTabs  int
	navigations []string
	inputs      []string
	dead        bool
	closed      bool
}

// NewSession returns an empty live session.
func NewSession() *Session {
	return &Session{open: make(map[browser.Handle]string)}
}

func (s *Session) OpenTab(ctx context.Context) (browser.Handle, error) {
	if s.OpenErr != nil {
		return "", s.OpenErr
	}
	if s.OpenDelay > 0 {
		time.Sleep(s.OpenDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("session closed")
	}
	s.next++
	s.opened++
	h := browser.Handle(fmt.Sprintf("target-%d", s.next))
	s.open[h] = "about:blank"
	return h, nil
}

func (s *Session) CloseTab(ctx context.Context, h browser.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[h]; !ok {
		return errors.New("no such target")
	}
	delete(s.open, h)
	if s.CloseErr != nil {
		return s.CloseErr
	}
	s.closedTabs++
	return nil
}

func (s *Session) Navigate(ctx context.Context, h browser.Handle, url string) error {
	if s.NavDelay > 0 {
		if s.Hang {
			time.Sleep(s.NavDelay)
		} else {
			select {
			case <-time.After(s.NavDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if s.NavErr != nil {
		return s.NavErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[h]; !ok {
		return errors.New("no such target")
	}
	s.open[h] = url
	s.navigations = append(s.navigations, url)
	return nil
}

func (s *Session) Evaluate(ctx context.Context, h browser.Handle, script string) (json.RawMessage, error) {
	if s.EvalFunc != nil {
		return s.EvalFunc(h, script)
	}
	s.mu.Lock()
	url, ok := s.open[h]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("no such target")
	}
	b, _ := json.Marshal(map[string]string{"url": url})
	return b, nil
}

func (s *Session) Screenshot(ctx context.Context, h browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[h]; !ok {
		return nil, errors.New("no such target")
	}
	return []byte("\x89PNG fake " + opts.Format), nil
}

func (s *Session) Click(ctx context.Context, h browser.Handle, x, y float64) error {
	return s.input(h, fmt.Sprintf("click %.0f,%.0f", x, y))
}

func (s *Session) InsertText(ctx context.Context, h browser.Handle, text string) error {
	return s.input(h, "text "+text)
}

func (s *Session) PressKey(ctx context.Context, h browser.Handle, key string) error {
	if _, ok := browser.LookupKey(key); !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return s.input(h, "key "+key)
}

func (s *Session) SetViewport(ctx context.Context, h browser.Handle, v browser.Viewport) error {
	return s.input(h, "viewport "+v.String())
}

func (s *Session) input(h browser.Handle, ev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[h]; !ok {
		return errors.New("no such target")
	}
	s.inputs = append(s.inputs, ev)
	return nil
}

// Inputs lists the input events dispatched so far, e.g. "click 10,20".
func (s *Session) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

func (s *Session) IsAlive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead && !s.closed
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.open = make(map[browser.Handle]string)
	return nil
}

// Kill makes IsAlive report false, as if the browser crashed.
func (s *Session) Kill() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// OpenTabs is the number of tabs currently open in the browser.
func (s *Session) OpenTabs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Opened is the number of OpenTab calls that succeeded.
func (s *Session) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Navigations lists every URL successfully navigated to.
func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pool hands out one fake Session per profile.
type Pool struct {
	// Err fails every Factory call.
	Err error
	// New builds sessions. Defaults to NewSession.
	New func() *Session

	mu       sync.Mutex
	sessions map[string]*Session
	created  int
}

// Factory implements browser.Factory.
func (p *Pool) Factory(ctx context.Context, profile string) (browser.Session, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions == nil {
		p.sessions = make(map[string]*Session)
	}
	newFn := p.New
	if newFn == nil {
		newFn = NewSession
	}
	s := newFn()
	p.sessions[profile] = s
	p.created++
	return s, nil
}

// Get returns the last session created for profile.
func (p *Pool) Get(profile string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[profile]
}

// Created is the number of sessions the pool has built.
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
