// Package cdpcontrol drives Chrome over a raw DevTools protocol connection.
package cdpcontrol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"target closed",
	"session closed",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection closed",
}

type tabSession struct {
	targetID  target.ID
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
}

// Session is a browser.Session backed by one Chrome instance.
type Session struct {
	cdpURL string
	// launcher is nil when attached to a browser someone else started.
	launcher *browser.Launcher
	cleanup  func()

	mu     sync.Mutex
	cdp    *cdpConn
	tabs   map[browser.Handle]*tabSession
	closed bool

	unregister func()
}

// Dial connects to the browser whose DevTools HTTP endpoint is cdpURL. When
// launcher is non-nil the session owns that process and stops it on Close.
func Dial(ctx context.Context, cdpURL string, launcher *browser.Launcher) (*Session, error) {
	if cdpURL == "" {
		return nil, browser.SessionError("missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", cdpURL)
	cdp := newCDPConn(cdpURL)
	if err := cdp.connect(ctx); err != nil {
		return nil, browser.SessionError("connect to CDP failed", err)
	}

	s := &Session{
		cdpURL:   cdpURL,
		launcher: launcher,
		cleanup:  func() {},
		cdp:      cdp,
		tabs:     make(map[browser.Handle]*tabSession),
	}
	// Alerts and confirms block every later call on the page.
	s.unregister = cdp.on("Page.javascriptDialogOpening", func(sessionID string, _ jsontext.Value) {
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cdp.handleJavaScriptDialog(dctx, sessionID, false); err != nil {
				slog.Debug("cdpcontrol dialog dismiss failed", "session_id", sessionID, "error", err)
			}
		}()
	})
	slog.Info("cdpcontrol connect ok", "cdp_url", cdpURL)
	return s, nil
}

// OpenTab creates a blank page target and attaches to it.
func (s *Session) OpenTab(ctx context.Context) (browser.Handle, error) {
	cdp, err := s.conn()
	if err != nil {
		return "", err
	}

	targetID, err := cdp.createTarget(ctx, "about:blank")
	if err != nil {
		return "", browser.SessionError("create target failed", err)
	}

	h := browser.Handle(targetID)
	ts := &tabSession{targetID: targetID}
	if _, err := s.ensureSession(ctx, cdp, ts); err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		_ = cdp.closeTarget(cctx, targetID)
		cancel()
		return "", err
	}

	s.mu.Lock()
	s.tabs[h] = ts
	s.mu.Unlock()
	slog.Debug("cdpcontrol tab opened", "target_id", targetID)
	return h, nil
}

// CloseTab closes the target. Closing a target the browser already dropped
// succeeds.
func (s *Session) CloseTab(ctx context.Context, h browser.Handle) error {
	s.mu.Lock()
	ts, ok := s.tabs[h]
	delete(s.tabs, h)
	cdp := s.cdp
	s.mu.Unlock()
	if !ok {
		return browser.NotFound("browser tab not found: " + string(h))
	}
	if cdp == nil {
		return nil
	}

	ts.mu.Lock()
	if ts.sessionID != "" {
		if err := cdp.detachFromTarget(ctx, ts.sessionID); err != nil {
			slog.Debug("cdpcontrol detach failed", "target_id", ts.targetID, "error", err)
		}
		ts.sessionID = ""
	}
	ts.mu.Unlock()

	if err := cdp.closeTarget(ctx, ts.targetID); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no target with given id") {
			return nil
		}
		return browser.SessionError("close target failed", err)
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, h browser.Handle, url string) error {
	return s.withSession(ctx, h, "navigate", func(cdp *cdpConn, sid string) error {
		return cdp.navigate(ctx, sid, url)
	})
}

func (s *Session) Evaluate(ctx context.Context, h browser.Handle, script string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.withSession(ctx, h, "evaluation", func(cdp *cdpConn, sid string) error {
		v, err := cdp.evaluate(ctx, sid, script)
		out = json.RawMessage(v)
		return err
	})
	return out, err
}

func (s *Session) Screenshot(ctx context.Context, h browser.Handle, opts browser.ScreenshotOptions) ([]byte, error) {
	format := opts.Format
	if format == "" {
		format = "png"
	}
	var encoded string
	err := s.withSession(ctx, h, "screenshot", func(cdp *cdpConn, sid string) error {
		var shotErr error
		encoded, shotErr = cdp.captureScreenshot(ctx, sid, format, opts.Quality, opts.FullPage)
		return shotErr
	})
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, browser.NewError(browser.CodeProtocol, "invalid screenshot data", err)
	}
	return data, nil
}

func (s *Session) Click(ctx context.Context, h browser.Handle, x, y float64) error {
	return s.withSession(ctx, h, "click", func(cdp *cdpConn, sid string) error {
		return cdp.dispatchMouseClick(ctx, sid, x, y)
	})
}

func (s *Session) InsertText(ctx context.Context, h browser.Handle, text string) error {
	return s.withSession(ctx, h, "insert text", func(cdp *cdpConn, sid string) error {
		return cdp.insertText(ctx, sid, text)
	})
}

func (s *Session) PressKey(ctx context.Context, h browser.Handle, key string) error {
	def, ok := browser.LookupKey(key)
	if !ok {
		return browser.Validation(fmt.Sprintf("unsupported key %q", key))
	}
	return s.withSession(ctx, h, "key press", func(cdp *cdpConn, sid string) error {
		return cdp.dispatchKeyEvent(ctx, sid, def.Key, def.Code, def.Text, def.KeyCode)
	})
}

func (s *Session) SetViewport(ctx context.Context, h browser.Handle, v browser.Viewport) error {
	return s.withSession(ctx, h, "set viewport", func(cdp *cdpConn, sid string) error {
		return cdp.setDeviceMetrics(ctx, sid, v.Width, v.Height)
	})
}

// IsAlive reports whether the browser still answers on its connection.
func (s *Session) IsAlive(ctx context.Context) bool {
	s.mu.Lock()
	cdp := s.cdp
	closed := s.closed
	s.mu.Unlock()
	if closed || cdp == nil || !cdp.alive() {
		return false
	}
	if s.launcher != nil && !s.launcher.Running() {
		return false
	}
	return cdp.getVersion(ctx) == nil
}

// Close detaches from every tab, drops the connection and stops the browser
// when this session launched it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cdp := s.cdp
	tabs := s.tabs
	s.cdp = nil
	s.tabs = make(map[browser.Handle]*tabSession)
	s.mu.Unlock()

	if cdp != nil {
		for _, ts := range tabs {
			if !cdp.alive() {
				break
			}
			ts.mu.Lock()
			if ts.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := cdp.detachFromTarget(ctx, ts.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "target_id", ts.targetID, "error", err)
				}
				cancel()
				ts.sessionID = ""
			}
			ts.mu.Unlock()
		}
		if s.unregister != nil {
			s.unregister()
		}
		cdp.close()
	}

	if s.launcher != nil {
		s.launcher.Stop()
	}
	s.cleanup()
	return nil
}

func (s *Session) conn() (*cdpConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cdp == nil {
		return nil, browser.SessionError("CDP client not connected", nil)
	}
	return s.cdp, nil
}

func (s *Session) lookup(h browser.Handle) (*tabSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tabs[h]
	if !ok {
		return nil, browser.NotFound("browser tab not found: " + string(h))
	}
	return ts, nil
}

// withSession runs fn against the tab's attached session. A transient
// failure drops the session id and retries once on a fresh attach.
func (s *Session) withSession(ctx context.Context, h browser.Handle, op string, fn func(cdp *cdpConn, sessionID string) error) error {
	ts, err := s.lookup(h)
	if err != nil {
		return err
	}
	cdp, err := s.conn()
	if err != nil {
		return err
	}

	err = s.runOnSession(ctx, cdp, ts, op, fn)
	if err == nil || !shouldRetry(err) || ctx.Err() != nil {
		return err
	}

	slog.Warn("cdpcontrol retry after transient failure", "target_id", ts.targetID, "op", op, "error", err)
	return s.runOnSession(ctx, cdp, ts, op, fn)
}

func (s *Session) runOnSession(ctx context.Context, cdp *cdpConn, ts *tabSession, op string, fn func(cdp *cdpConn, sessionID string) error) error {
	sid, err := s.ensureSession(ctx, cdp, ts)
	if err != nil {
		return err
	}
	if err := fn(cdp, sid); err != nil {
		ts.mu.Lock()
		if ts.sessionID == sid {
			ts.sessionID = ""
		}
		ts.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return browser.SessionError(op+" timed out", context.DeadlineExceeded)
		}
		return browser.SessionError(op+" failed", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (s *Session) ensureSession(ctx context.Context, cdp *cdpConn, ts *tabSession) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.sessionID != "" {
		return ts.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, ts.targetID)
	if err != nil {
		return "", browser.SessionError("attach to target failed", err)
	}
	if err := cdp.enablePageDomain(ctx, sid); err != nil {
		return "", browser.SessionError("enable page domain failed", err)
	}
	ts.sessionID = sid
	slog.Debug("cdpcontrol session attached", "target_id", ts.targetID, "session_id", sid)
	return sid, nil
}

func shouldRetry(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var coded *browser.CodedError
	if !errors.As(err, &coded) || coded.Code != browser.CodeSession || coded.Cause == nil {
		return false
	}
	cause := strings.ToLower(coded.Cause.Error())
	for _, hint := range transientHints {
		if strings.Contains(cause, hint) {
			return true
		}
	}
	return false
}
