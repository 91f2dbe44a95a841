package cdpcontrol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

// fakeBrowser speaks just enough of the DevTools protocol for Session.
type fakeBrowser struct {
	srv *httptest.Server

	mu      sync.Mutex
	methods []string
	nextID  int
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/fake", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) called(method string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := 0
	for _, m := range fb.methods {
		if m == method {
			n++
		}
	}
	return n
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()

	write := func(v any) {
		b, _ := json.Marshal(v)
		_ = wsutil.WriteServerText(conn, b)
	}
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		fb.mu.Lock()
		fb.methods = append(fb.methods, req.Method)
		fb.nextID++
		n := fb.nextID
		fb.mu.Unlock()

		resp := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		var events []string
		switch req.Method {
		case "Target.createTarget":
			resp["result"] = map[string]any{"targetId": fmt.Sprintf("T%d", n)}
		case "Target.attachToTarget":
			resp["result"] = map[string]any{"sessionId": fmt.Sprintf("S%d", n)}
		case "Page.navigate":
			resp["result"] = map[string]any{"frameId": "F1", "loaderId": "L1"}
			events = append(events, "Page.loadEventFired")
		case "Runtime.evaluate":
			var p struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if p.Expression == "boom()" {
				resp["result"] = map[string]any{
					"result":           map[string]any{"type": "object"},
					"exceptionDetails": map[string]any{"text": "Uncaught", "exception": map[string]any{"description": "ReferenceError: boom is not defined"}},
				}
			} else {
				resp["result"] = map[string]any{"result": map[string]any{"type": "number", "value": 42}}
			}
		case "Page.captureScreenshot":
			resp["result"] = map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("img"))}
		case "Target.closeTarget", "Target.detachFromTarget", "Page.enable", "Browser.getVersion",
			"Input.dispatchMouseEvent", "Input.insertText", "Input.dispatchKeyEvent":
			resp["result"] = map[string]any{}
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "'" + req.Method + "' wasn't found"}
		}
		write(resp)
		for _, ev := range events {
			write(map[string]any{"method": ev, "sessionId": req.SessionID, "params": map[string]any{}})
		}
	}
}

func TestSessionTabLifecycle(t *testing.T) {
	fb := newFakeBrowser(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Dial(ctx, fb.srv.URL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	h, err := s.OpenTab(ctx)
	if err != nil {
		t.Fatalf("OpenTab() error = %v", err)
	}
	if fb.called("Page.enable") != 1 {
		t.Fatalf("Page.enable calls = %d; want 1", fb.called("Page.enable"))
	}

	if err := s.Navigate(ctx, h, "https://example.com"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}

	raw, err := s.Evaluate(ctx, h, "40 + 2")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if string(raw) != "42" {
		t.Fatalf("Evaluate() = %s; want 42", raw)
	}

	img, err := s.Screenshot(ctx, h, browser.ScreenshotOptions{})
	if err != nil {
		t.Fatalf("Screenshot() error = %v", err)
	}
	if string(img) != "img" {
		t.Fatalf("Screenshot() = %q; want %q", img, "img")
	}

	if err := s.Click(ctx, h, 10, 20); err != nil {
		t.Fatalf("Click() error = %v", err)
	}
	if got := fb.called("Input.dispatchMouseEvent"); got != 2 {
		t.Fatalf("dispatchMouseEvent calls = %d; want 2", got)
	}
	if err := s.InsertText(ctx, h, "hello"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	if err := s.PressKey(ctx, h, "Enter"); err != nil {
		t.Fatalf("PressKey() error = %v", err)
	}

	if !s.IsAlive(ctx) {
		t.Fatal("IsAlive() = false; want true")
	}
	if err := s.CloseTab(ctx, h); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	if fb.called("Target.closeTarget") != 1 {
		t.Fatalf("closeTarget calls = %d; want 1", fb.called("Target.closeTarget"))
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.IsAlive(ctx) {
		t.Fatal("IsAlive() after Close = true; want false")
	}
}

func TestSessionEvaluateException(t *testing.T) {
	fb := newFakeBrowser(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Dial(ctx, fb.srv.URL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()
	h, err := s.OpenTab(ctx)
	if err != nil {
		t.Fatalf("OpenTab() error = %v", err)
	}

	_, err = s.Evaluate(ctx, h, "boom()")
	if !browser.HasCode(err, browser.CodeSession) {
		t.Fatalf("Evaluate() error = %v; want %s", err, browser.CodeSession)
	}
	if !strings.Contains(err.Error(), "boom is not defined") {
		t.Fatalf("Evaluate() error = %q; want exception description", err)
	}
}

func TestSessionUnknownHandle(t *testing.T) {
	s := &Session{cdp: newCDPConn("http://example.com"), tabs: map[browser.Handle]*tabSession{}, cleanup: func() {}}

	if _, err := s.Evaluate(context.Background(), "missing", "1"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("Evaluate() error = %v; want %s", err, browser.CodeNotFound)
	}
	if err := s.CloseTab(context.Background(), "missing"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("CloseTab() error = %v; want %s", err, browser.CodeNotFound)
	}
}

func TestSessionPressKeyRejectsUnknownKey(t *testing.T) {
	s := &Session{cdp: newCDPConn("http://example.com"), tabs: map[browser.Handle]*tabSession{}, cleanup: func() {}}

	err := s.PressKey(context.Background(), "T1", "hyper")
	if !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("PressKey() error = %v; want %s", err, browser.CodeValidation)
	}
}

func TestDialWrapsVersionError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader(`oops`)),
		}, nil
	}))

	_, err := Dial(context.Background(), "http://example.com", nil)
	var coded *browser.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("expected *CodedError, got %T", err)
	}
	if coded.Code != browser.CodeSession {
		t.Fatalf("error code = %s; want %s", coded.Code, browser.CodeSession)
	}
	if !strings.Contains(coded.Message, "connect to CDP failed") {
		t.Fatalf("error message = %q; want to contain %q", coded.Message, "connect to CDP failed")
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", errors.New("websocket closed"), false},
		{"transient session", browser.SessionError("evaluation failed", errConnClosed), true},
		{"no session", browser.SessionError("evaluation failed", errors.New("cdp: Runtime.evaluate: No session with given id")), true},
		{"timeout", browser.SessionError("evaluation timed out", context.DeadlineExceeded), false},
		{"not found", browser.NotFound("browser tab not found"), false},
		{"exception", browser.SessionError("evaluation failed", errors.New("cdp: script threw: TypeError")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.err); got != tt.want {
				t.Fatalf("shouldRetry(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}
