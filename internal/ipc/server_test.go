package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/karthikkolli/webprobe-sub001/internal/actions"
	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/browser/browsertest"
	"github.com/karthikkolli/webprobe-sub001/internal/controller"
	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

type fakeControl struct {
	shutdowns atomic.Int32
}

func (c *fakeControl) Status(ctx context.Context) Status {
	return Status{State: "running", PID: 42, Browser: browser.BackendChrome}
}

func (c *fakeControl) RequestShutdown() { c.shutdowns.Add(1) }

func envelope(data string) json.RawMessage {
	b, _ := json.Marshal(`{"ok":true,"data":` + data + `}`)
	return b
}

// scriptedPage answers each page script the actions package sends.
type scriptedPage struct {
	mu       sync.Mutex
	location int
}

func (p *scriptedPage) eval(_ browser.Handle, script string) (json.RawMessage, error) {
	switch {
	case script == "location.href":
		p.mu.Lock()
		p.location++
		n := p.location
		p.mu.Unlock()
		b, _ := json.Marshal(fmt.Sprintf("https://example.com/page-%d", n))
		return b, nil
	case strings.Contains(script, "items.push"):
		return envelope(`{"total":1,"items":[{"tag":"h1","width":10,"height":10,"display":"block","visibility":"visible","visible":true,"text":"Hello"}]}`), nil
	case strings.Contains(script, "el.focus()"):
		return envelope(`{"tag":"input","password":false}`), nil
	case strings.Contains(script, `inline:"center"`):
		return envelope(`{"tag":"a","x":5,"y":6,"total":1}`), nil
	case strings.Contains(script, "__webprobe_net"):
		return envelope(`{"ready":true,"pending":0,"quiet_ms":5000,"log":[]}`), nil
	case strings.Contains(script, "window.scroll"):
		return envelope(`{"x":0,"y":300}`), nil
	default:
		return json.RawMessage(`2`), nil
	}
}

type harness struct {
	client  *Client
	control *fakeControl
	pool    *browsertest.Pool
}

func startServer(t *testing.T) *harness {
	t.Helper()
	page := &scriptedPage{}
	pool := &browsertest.Pool{New: func() *browsertest.Session {
		s := browsertest.NewSession()
		s.EvalFunc = page.eval
		return s
	}}
	m := tabs.NewManager(pool.Factory, tabs.Options{})
	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot.NewStore() failed: %v", err)
	}
	control := &fakeControl{}
	h := NewServer(Options{
		Service: controller.NewService(m, store, browser.BackendChrome),
		Control: control,
		PID:     42,
		Version: "test",
	})

	// Unix socket paths are length limited; keep this one short.
	dir, err := os.MkdirTemp("", "wp")
	if err != nil {
		t.Fatalf("MkdirTemp() failed: %v", err)
	}
	sock := filepath.Join(dir, "d.sock")
	ln, err := Listen(sock)
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	srv := &http.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = m.Shutdown(ctx)
		_ = os.RemoveAll(dir)
	})

	return &harness{client: NewClient(sock), control: control, pool: pool}
}

func TestRoundTripLifecycle(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	ping, err := h.client.Ping(ctx)
	if err != nil || !ping.OK || ping.PID != 42 || ping.Version != "test" {
		t.Fatalf("Ping() = %+v, %v", ping, err)
	}
	st, err := h.client.Status(ctx)
	if err != nil || st.State != "running" || st.Browser != browser.BackendChrome {
		t.Fatalf("Status() = %+v, %v", st, err)
	}
	if err := h.client.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if h.control.shutdowns.Load() != 1 {
		t.Fatalf("shutdown requests = %d; want 1", h.control.shutdowns.Load())
	}
}

func TestRoundTripTabs(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	var created controller.CreateTabResult
	if err := h.client.Call(ctx, CmdCreateTab, CreateTabParams{Profile: "work", Name: "docs"}, &created); err != nil {
		t.Fatalf("create_tab error = %v", err)
	}
	if !created.Created || created.Tab.ID != "work/docs" {
		t.Fatalf("create_tab = %+v", created)
	}

	var nav controller.NavigateResult
	req := controller.NavigateRequest{Target: controller.Target{TabID: "work/docs"}, URL: "https://example.com"}
	if err := h.client.Call(ctx, CmdNavigate, req, &nav); err != nil || !nav.Navigated {
		t.Fatalf("navigate_or_reuse = %+v, %v; want navigated", nav, err)
	}
	if err := h.client.Call(ctx, CmdNavigate, req, &nav); err != nil || nav.Navigated {
		t.Fatalf("navigate_or_reuse again = %+v, %v; want reuse", nav, err)
	}

	var got tabs.Summary
	if err := h.client.Call(ctx, CmdGetTab, TabIDParams{TabID: "work/docs"}, &got); err != nil || got.URL != "https://example.com" {
		t.Fatalf("get_tab = %+v, %v", got, err)
	}

	var list []tabs.Summary
	if err := h.client.Call(ctx, CmdListTabs, ProfileParams{}, &list); err != nil || len(list) != 1 {
		t.Fatalf("list_tabs = %+v, %v; want one tab", list, err)
	}

	if err := h.client.Call(ctx, CmdCloseTab, TabIDParams{TabID: "work/docs"}, nil); err != nil {
		t.Fatalf("close_tab error = %v", err)
	}
	err := h.client.Call(ctx, CmdCloseTab, TabIDParams{TabID: "work/docs"}, nil)
	if !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("close_tab again = %v; want %s", err, browser.CodeNotFound)
	}

	var all controller.CloseAllResult
	if err := h.client.Call(ctx, CmdCloseAllTabs, nil, &all); err != nil || all.Closed != 0 {
		t.Fatalf("close_all_tabs = %+v, %v", all, err)
	}
}

func TestRoundTripHandlers(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()
	target := controller.Target{Profile: "work"}
	url := "https://example.com/"

	var inspected []actions.ElementInfo
	if err := h.client.Call(ctx, CmdInspect, controller.InspectRequest{Target: target, URL: url, InspectParams: actions.InspectParams{Selector: "h1"}}, &inspected); err != nil {
		t.Fatalf("inspect error = %v", err)
	}
	if len(inspected) != 1 || inspected[0].Browser != browser.BackendChrome {
		t.Fatalf("inspect = %+v", inspected)
	}

	var clicked actions.ClickResult
	if err := h.client.Call(ctx, CmdClick, controller.ClickRequest{Target: target, ClickParams: actions.ClickParams{Selector: "a"}}, &clicked); err != nil {
		t.Fatalf("click error = %v", err)
	}
	if clicked.X != 5 || !strings.HasPrefix(clicked.URL, "https://example.com/page-") {
		t.Fatalf("click = %+v", clicked)
	}

	var typed actions.TypeResult
	if err := h.client.Call(ctx, CmdType, controller.TypeRequest{Target: target, TypeParams: actions.TypeParams{Selector: "input", Text: "hi"}}, &typed); err != nil || typed.Typed != 2 {
		t.Fatalf("type = %+v, %v", typed, err)
	}

	var scrolled actions.ScrollResult
	if err := h.client.Call(ctx, CmdScroll, controller.ScrollRequest{Target: target, ScrollParams: actions.ScrollParams{ByY: 300}}, &scrolled); err != nil || scrolled.Y != 300 {
		t.Fatalf("scroll = %+v, %v", scrolled, err)
	}

	var evaluated controller.EvalResult
	if err := h.client.Call(ctx, CmdEval, controller.EvalRequest{Target: target, EvalParams: actions.EvalParams{Script: "1+1"}}, &evaluated); err != nil || string(evaluated.Result) != "2" {
		t.Fatalf("eval = %s, %v", evaluated.Result, err)
	}

	var shot controller.ScreenshotResult
	if err := h.client.Call(ctx, CmdScreenshot, controller.ScreenshotRequest{Target: target, Save: true}, &shot); err != nil {
		t.Fatalf("screenshot error = %v", err)
	}
	if shot.Format != "png" || !strings.HasPrefix(string(shot.Data), "\x89PNG") || shot.Snapshot == nil {
		t.Fatalf("screenshot = %q %q %+v", shot.Format, shot.Data, shot.Snapshot)
	}

	var snaps []snapshot.Meta
	if err := h.client.Call(ctx, CmdListSnapshots, nil, &snaps); err != nil || len(snaps) != 1 {
		t.Fatalf("list_snapshots = %+v, %v", snaps, err)
	}
	if err := h.client.Call(ctx, CmdDeleteSnapshot, SnapshotIDParams{ID: snaps[0].ID}, nil); err != nil {
		t.Fatalf("delete_snapshot error = %v", err)
	}

	var idle actions.WaitIdleResult
	if err := h.client.Call(ctx, CmdWaitIdle, controller.WaitIdleRequest{Target: target}, &idle); err != nil || !idle.Idle {
		t.Fatalf("wait_idle = %+v, %v", idle, err)
	}

	var moved actions.WaitNavigationResult
	if err := h.client.Call(ctx, CmdWaitNavigation, controller.WaitNavigationRequest{Target: target, WaitNavigationParams: actions.WaitNavigationParams{TimeoutMS: 5000}}, &moved); err != nil {
		t.Fatalf("wait_navigation error = %v", err)
	}
	if moved.From == moved.URL {
		t.Fatalf("wait_navigation = %+v; want a changed url", moved)
	}

	if got := h.pool.Get("work").Inputs(); len(got) != 2 || got[0] != "click 5,6" || got[1] != "text hi" {
		t.Fatalf("inputs = %v", got)
	}
}

func TestRoundTripBatchAndViewport(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	var created controller.CreateTabResult
	if err := h.client.Call(ctx, CmdCreateTab, CreateTabParams{Profile: "work", Name: "phone", Viewport: "375x667"}, &created); err != nil {
		t.Fatalf("create_tab error = %v", err)
	}
	if v := created.Tab.Viewport; v == nil || v.Width != 375 || v.Height != 667 {
		t.Fatalf("create_tab viewport = %v; want 375x667", v)
	}

	req := controller.BatchRequest{
		Target: controller.Target{TabID: created.Tab.ID},
		URL:    "https://example.com/",
		Steps: []controller.BatchStep{
			{Command: CmdInspect, Params: json.RawMessage(`{"selector":"h1"}`)},
			{Command: CmdEval, Params: json.RawMessage(`{"script":"1+1"}`)},
		},
	}
	var res controller.BatchResult
	if err := h.client.Call(ctx, CmdBatch, req, &res); err != nil {
		t.Fatalf("batch error = %v", err)
	}
	if res.TabID != "work/phone" || res.Succeeded != 2 || len(res.Results) != 2 || !strings.Contains(string(res.Results[0].Result), `"Hello"`) {
		t.Fatalf("batch = %+v", res)
	}

	err := h.client.Call(ctx, CmdBatch, controller.BatchRequest{URL: "https://example.com/", Steps: []controller.BatchStep{{Command: "reboot"}}}, nil)
	if !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("batch(unknown command) = %v; want %s", err, browser.CodeValidation)
	}
}

func TestRoundTripErrors(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	err := h.client.Call(ctx, CmdGetTab, TabIDParams{TabID: "missing"}, nil)
	if !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("get_tab(missing) = %v; want %s", err, browser.CodeNotFound)
	}

	err = h.client.Call(ctx, CmdInspect, controller.InspectRequest{Target: controller.Target{Tab: "main"}, InspectParams: actions.InspectParams{Selector: "h1"}}, nil)
	if !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("inspect(tab without profile) = %v; want %s", err, browser.CodeValidation)
	}

	err = h.client.Call(ctx, CmdType, controller.TypeRequest{URL: "https://example.com", TypeParams: actions.TypeParams{Selector: "input", Key: "hyper"}}, nil)
	if !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("type(bad key) = %v; want %s", err, browser.CodeValidation)
	}

	err = h.client.Call(ctx, "no_such_command", nil, nil)
	if !browser.HasCode(err, browser.CodeProtocol) {
		t.Fatalf("unknown command = %v; want %s", err, browser.CodeProtocol)
	}
}

func TestMapErrStatuses(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{browser.Validation("bad"), http.StatusBadRequest, browser.CodeValidation},
		{browser.NotFound("gone"), http.StatusNotFound, browser.CodeNotFound},
		{browser.NewError(browser.CodeLimit, "full", nil), http.StatusTooManyRequests, browser.CodeLimit},
		{browser.SessionError("crashed", nil), http.StatusBadGateway, browser.CodeSession},
		{browser.SessionError("slow", context.DeadlineExceeded), http.StatusGatewayTimeout, KindTimeout},
		{browser.NewError(browser.CodeUnavailable, "stopping", nil), http.StatusServiceUnavailable, browser.CodeUnavailable},
		{errors.New("plain"), http.StatusInternalServerError, browser.CodeInternal},
	}
	for _, tt := range tests {
		var body *ErrorBody
		if !errors.As(mapErr(tt.err), &body) {
			t.Fatalf("mapErr(%v) is not an *ErrorBody", tt.err)
		}
		if body.GetStatus() != tt.status || body.Kind != tt.kind {
			t.Fatalf("mapErr(%v) = %d %s; want %d %s", tt.err, body.GetStatus(), body.Kind, tt.status, tt.kind)
		}
	}
}

func TestDecodeErrorKeepsTimeout(t *testing.T) {
	err := decodeError(http.StatusGatewayTimeout, []byte(`{"kind":"TIMEOUT","message":"navigate to x timed out"}`))
	if !browser.IsTimeout(err) {
		t.Fatalf("decodeError() = %v; want a timeout", err)
	}
	err = decodeError(http.StatusUnprocessableEntity, []byte(`{"title":"Unprocessable Entity","status":422,"detail":"validation failed","errors":[{"message":"expected required property selector to be present","location":"body"}]}`))
	if !browser.HasCode(err, browser.CodeValidation) || !strings.Contains(err.Error(), "selector") {
		t.Fatalf("decodeError(huma) = %v; want validation mentioning selector", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "nobody.sock"))
	_, err := c.Ping(context.Background())
	if !browser.HasCode(err, browser.CodeDaemonUnreachable) {
		t.Fatalf("Ping() = %v; want %s", err, browser.CodeDaemonUnreachable)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterTabGauges(reg, func() int { return 3 }, func() int { return 1 })
	m := tabs.NewManager((&browsertest.Pool{}).Factory, tabs.Options{})
	h := NewServer(Options{
		Service:  controller.NewService(m, nil, browser.BackendChrome),
		Control:  &fakeControl{},
		Registry: reg,
		Version:  "test",
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/ping", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ping status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{
		`webprobe_ipc_requests_total{route="/v1/ping",status="200"} 1`,
		"webprobe_tabs_open 3",
		"webprobe_browser_sessions 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
