package controller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/karthikkolli/webprobe-sub001/internal/actions"
	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/browser/browsertest"
	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

// pageEval answers the inspect script with one element, the console
// scripts with one message and anything else with the number 2.
func pageEval(h browser.Handle, script string) (json.RawMessage, error) {
	switch {
	case strings.Contains(script, "items.push"):
		inner := `{"ok":true,"data":{"total":1,"items":[{"tag":"h1","x":8,"y":21,"width":784,"height":37,"display":"block","visibility":"visible","visible":true,"text":"Example Domain","children":0}]}}`
		b, _ := json.Marshal(inner)
		return b, nil
	case strings.Contains(script, "__webprobe_console"):
		inner := `{"ok":true,"data":{"started":false,"messages":[{"level":"warn","message":"deprecated api","timestamp":"2026-01-02T03:04:05.000Z"}]}}`
		b, _ := json.Marshal(inner)
		return b, nil
	}
	return json.RawMessage(`2`), nil
}

func newTestService(t *testing.T, withSnaps bool) (*Service, *browsertest.Pool) {
	t.Helper()
	pool := &browsertest.Pool{New: func() *browsertest.Session {
		s := browsertest.NewSession()
		s.EvalFunc = pageEval
		return s
	}}
	m := tabs.NewManager(pool.Factory, tabs.Options{})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	var store *snapshot.Store
	if withSnaps {
		var err error
		store, err = snapshot.NewStore(t.TempDir())
		if err != nil {
			t.Fatalf("snapshot.NewStore() failed: %v", err)
		}
	}
	return NewService(m, store, browser.BackendChrome), pool
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("h1", "selector"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "selector")
	var got *browser.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("requireNonEmpty() = %T; want *browser.CodedError", err)
	}
	if got.Code != browser.CodeValidation {
		t.Fatalf("requireNonEmpty() code = %q; want %q", got.Code, browser.CodeValidation)
	}
	if got.Message != "selector is required" {
		t.Fatalf("requireNonEmpty() message = %q; want %q", got.Message, "selector is required")
	}
}

func TestResolveTargets(t *testing.T) {
	s, pool := newTestService(t, false)
	ctx := context.Background()

	if _, _, err := s.resolve(ctx, Target{Tab: "main"}); !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("resolve(tab only) = %v; want %s", err, browser.CodeValidation)
	}
	if _, _, err := s.resolve(ctx, Target{TabID: "nope"}); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("resolve(unknown id) = %v; want %s", err, browser.CodeNotFound)
	}
	if _, _, err := s.resolve(ctx, Target{Profile: browser.OneShotProfile}); !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("resolve(oneshot profile) = %v; want %s", err, browser.CodeValidation)
	}

	id, ephemeral, err := s.resolve(ctx, Target{Profile: "work"})
	if err != nil || ephemeral || id != "work/main" {
		t.Fatalf("resolve(profile) = %q, %v, %v; want work/main, false, nil", id, ephemeral, err)
	}
	again, _, err := s.resolve(ctx, Target{Profile: "work", Tab: "main"})
	if err != nil || again != id {
		t.Fatalf("resolve(profile, main) = %q, %v; want %q", again, err, id)
	}
	byID, _, err := s.resolve(ctx, Target{TabID: id})
	if err != nil || byID != id {
		t.Fatalf("resolve(tab id) = %q, %v; want %q", byID, err, id)
	}
	if pool.Get("work").Opened() != 1 {
		t.Fatalf("opened = %d; want 1", pool.Get("work").Opened())
	}
}

func TestOneShotTabClosedAfterRequest(t *testing.T) {
	s, pool := newTestService(t, false)

	got, err := s.Inspect(context.Background(), InspectRequest{
		URL:           "https://example.com",
		InspectParams: actions.InspectParams{Selector: "h1"},
	})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(got) != 1 || got[0].Browser != browser.BackendChrome || *got[0].TextContent != "Example Domain" {
		t.Fatalf("Inspect() = %+v", got)
	}
	if s.Tabs().Len() != 0 {
		t.Fatalf("tabs after one-shot request = %d; want 0", s.Tabs().Len())
	}
	sess := pool.Get(browser.OneShotProfile)
	if sess.Opened() != 1 || sess.OpenTabs() != 0 {
		t.Fatalf("one-shot session opened %d, open %d; want 1, 0", sess.Opened(), sess.OpenTabs())
	}
}

func TestNamedTabReusesLoadedPage(t *testing.T) {
	s, pool := newTestService(t, false)
	ctx := context.Background()
	req := InspectRequest{
		Target:        Target{Profile: "work"},
		URL:           "https://example.com/",
		InspectParams: actions.InspectParams{Selector: "h1"},
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Inspect(ctx, req); err != nil {
			t.Fatalf("Inspect() #%d error = %v", i, err)
		}
	}
	if navs := pool.Get("work").Navigations(); len(navs) != 1 {
		t.Fatalf("navigations = %v; want exactly one", navs)
	}

	// No URL: the loaded page is used as is.
	req.URL = ""
	if _, err := s.Inspect(ctx, req); err != nil {
		t.Fatalf("Inspect(no url) error = %v", err)
	}
	if navs := pool.Get("work").Navigations(); len(navs) != 1 {
		t.Fatalf("navigations = %v; want exactly one", navs)
	}
}

func TestEvalNeedsURLForEmptyTab(t *testing.T) {
	s, _ := newTestService(t, false)
	_, err := s.Eval(context.Background(), EvalRequest{
		Target:     Target{Profile: "work"},
		EvalParams: actions.EvalParams{Script: "1+1"},
	})
	if !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("Eval() error = %v; want %s", err, browser.CodeValidation)
	}

	res, err := s.Eval(context.Background(), EvalRequest{
		Target:     Target{Profile: "work"},
		URL:        "https://example.com",
		EvalParams: actions.EvalParams{Script: "1+1"},
	})
	if err != nil || string(res.Result) != "2" {
		t.Fatalf("Eval() = %s, %v; want 2", res.Result, err)
	}
}

func TestScreenshotSavesSnapshot(t *testing.T) {
	s, _ := newTestService(t, true)

	res, err := s.Screenshot(context.Background(), ScreenshotRequest{
		Target:           Target{Profile: "work"},
		URL:              "https://example.com/",
		ScreenshotParams: actions.ScreenshotParams{Format: "png"},
		Save:             true,
	})
	if err != nil {
		t.Fatalf("Screenshot() error = %v", err)
	}
	if res.Format != "png" || !strings.HasPrefix(string(res.Data), "\x89PNG") {
		t.Fatalf("Screenshot() = %q, %q", res.Format, res.Data)
	}
	if res.Snapshot == nil || res.Snapshot.TabID != "work/main" || res.Snapshot.URL != "https://example.com/" {
		t.Fatalf("Screenshot() snapshot = %+v", res.Snapshot)
	}

	list, err := s.ListSnapshots(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSnapshots() = %v, %v; want one", list, err)
	}
	if err := s.DeleteSnapshot(context.Background(), list[0].ID); err != nil {
		t.Fatalf("DeleteSnapshot() = %v", err)
	}
}

func TestScreenshotRejectsBadFormat(t *testing.T) {
	s, pool := newTestService(t, false)
	_, err := s.Screenshot(context.Background(), ScreenshotRequest{
		URL:              "https://example.com/",
		ScreenshotParams: actions.ScreenshotParams{Format: "bmp"},
	})
	if !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("Screenshot() error = %v; want %s", err, browser.CodeValidation)
	}
	if pool.Created() != 0 {
		t.Fatalf("sessions created = %d; want 0", pool.Created())
	}
}

func TestNavigate(t *testing.T) {
	s, _ := newTestService(t, false)
	ctx := context.Background()

	if _, err := s.Navigate(ctx, NavigateRequest{URL: "https://example.com"}); !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("Navigate(no target) error = %v; want %s", err, browser.CodeValidation)
	}
	if s.Tabs().Len() != 0 {
		t.Fatalf("tabs = %d; want 0", s.Tabs().Len())
	}

	first, err := s.Navigate(ctx, NavigateRequest{Target: Target{Profile: "work"}, URL: "https://example.com"})
	if err != nil || !first.Navigated || first.TabID != "work/main" {
		t.Fatalf("Navigate() = %+v, %v; want navigated work/main", first, err)
	}
	second, err := s.Navigate(ctx, NavigateRequest{Target: Target{Profile: "work"}, URL: "https://EXAMPLE.com/"})
	if err != nil || second.Navigated {
		t.Fatalf("Navigate(same page) = %+v, %v; want reuse", second, err)
	}
	forced, err := s.Navigate(ctx, NavigateRequest{Target: Target{TabID: "work/main"}, URL: "https://example.com", Force: true})
	if err != nil || !forced.Navigated {
		t.Fatalf("Navigate(force) = %+v, %v; want navigated", forced, err)
	}
}

func TestTabManagement(t *testing.T) {
	s, _ := newTestService(t, false)
	ctx := context.Background()

	named, err := s.CreateTab(ctx, "work", "docs", "")
	if err != nil || !named.Created || named.Tab.ID != "work/docs" {
		t.Fatalf("CreateTab(named) = %+v, %v", named, err)
	}
	again, err := s.CreateTab(ctx, "work", "docs", "")
	if err != nil || again.Created {
		t.Fatalf("CreateTab(named again) = %+v, %v; want existing", again, err)
	}
	anon, err := s.CreateTab(ctx, "", "", "")
	if err != nil || anon.Tab.Profile != browser.DefaultProfile {
		t.Fatalf("CreateTab(anon) = %+v, %v; want default profile", anon, err)
	}

	list, _ := s.ListTabs(ctx, "work")
	if len(list) != 1 {
		t.Fatalf("ListTabs(work) = %d; want 1", len(list))
	}
	all, _ := s.ListTabs(ctx, "")
	if len(all) != 2 {
		t.Fatalf("ListTabs() = %d; want 2", len(all))
	}

	if err := s.CloseTab(ctx, "missing"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("CloseTab(missing) = %v; want %s", err, browser.CodeNotFound)
	}
	if err := s.CloseTab(ctx, "work/docs"); err != nil {
		t.Fatalf("CloseTab() = %v", err)
	}
	if _, err := s.GetTab(ctx, "work/docs"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("GetTab(closed) = %v; want %s", err, browser.CodeNotFound)
	}

	res, err := s.CloseAllTabs(ctx)
	if err != nil || res.Closed != 1 || res.Error != "" {
		t.Fatalf("CloseAllTabs() = %+v, %v; want 1 closed", res, err)
	}
}

func TestCreateTabWithViewport(t *testing.T) {
	s, pool := newTestService(t, false)
	ctx := context.Background()

	res, err := s.CreateTab(ctx, "work", "phone", "375x667")
	if err != nil {
		t.Fatalf("CreateTab() error = %v", err)
	}
	if v := res.Tab.Viewport; v == nil || *v != (browser.Viewport{Width: 375, Height: 667}) {
		t.Fatalf("CreateTab().Tab.Viewport = %v; want 375x667", v)
	}
	if in := pool.Get("work").Inputs(); len(in) != 1 || in[0] != "viewport 375x667" {
		t.Fatalf("browser inputs = %v", in)
	}

	if _, err := s.CreateTab(ctx, "work", "tablet", "huge"); !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("CreateTab(bad viewport) error = %v; want %s", err, browser.CodeValidation)
	}
	if _, err := s.GetTab(ctx, "work/tablet"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("GetTab(work/tablet) error = %v; want no tab", err)
	}
}

func TestBatchRunsStepsInOneTab(t *testing.T) {
	s, pool := newTestService(t, false)
	ctx := context.Background()

	res, err := s.Batch(ctx, BatchRequest{
		Target: Target{Profile: "work"},
		URL:    "https://example.com/",
		Steps: []BatchStep{
			{Command: "inspect", Params: json.RawMessage(`{"selector":"h1"}`)},
			{Command: "click", Params: json.RawMessage(`{"selector":""}`)},
			{Command: "eval", Params: json.RawMessage(`{"script":"1+1"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if res.TabID != "work/main" || res.Succeeded != 2 || res.Failed != 1 || len(res.Results) != 3 {
		t.Fatalf("Batch() = %+v", res)
	}
	var elems []actions.ElementInfo
	if err := json.Unmarshal(res.Results[0].Result, &elems); err != nil || len(elems) != 1 || elems[0].Browser != browser.BackendChrome {
		t.Fatalf("inspect step result = %s, %v", res.Results[0].Result, err)
	}
	if r := res.Results[1]; r.Kind != browser.CodeValidation || r.Result != nil {
		t.Fatalf("click step = %+v; want a validation failure", r)
	}
	if got := string(res.Results[2].Result); got != `{"result":2}` {
		t.Fatalf("eval step result = %s", got)
	}
	if navs := pool.Get("work").Navigations(); len(navs) != 1 {
		t.Fatalf("navigations = %v; want one load for the whole batch", navs)
	}
}

func TestBatchStopOnError(t *testing.T) {
	s, _ := newTestService(t, false)
	res, err := s.Batch(context.Background(), BatchRequest{
		Target:      Target{Profile: "work"},
		URL:         "https://example.com/",
		StopOnError: true,
		Steps: []BatchStep{
			{Command: "type", Params: json.RawMessage(`{"text":"x"}`)},
			{Command: "eval", Params: json.RawMessage(`{"script":"1"}`)},
		},
	})
	if err != nil || len(res.Results) != 1 || res.Failed != 1 || res.Succeeded != 0 {
		t.Fatalf("Batch(stop on error) = %+v, %v; want only the failed step", res, err)
	}
}

func TestBatchRejectsBadStepsUpFront(t *testing.T) {
	s, pool := newTestService(t, false)
	ctx := context.Background()
	for _, steps := range [][]BatchStep{
		nil,
		{{Command: "eval", Params: json.RawMessage(`{"script":"1"}`)}, {Command: "reboot"}},
		{{Command: "inspect", Params: json.RawMessage(`{"selector":7}`)}},
	} {
		_, err := s.Batch(ctx, BatchRequest{URL: "https://example.com/", Steps: steps})
		if !browser.HasCode(err, browser.CodeValidation) {
			t.Fatalf("Batch(%v) error = %v; want %s", steps, err, browser.CodeValidation)
		}
	}
	if n := pool.Created(); n != 0 {
		t.Fatalf("sessions created = %d; want none for rejected batches", n)
	}
}

func TestBatchWithConsole(t *testing.T) {
	s, pool := newTestService(t, false)
	res, err := s.Batch(context.Background(), BatchRequest{
		URL:   "https://example.com/",
		Steps: []BatchStep{{Command: "console"}},
	})
	if err != nil || res.Failed != 0 {
		t.Fatalf("Batch(console) = %+v, %v", res, err)
	}
	var console actions.ConsoleResult
	if err := json.Unmarshal(res.Results[0].Result, &console); err != nil || len(console.Messages) != 1 || console.Messages[0].Level != "warn" {
		t.Fatalf("console step result = %s, %v", res.Results[0].Result, err)
	}
	if open := pool.Get(browser.OneShotProfile).OpenTabs(); open != 0 {
		t.Fatalf("one-shot tabs left open = %d; want 0", open)
	}
}

func TestConsoleReadsNamedTab(t *testing.T) {
	s, _ := newTestService(t, false)
	out, err := s.Console(context.Background(), ConsoleRequest{Target: Target{Profile: "work"}, URL: "https://example.com/"})
	if err != nil || len(out.Messages) != 1 || out.Messages[0].Message != "deprecated api" {
		t.Fatalf("Console() = %+v, %v", out, err)
	}
}
