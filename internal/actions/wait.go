package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Defaults for the wait commands.
const (
	DefaultIdleTimeout       = 10 * time.Second
	DefaultIdleTime          = 500 * time.Millisecond
	DefaultNavigationTimeout = 30 * time.Second
)

// Poll intervals for the wait loops.
var (
	idlePoll       = 100 * time.Millisecond
	navigationPoll = 250 * time.Millisecond
)

// WaitIdleParams bounds a wait for network quiet.
type WaitIdleParams struct {
	// Timeout is the whole wait; IdleTime is how long the network must stay
	// quiet. Both in milliseconds on the wire.
	TimeoutMS  int64 `json:"timeout_ms,omitempty"`
	IdleTimeMS int64 `json:"idle_time_ms,omitempty"`
}

// WaitIdleResult reports whether the page went idle and the requests seen.
type WaitIdleResult struct {
	Idle      bool     `json:"idle"`
	ElapsedMS int64    `json:"elapsed_ms"`
	Pending   int      `json:"pending"`
	Log       []string `json:"log,omitempty"`
}

// WaitNavigationParams waits for the page URL to change, optionally to one
// containing To.
type WaitNavigationParams struct {
	To        string `json:"to,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// WaitNavigationResult holds the URL before and after.
type WaitNavigationResult struct {
	From string `json:"from"`
	URL  string `json:"url"`
}

// jsNetworkMonitor counts in-flight fetch and XHR requests on window. It is
// installed once per document.
const jsNetworkMonitor = `
if (!window.__webprobe_net) {
  var net = window.__webprobe_net = {pending: 0, last: Date.now(), log: []};
  var note = function(kind, url, status) {
    net.last = Date.now();
    if (net.log.length < 200) net.log.push(kind + " " + status + " " + String(url));
  };
  if (window.fetch) {
    var origFetch = window.fetch;
    window.fetch = function(input, init) {
      var url = typeof input === "string" ? input : (input && input.url) || "";
      net.pending++; note("fetch", url, "started");
      return origFetch.apply(this, arguments).then(function(resp) {
        net.pending--; note("fetch", url, "completed"); return resp;
      }, function(err) {
        net.pending--; note("fetch", url, "failed"); throw err;
      });
    };
  }
  var XHR = XMLHttpRequest.prototype;
  var origOpen = XHR.open, origSend = XHR.send;
  XHR.open = function(method, url) { this.__webprobe_url = url; return origOpen.apply(this, arguments); };
  XHR.send = function() {
    var xhr = this, url = xhr.__webprobe_url;
    net.pending++; note("xhr", url, "started");
    xhr.addEventListener("loadend", function() { net.pending--; note("xhr", url, "completed"); });
    return origSend.apply(this, arguments);
  };
}
`

func idleProbeScript() string {
	return wrapJSEval(jsNetworkMonitor + `
var n = window.__webprobe_net;
return JSON.stringify({ok:true,data:{
  ready: document.readyState === "complete",
  pending: Math.max(0, n.pending),
  quiet_ms: Date.now() - n.last,
  log: n.log
}});`)
}

type idleProbe struct {
	Ready   bool     `json:"ready"`
	Pending int      `json:"pending"`
	QuietMS int64    `json:"quiet_ms"`
	Log     []string `json:"log"`
}

// WaitIdle polls until the document has loaded and no fetch or XHR has been
// in flight for the idle time. Running out of time is not an error; the
// result then has Idle false.
func WaitIdle(ctx context.Context, page Page, p WaitIdleParams) (WaitIdleResult, error) {
	timeout := msOrDefault(p.TimeoutMS, DefaultIdleTimeout)
	idle := msOrDefault(p.IdleTimeMS, DefaultIdleTime)
	if idle > timeout {
		return WaitIdleResult{}, browser.Validation("idle time must not exceed timeout")
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var last idleProbe
	for {
		if err := run(ctx, page, idleProbeScript(), &last); err != nil {
			return WaitIdleResult{}, err
		}
		if last.Ready && last.Pending == 0 && time.Duration(last.QuietMS)*time.Millisecond >= idle {
			return WaitIdleResult{Idle: true, ElapsedMS: time.Since(start).Milliseconds(), Log: last.Log}, nil
		}
		if !time.Now().Add(idlePoll).Before(deadline) {
			return WaitIdleResult{
				Idle:      false,
				ElapsedMS: time.Since(start).Milliseconds(),
				Pending:   last.Pending,
				Log:       last.Log,
			}, nil
		}
		if err := sleepCtx(ctx, idlePoll); err != nil {
			return WaitIdleResult{}, browser.SessionError("wait for idle interrupted", err)
		}
	}
}

// WaitNavigation polls the page URL until it differs from the URL at the
// start and, when To is set, contains it.
func WaitNavigation(ctx context.Context, page Page, p WaitNavigationParams) (WaitNavigationResult, error) {
	timeout := msOrDefault(p.TimeoutMS, DefaultNavigationTimeout)

	from, err := currentURL(ctx, page)
	if err != nil {
		return WaitNavigationResult{}, err
	}

	deadline := time.Now().Add(timeout)
	current := from
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, navigationPoll); err != nil {
			return WaitNavigationResult{}, browser.SessionError("wait for navigation interrupted", err)
		}
		current, err = currentURL(ctx, page)
		if err != nil {
			// The document may be mid-unload; try again on the next tick.
			if browser.IsTimeout(err) {
				return WaitNavigationResult{}, err
			}
			current = from
			continue
		}
		if current != from && (p.To == "" || strings.Contains(current, p.To)) {
			page.SetURL(current)
			return WaitNavigationResult{From: from, URL: current}, nil
		}
	}
	return WaitNavigationResult{}, browser.SessionError(
		fmt.Sprintf("navigation timeout after %s, still at %s", timeout, current),
		context.DeadlineExceeded,
	)
}

func currentURL(ctx context.Context, page Page) (string, error) {
	raw, err := page.Evaluate(ctx, locationScript)
	if err != nil {
		return "", err
	}
	var href string
	if err := json.Unmarshal(raw, &href); err != nil {
		return "", browser.NewError(browser.CodeProtocol, "invalid location value", err)
	}
	return href, nil
}

func msOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
