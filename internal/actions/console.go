package actions

import (
	"context"
	"fmt"
	"time"
)

// consoleLimit caps the messages a page keeps; the oldest go first.
const consoleLimit = 1000

// consoleSettle lets late asynchronous output land before Console reads.
var consoleSettle = 500 * time.Millisecond

// ConsoleMessage is one captured console call or uncaught error.
type ConsoleMessage struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ConsoleParams controls a read of the captured console.
type ConsoleParams struct {
	// Clear empties the page's buffer once read.
	Clear bool `json:"clear,omitempty"`
}

// ConsoleResult holds what the page logged since capture started.
// Started is true when capture began with this call, so nothing older
// than the call could be seen.
type ConsoleResult struct {
	Started  bool             `json:"started"`
	Messages []ConsoleMessage `json:"messages"`
}

// jsConsoleHook wraps the console methods once per document and sets
// fresh when it did so.
var jsConsoleHook = `
var w = window;
var fresh = !w.__webprobe_console;
if (fresh) {
  w.__webprobe_console = [];
  var push = function(level, args) {
    var parts = [];
    for (var i = 0; i < args.length; i++) {
      var a = args[i];
      if (a !== null && typeof a === "object") {
        try { parts.push(JSON.stringify(a)); } catch (e) { parts.push(String(a)); }
      } else {
        parts.push(String(a));
      }
    }
    w.__webprobe_console.push({level: level, message: parts.join(" "), timestamp: new Date().toISOString()});
    if (w.__webprobe_console.length > ` + fmt.Sprint(consoleLimit) + `) w.__webprobe_console.shift();
  };
  ["log", "info", "warn", "error", "debug"].forEach(function(level) {
    var orig = console[level];
    console[level] = function() {
      push(level, arguments);
      if (orig) return orig.apply(console, arguments);
    };
  });
  w.addEventListener("error", function(e) {
    push("error", ["Uncaught " + (e.error || e.message) + " at " + e.filename + ":" + e.lineno + ":" + e.colno]);
  });
  w.addEventListener("unhandledrejection", function(e) {
    push("error", ["Unhandled Promise Rejection: " + e.reason]);
  });
}
`

func consoleStartScript() string {
	return wrapJSEval(jsConsoleHook + `return JSON.stringify({ok:true,data:{started:fresh,messages:[]}});`)
}

func consoleReadScript(clear bool) string {
	return wrapJSEval(jsConsoleHook + `
var msgs = w.__webprobe_console.slice();
if (` + jsJSON(clear) + `) w.__webprobe_console.length = 0;
return JSON.stringify({ok:true,data:{started:fresh,messages:msgs}});`)
}

// StartConsoleCapture hooks the page's console unless it already is. A
// navigation loads a new document, which starts without the hook.
func StartConsoleCapture(ctx context.Context, page Page) (bool, error) {
	var res ConsoleResult
	if err := run(ctx, page, consoleStartScript(), &res); err != nil {
		return false, err
	}
	return res.Started, nil
}

// Console returns the messages captured in the page, starting capture when
// the page has none yet.
func Console(ctx context.Context, page Page, p ConsoleParams) (ConsoleResult, error) {
	if err := sleepCtx(ctx, consoleSettle); err != nil {
		return ConsoleResult{}, err
	}
	var res ConsoleResult
	if err := run(ctx, page, consoleReadScript(p.Clear), &res); err != nil {
		return ConsoleResult{}, err
	}
	if res.Messages == nil {
		res.Messages = []ConsoleMessage{}
	}
	return res, nil
}
