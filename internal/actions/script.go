// Package actions holds the per-command page logic: the scripts each
// handler runs in a tab and the Go side that interprets their results.
package actions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Page is what a handler needs from a tab. *tabs.Page implements it.
type Page interface {
	Evaluate(ctx context.Context, script string) (json.RawMessage, error)
	Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error)
	Click(ctx context.Context, x, y float64) error
	InsertText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	URL() string
	SetURL(url string)
}

// Script error codes reported through the envelope.
const (
	codeEvalFailure = "EVAL_FAILURE"
	codeNotFound    = browser.CodeNotFound
	codeValidation  = browser.CodeValidation
)

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// jsCollect defines _collect(sel, shadow): every match of sel in the
// document, optionally descending into open shadow roots.
const jsCollect = `
function _collect(sel, shadow) {
  var out = [];
  var walk = function(root) {
    var found = root.querySelectorAll(sel);
    for (var i = 0; i < found.length; i++) out.push(found[i]);
    if (!shadow) return;
    var all = root.querySelectorAll("*");
    for (var j = 0; j < all.length; j++) if (all[j].shadowRoot) walk(all[j].shadowRoot);
  };
  walk(document);
  return out;
}
`

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func buildIIFE(async bool, body string) string {
	prefix := "(function(){\n"
	if async {
		prefix = "(async function(){\n"
	}
	return prefix + `try {
` + body + `
} catch (err) {
var code = err && err.name === "SyntaxError" ? "` + codeValidation + `" : "` + codeEvalFailure + `";
return JSON.stringify({ok:false,error_code:code,error_message:String(err && err.message || err)});
}
})()`
}

func wrapJSEval(body string) string      { return buildIIFE(false, body) }
func wrapJSEvalAsync(body string) string { return buildIIFE(true, body) }

// run evaluates an enveloped script and decodes its data into out.
func run(ctx context.Context, p Page, js string, out any) error {
	raw, err := p.Evaluate(ctx, js)
	if err != nil {
		return err
	}
	return decode(raw, out)
}

// decode accepts the envelope either as a JSON string (what the scripts
// return) or as an object.
func decode(raw json.RawMessage, out any) error {
	body := []byte(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		body = []byte(s)
	}

	var env evalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return browser.NewError(browser.CodeProtocol, "invalid evaluation envelope", err)
	}
	if !env.OK {
		switch env.ErrorCode {
		case codeNotFound:
			return browser.NotFound(env.ErrorMessage)
		case codeValidation:
			return browser.Validation(env.ErrorMessage)
		default:
			return browser.SessionError("page script failed: "+env.ErrorMessage, nil)
		}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return browser.NewError(browser.CodeProtocol, "invalid evaluation data", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Element lookups retry with doubling delays while the page settles.
var (
	findRetries = 3
	findDelay   = 500 * time.Millisecond
)

// withFindRetry reruns fn while it reports NOT_FOUND.
func withFindRetry(ctx context.Context, fn func() error) error {
	delay := findDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !browser.HasCode(err, browser.CodeNotFound) || attempt >= findRetries {
			return err
		}
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return err
		}
		delay *= 2
	}
}

// splitShadow strips the ">>>" prefix that asks for a shadow DOM search.
func splitShadow(selector string) (string, bool) {
	if rest, ok := strings.CutPrefix(selector, ">>>"); ok {
		return strings.TrimSpace(rest), true
	}
	return selector, false
}
