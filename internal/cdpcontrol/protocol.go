package cdpcontrol

import (
	"context"
	"fmt"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json/jsontext"
)

func (c *cdpConn) createTarget(ctx context.Context, url string) (target.ID, error) {
	var res target.CreateTargetReturns
	if err := c.call(ctx, "", target.CommandCreateTarget, target.CreateTarget(url), &res); err != nil {
		return "", err
	}
	if res.TargetID == "" {
		return "", fmt.Errorf("cdp: %s returned no target id", target.CommandCreateTarget)
	}
	return res.TargetID, nil
}

func (c *cdpConn) closeTarget(ctx context.Context, id target.ID) error {
	return c.call(ctx, "", target.CommandCloseTarget, target.CloseTarget(id), nil)
}

// attachToTarget opens a flattened session on the target and returns its id.
func (c *cdpConn) attachToTarget(ctx context.Context, id target.ID) (string, error) {
	var res target.AttachToTargetReturns
	params := target.AttachToTarget(id).WithFlatten(true)
	if err := c.call(ctx, "", target.CommandAttachToTarget, params, &res); err != nil {
		return "", err
	}
	return string(res.SessionID), nil
}

// detachFromTarget leaves the target itself open.
func (c *cdpConn) detachFromTarget(ctx context.Context, sessionID string) error {
	params := target.DetachFromTarget().WithSessionID(target.SessionID(sessionID))
	return c.call(ctx, "", target.CommandDetachFromTarget, params, nil)
}

func (c *cdpConn) enablePageDomain(ctx context.Context, sessionID string) error {
	return c.call(ctx, sessionID, page.CommandEnable, page.Enable(), nil)
}

func (c *cdpConn) handleJavaScriptDialog(ctx context.Context, sessionID string, accept bool) error {
	return c.call(ctx, sessionID, page.CommandHandleJavaScriptDialog, page.HandleJavaScriptDialog(accept), nil)
}

// getVersion doubles as the liveness check.
func (c *cdpConn) getVersion(ctx context.Context) error {
	return c.call(ctx, "", cdpbrowser.CommandGetVersion, cdpbrowser.GetVersion(), nil)
}

// evaluate runs js with promises awaited and returns its JSON value. A
// thrown exception becomes an error carrying its description.
func (c *cdpConn) evaluate(ctx context.Context, sessionID, js string) (jsontext.Value, error) {
	params := runtime.Evaluate(js).WithReturnByValue(true).WithAwaitPromise(true)
	var res struct {
		Result struct {
			Value jsontext.Value `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := c.call(ctx, sessionID, runtime.CommandEvaluate, params, &res); err != nil {
		return nil, err
	}
	if ex := res.ExceptionDetails; ex != nil {
		reason := ex.Text
		if ex.Exception != nil && ex.Exception.Description != "" {
			reason = ex.Exception.Description
		}
		return nil, fmt.Errorf("cdp: script threw: %s", reason)
	}
	if len(res.Result.Value) == 0 {
		return jsontext.Value("null"), nil
	}
	return res.Result.Value, nil
}

// navigate returns once the page fires its load event. A navigation
// without a loader id stayed within the document and returns immediately.
func (c *cdpConn) navigate(ctx context.Context, sessionID, url string) error {
	loaded := make(chan struct{}, 1)
	off := c.on("Page.loadEventFired", func(sid string, _ jsontext.Value) {
		if sid != sessionID {
			return
		}
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer off()

	var res page.NavigateReturns
	if err := c.call(ctx, sessionID, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("cdp: load %s: %s", url, res.ErrorText)
	}
	if res.LoaderID == "" {
		return nil
	}
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchMouseClick presses and releases the left button at x, y.
func (c *cdpConn) dispatchMouseClick(ctx context.Context, sessionID string, x, y float64) error {
	for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
		ev := input.DispatchMouseEvent(typ, x, y).WithButton(input.Left).WithClickCount(1)
		if err := c.call(ctx, sessionID, input.CommandDispatchMouseEvent, ev, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *cdpConn) insertText(ctx context.Context, sessionID, text string) error {
	return c.call(ctx, sessionID, input.CommandInsertText, input.InsertText(text), nil)
}

// dispatchKeyEvent sends a down/up pair. A key without text goes down as a
// raw key so it produces no character.
func (c *cdpConn) dispatchKeyEvent(ctx context.Context, sessionID, key, code, text string, keyCode int) error {
	downType := input.KeyDown
	if text == "" {
		downType = input.KeyRawDown
	}
	down := input.DispatchKeyEvent(downType).
		WithKey(key).
		WithCode(code).
		WithWindowsVirtualKeyCode(int64(keyCode))
	if text != "" {
		down = down.WithText(text)
	}
	if err := c.call(ctx, sessionID, input.CommandDispatchKeyEvent, down, nil); err != nil {
		return err
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(key).
		WithCode(code).
		WithWindowsVirtualKeyCode(int64(keyCode))
	return c.call(ctx, sessionID, input.CommandDispatchKeyEvent, up, nil)
}

// captureScreenshot returns the base64 image data as sent by the browser.
func (c *cdpConn) captureScreenshot(ctx context.Context, sessionID, format string, quality int, fullPage bool) (string, error) {
	params := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormat(format)).
		WithFromSurface(true).
		WithCaptureBeyondViewport(fullPage)
	if format == "jpeg" && quality > 0 {
		params = params.WithQuality(int64(quality))
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := c.call(ctx, sessionID, page.CommandCaptureScreenshot, params, &res); err != nil {
		return "", err
	}
	return res.Data, nil
}

// setDeviceMetrics pins the layout viewport at scale 1 on a desktop device.
func (c *cdpConn) setDeviceMetrics(ctx context.Context, sessionID string, width, height int) error {
	params := emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false)
	return c.call(ctx, sessionID, emulation.CommandSetDeviceMetricsOverride, params, nil)
}
