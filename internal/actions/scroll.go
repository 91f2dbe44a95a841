package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// ScrollParams scrolls the window, or the element matching Selector, either
// by a relative amount or to an absolute position.
type ScrollParams struct {
	Selector string `json:"selector,omitempty"`
	ByX      int    `json:"by_x,omitempty"`
	ByY      int    `json:"by_y,omitempty"`
	// To is "top", "bottom" or "x,y". It wins over ByX/ByY.
	To string `json:"to,omitempty"`
}

// ScrollResult is the scroll offset after scrolling.
type ScrollResult struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// scrollTarget turns To into a JS argument list, or "" for a relative scroll.
func scrollTarget(to string) (string, error) {
	switch to = strings.TrimSpace(strings.ToLower(to)); to {
	case "":
		return "", nil
	case "top":
		return "0, 0", nil
	case "bottom":
		return "0, _height", nil
	}
	parts := strings.Split(to, ",")
	if len(parts) != 2 {
		return "", browser.Validation(fmt.Sprintf("invalid scroll position %q. Use 'x,y' or 'top'/'bottom'", to))
	}
	x, errX := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errX != nil || errY != nil {
		return "", browser.Validation(fmt.Sprintf("invalid scroll position %q. Use 'x,y' or 'top'/'bottom'", to))
	}
	return jsJSON(x) + ", " + jsJSON(y), nil
}

func scrollScript(selector string, shadow bool, target string, byX, byY int) string {
	call := "scrollBy(" + jsJSON(byX) + ", " + jsJSON(byY) + ")"
	if target != "" {
		call = "scrollTo(" + target + ")"
	}
	return wrapJSEval(jsCollect + `
var sel = ` + jsString(selector) + `;
if (sel === "") {
  var _height = document.documentElement.scrollHeight;
  window.` + call + `;
  return JSON.stringify({ok:true,data:{x:window.scrollX,y:window.scrollY}});
}
var els = _collect(sel, ` + jsJSON(shadow) + `);
if (els.length === 0) {
  return JSON.stringify({ok:false,error_code:"` + codeNotFound + `",error_message:"element not found for selector " + sel});
}
var el = els[0];
var _height = el.scrollHeight;
el.` + call + `;
return JSON.stringify({ok:true,data:{x:el.scrollLeft,y:el.scrollTop}});`)
}

// Scroll scrolls the page or an element and reports the resulting offset.
func Scroll(ctx context.Context, page Page, p ScrollParams) (ScrollResult, error) {
	target, err := scrollTarget(p.To)
	if err != nil {
		return ScrollResult{}, err
	}
	selector, shadow := splitShadow(p.Selector)

	var res ScrollResult
	err = withFindRetry(ctx, func() error {
		return run(ctx, page, scrollScript(selector, shadow, target, p.ByX, p.ByY), &res)
	})
	return res, err
}
