package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// ClickParams picks the element to click.
type ClickParams struct {
	Selector string `json:"selector"`
	Index    *int   `json:"index,omitempty"`
}

// ClickResult reports where the click landed and the page URL afterwards.
type ClickResult struct {
	Selector string  `json:"selector"`
	Index    int     `json:"index"`
	Tag      string  `json:"tag"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	URL      string  `json:"url,omitempty"`
}

// TypeParams describes text entry into an element.
type TypeParams struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	// Clear empties the field before typing.
	Clear bool `json:"clear,omitempty"`
	// Key is pressed after the text, e.g. "enter".
	Key string `json:"key,omitempty"`
}

// TypeResult reports what was typed into.
type TypeResult struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Password bool   `json:"password"`
	Typed    int    `json:"typed"`
	URL      string `json:"url,omitempty"`
}

type elementPoint struct {
	Tag   string  `json:"tag"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Total int     `json:"total"`
}

// locateScript scrolls the chosen match into view and returns the viewport
// coordinates of its center.
func locateScript(selector string, shadow bool, index int) string {
	return wrapJSEval(jsCollect + `
var sel = ` + jsString(selector) + `;
var idx = ` + jsJSON(index) + `;
var els = _collect(sel, ` + jsJSON(shadow) + `);
if (els.length === 0) {
  return JSON.stringify({ok:false,error_code:"` + codeNotFound + `",error_message:"element not found for selector " + sel});
}
if (idx >= els.length) {
  return JSON.stringify({ok:false,error_code:"` + codeValidation + `",error_message:"index " + idx + " out of bounds. Found " + els.length + " elements matching " + sel});
}
var el = els[idx];
el.scrollIntoView({block:"center",inline:"center"});
var r = el.getBoundingClientRect();
if (r.width === 0 && r.height === 0) {
  return JSON.stringify({ok:false,error_code:"` + codeValidation + `",error_message:"element is not visible: " + sel});
}
return JSON.stringify({ok:true,data:{tag:el.tagName.toLowerCase(),x:r.left + r.width / 2,y:r.top + r.height / 2,total:els.length}});`)
}

func focusScript(selector string, shadow, clear bool) string {
	return wrapJSEval(jsCollect + `
var sel = ` + jsString(selector) + `;
var els = _collect(sel, ` + jsJSON(shadow) + `);
if (els.length === 0) {
  return JSON.stringify({ok:false,error_code:"` + codeNotFound + `",error_message:"element not found for selector " + sel});
}
var el = els[0];
el.scrollIntoView({block:"center"});
el.focus();
if (` + jsJSON(clear) + `) {
  if ("value" in el) {
    el.value = "";
    el.dispatchEvent(new Event("input", {bubbles:true}));
  } else if (el.isContentEditable) {
    el.textContent = "";
  }
}
var active = document.activeElement;
if (active !== el && !(el.contains && el.contains(active)) && !(el.shadowRoot && el.shadowRoot.activeElement)) {
  return JSON.stringify({ok:false,error_code:"` + codeValidation + `",error_message:"element cannot take focus: " + sel});
}
var tag = el.tagName.toLowerCase();
var pw = tag === "input" && String(el.getAttribute("type") || "").toLowerCase() === "password";
return JSON.stringify({ok:true,data:{tag:tag,password:pw}});`)
}

const locationScript = `location.href`

// Click scrolls the element into view and clicks its center with a trusted
// mouse event.
func Click(ctx context.Context, page Page, p ClickParams) (ClickResult, error) {
	if p.Selector == "" {
		return ClickResult{}, browser.Validation("selector is required")
	}
	index := 0
	if p.Index != nil {
		if *p.Index < 0 {
			return ClickResult{}, browser.Validation("index must not be negative")
		}
		index = *p.Index
	}
	selector, shadow := splitShadow(p.Selector)

	var pt elementPoint
	err := withFindRetry(ctx, func() error {
		return run(ctx, page, locateScript(selector, shadow, index), &pt)
	})
	if err != nil {
		return ClickResult{}, err
	}
	if err := page.Click(ctx, pt.X, pt.Y); err != nil {
		return ClickResult{}, err
	}

	return ClickResult{
		Selector: p.Selector,
		Index:    index,
		Tag:      pt.Tag,
		X:        pt.X,
		Y:        pt.Y,
		URL:      refreshURL(ctx, page),
	}, nil
}

// Type focuses the element and inserts the text as if typed.
func Type(ctx context.Context, page Page, p TypeParams) (TypeResult, error) {
	if p.Selector == "" {
		return TypeResult{}, browser.Validation("selector is required")
	}
	if p.Key != "" {
		if _, ok := browser.LookupKey(p.Key); !ok {
			return TypeResult{}, browser.Validation(fmt.Sprintf("unsupported key %q", p.Key))
		}
	}
	selector, shadow := splitShadow(p.Selector)

	var focused struct {
		Tag      string `json:"tag"`
		Password bool   `json:"password"`
	}
	err := withFindRetry(ctx, func() error {
		return run(ctx, page, focusScript(selector, shadow, p.Clear), &focused)
	})
	if err != nil {
		return TypeResult{}, err
	}
	if focused.Password {
		slog.Info("typing into password field", "selector", p.Selector)
	}

	if p.Text != "" {
		if err := page.InsertText(ctx, p.Text); err != nil {
			return TypeResult{}, err
		}
	}
	res := TypeResult{
		Selector: p.Selector,
		Tag:      focused.Tag,
		Password: focused.Password,
		Typed:    len([]rune(p.Text)),
	}
	if p.Key != "" {
		if err := page.PressKey(ctx, p.Key); err != nil {
			return TypeResult{}, err
		}
		res.URL = refreshURL(ctx, page)
	}
	return res, nil
}

// refreshURL records where the page ended up after input that may have
// followed a link. Failures leave the recorded URL alone.
func refreshURL(ctx context.Context, page Page) string {
	raw, err := page.Evaluate(ctx, locationScript)
	if err != nil {
		slog.Debug("read location after input failed", "error", err)
		return page.URL()
	}
	var href string
	if json.Unmarshal(raw, &href) != nil || href == "" {
		return page.URL()
	}
	page.SetURL(href)
	return href
}
