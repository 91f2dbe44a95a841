package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// maxInspected caps how many matches one inspect call describes.
const maxInspected = 500

// InspectParams selects which matches of Selector to describe.
type InspectParams struct {
	Selector string `json:"selector"`
	// All returns every match; Index returns one; neither returns the first.
	All       bool `json:"all,omitempty"`
	Index     *int `json:"index,omitempty"`
	ExpectOne bool `json:"expect_one,omitempty"`
	// Browser is echoed into each result.
	Browser string `json:"browser,omitempty"`
}

// ElementInfo describes one matched element.
type ElementInfo struct {
	Selector       string           `json:"selector"`
	Browser        string           `json:"browser"`
	Position       Position         `json:"position"`
	Size           Size             `json:"size"`
	ComputedStyles map[string]any   `json:"computed_styles"`
	TextContent    *string          `json:"text_content,omitempty"`
	ChildrenCount  int              `json:"children_count"`
	Metadata       *ElementMetadata `json:"metadata,omitempty"`
}

// ElementMetadata explains a single result picked from several matches.
type ElementMetadata struct {
	TotalMatches  int    `json:"total_matches"`
	ReturnedIndex int    `json:"returned_index"`
	Warning       string `json:"warning,omitempty"`
}

type Position struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Unit string  `json:"unit"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   string  `json:"unit"`
}

type inspectedElement struct {
	Tag        string  `json:"tag"`
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Display    string  `json:"display"`
	Visibility string  `json:"visibility"`
	Visible    bool    `json:"visible"`
	Text       string  `json:"text"`
	Children   int     `json:"children"`
}

type inspectResult struct {
	Total int                `json:"total"`
	Items []inspectedElement `json:"items"`
}

func inspectScript(selector string, shadow bool) string {
	return wrapJSEval(jsCollect + `
var sel = ` + jsString(selector) + `;
var els = _collect(sel, ` + jsJSON(shadow) + `);
if (els.length === 0) {
  return JSON.stringify({ok:false,error_code:"` + codeNotFound + `",error_message:"no elements found matching selector " + sel});
}
var items = [];
for (var i = 0; i < els.length && i < ` + fmt.Sprint(maxInspected) + `; i++) {
  var el = els[i];
  var r = el.getBoundingClientRect();
  var cs = window.getComputedStyle(el);
  var tag = el.tagName.toLowerCase();
  var type = tag === "input" ? String(el.getAttribute("type") || "text").toLowerCase() : "";
  var text = type === "password" ? "[REDACTED]" : String(el.innerText != null ? el.innerText : (el.textContent || "")).trim();
  items.push({
    tag: tag, type: type,
    x: r.left + window.scrollX, y: r.top + window.scrollY,
    width: r.width, height: r.height,
    display: cs.display, visibility: cs.visibility,
    visible: r.width > 0 && r.height > 0 && cs.display !== "none" && cs.visibility !== "hidden",
    text: text, children: el.children.length
  });
}
return JSON.stringify({ok:true,data:{total:els.length,items:items}});`)
}

// Inspect reports position, size and a few styles of the elements matching
// p.Selector.
func Inspect(ctx context.Context, page Page, p InspectParams) ([]ElementInfo, error) {
	if p.Selector == "" {
		return nil, browser.Validation("selector is required")
	}
	if p.Index != nil && *p.Index < 0 {
		return nil, browser.Validation("index must not be negative")
	}
	selector, shadow := splitShadow(p.Selector)

	var res inspectResult
	err := withFindRetry(ctx, func() error {
		return run(ctx, page, inspectScript(selector, shadow), &res)
	})
	if err != nil {
		return nil, err
	}

	total := res.Total
	if total > 1 && p.ExpectOne {
		return nil, browser.Validation(fmt.Sprintf("expected exactly one element matching %q, but found %d", p.Selector, total))
	}

	var picked []int
	switch {
	case p.Index != nil:
		if *p.Index >= len(res.Items) {
			return nil, browser.Validation(fmt.Sprintf("index %d out of bounds. Found %d elements matching %q", *p.Index, total, p.Selector))
		}
		picked = []int{*p.Index}
	case p.All:
		for i := range res.Items {
			picked = append(picked, i)
		}
	default:
		if total > 1 {
			slog.Info("multiple elements match, returning first", "selector", p.Selector, "matches", total)
		}
		picked = []int{0}
	}

	out := make([]ElementInfo, 0, len(picked))
	for _, i := range picked {
		el := res.Items[i]
		styles := map[string]any{
			"display":    el.Display,
			"visibility": el.Visibility,
			"tag":        el.Tag,
		}
		if el.Type != "" {
			styles["type"] = el.Type
		}
		if p.All || p.Index != nil {
			styles["index"] = i
		}
		text := el.Text
		info := ElementInfo{
			Selector:       p.Selector,
			Browser:        p.Browser,
			Position:       Position{X: el.X, Y: el.Y, Unit: "px"},
			Size:           Size{Width: el.Width, Height: el.Height, Unit: "px"},
			ComputedStyles: styles,
			TextContent:    &text,
			ChildrenCount:  el.Children,
		}
		if total > 1 && !p.All {
			md := &ElementMetadata{TotalMatches: total, ReturnedIndex: i}
			if p.Index == nil {
				md.Warning = fmt.Sprintf("%d elements match %q. Showing first. Use --all to see all.", total, p.Selector)
			}
			info.Metadata = md
		}
		out = append(out, info)
	}
	return out, nil
}
