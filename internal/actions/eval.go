package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// EvalParams runs caller-supplied JavaScript in the page.
type EvalParams struct {
	Script string `json:"script"`
}

// Eval evaluates the script and returns its JSON value. Promises are awaited
// by the session.
func Eval(ctx context.Context, page Page, p EvalParams) (json.RawMessage, error) {
	if strings.TrimSpace(p.Script) == "" {
		return nil, browser.Validation("script is required")
	}
	return page.Evaluate(ctx, p.Script)
}

// ScreenshotParams selects the image produced by Screenshot.
type ScreenshotParams struct {
	Format   string `json:"format,omitempty"`
	Quality  int    `json:"quality,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
}

// Options validates the params and converts them for browser.Session.
func (p ScreenshotParams) Options() (browser.ScreenshotOptions, error) {
	format := strings.ToLower(p.Format)
	switch format {
	case "", "png":
		format = "png"
	case "jpg", "jpeg":
		format = "jpeg"
	default:
		return browser.ScreenshotOptions{}, browser.Validation("unsupported screenshot format " + p.Format)
	}
	if p.Quality < 0 || p.Quality > 100 {
		return browser.ScreenshotOptions{}, browser.Validation("quality must be between 0 and 100")
	}
	return browser.ScreenshotOptions{Format: format, Quality: p.Quality, FullPage: p.FullPage}, nil
}

// Screenshot captures the page as the browser encodes it.
func Screenshot(ctx context.Context, page Page, p ScreenshotParams) ([]byte, string, error) {
	opts, err := p.Options()
	if err != nil {
		return nil, "", err
	}
	data, err := page.Screenshot(ctx, opts)
	if err != nil {
		return nil, "", err
	}
	return data, opts.Format, nil
}
