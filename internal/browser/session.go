package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Handle identifies a browser-native tab inside one Session.
type Handle string

// ScreenshotOptions selects the image format returned by Session.Screenshot.
type ScreenshotOptions struct {
	Format   string // "png" or "jpeg"
	Quality  int
	FullPage bool
}

// Viewport is a tab's layout viewport size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (v Viewport) String() string { return fmt.Sprintf("%dx%d", v.Width, v.Height) }

// ParseViewport reads "1280x720". A comma works as the separator too, as in
// WEBPROBE_WINDOW_SIZE.
func ParseViewport(s string) (Viewport, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		w, h, ok = strings.Cut(s, ",")
	}
	var v Viewport
	if ok {
		var errW, errH error
		v.Width, errW = strconv.Atoi(strings.TrimSpace(w))
		v.Height, errH = strconv.Atoi(strings.TrimSpace(h))
		ok = errW == nil && errH == nil
	}
	if !ok || v.Width <= 0 || v.Height <= 0 {
		return Viewport{}, Validation(fmt.Sprintf("invalid viewport %q: use WIDTHxHEIGHT, e.g. 1280x720", s))
	}
	return v, nil
}

// Session is one running browser instance reachable through an automation
// protocol. Implementations must be safe for concurrent use across handles.
type Session interface {
	OpenTab(ctx context.Context) (Handle, error)
	CloseTab(ctx context.Context, h Handle) error
	Navigate(ctx context.Context, h Handle, url string) error
	// Evaluate runs script in the page and returns its JSON-encoded value.
	Evaluate(ctx context.Context, h Handle, script string) (json.RawMessage, error)
	Screenshot(ctx context.Context, h Handle, opts ScreenshotOptions) ([]byte, error)
	// Click dispatches a trusted left click at viewport coordinates.
	Click(ctx context.Context, h Handle, x, y float64) error
	// InsertText types text into the focused element.
	InsertText(ctx context.Context, h Handle, text string) error
	// PressKey sends a named key such as "Enter" or "Tab".
	PressKey(ctx context.Context, h Handle, key string) error
	// SetViewport overrides the tab's layout viewport size in CSS pixels.
	SetViewport(ctx context.Context, h Handle, v Viewport) error
	IsAlive(ctx context.Context) bool
	Close() error
}

// KeyDef describes how a named key is sent through the DevTools protocol.
type KeyDef struct {
	Key     string
	Code    string
	KeyCode int
	Text    string
}

var keyDefs = map[string]KeyDef{
	"enter":      {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"tab":        {Key: "Tab", Code: "Tab", KeyCode: 9},
	"escape":     {Key: "Escape", Code: "Escape", KeyCode: 27},
	"backspace":  {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"delete":     {Key: "Delete", Code: "Delete", KeyCode: 46},
	"arrowup":    {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"arrowdown":  {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"arrowleft":  {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"arrowright": {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"pageup":     {Key: "PageUp", Code: "PageUp", KeyCode: 33},
	"pagedown":   {Key: "PageDown", Code: "PageDown", KeyCode: 34},
	"home":       {Key: "Home", Code: "Home", KeyCode: 36},
	"end":        {Key: "End", Code: "End", KeyCode: 35},
	"space":      {Key: " ", Code: "Space", KeyCode: 32, Text: " "},
}

// LookupKey resolves a key name case-insensitively.
func LookupKey(name string) (KeyDef, bool) {
	def, ok := keyDefs[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

// Factory creates the Session that serves one profile.
type Factory func(ctx context.Context, profile string) (Session, error)

// Backend names accepted by --browser.
const (
	BackendChrome   = "chrome"
	BackendChromedp = "chromedp"
	BackendFirefox  = "firefox"
	BackendWebKit   = "webkit"
)

// Well-known profile names.
const (
	DefaultProfile = "default"
	// OneShotProfile holds tabs that live for a single command.
	OneShotProfile = "oneshot"
)

// Options is the common launch configuration shared by every backend.
type Options struct {
	Backend    string
	Headless   bool
	WindowSize string
	// CDPURL attaches the chrome backend to an already running browser
	// instead of launching one per profile.
	CDPURL string
	// DataDir returns the persistent user data directory for a profile. An
	// empty result means a throwaway directory removed on Close.
	DataDir func(profile string) string
	// Output receives launched browsers' stdout and stderr.
	Output io.Writer
}

// ProfileDataDir resolves the user data directory for profile. When no
// persistent directory applies it creates a temporary one and returns a
// cleanup function that removes it.
func (o Options) ProfileDataDir(profile string) (string, func(), error) {
	if o.DataDir != nil && profile != OneShotProfile {
		if dir := o.DataDir(profile); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", nil, fmt.Errorf("create profile dir: %w", err)
			}
			return dir, func() {}, nil
		}
	}
	dir, err := os.MkdirTemp("", "webprobe-"+profile+"-")
	if err != nil {
		return "", nil, fmt.Errorf("create temp profile dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
