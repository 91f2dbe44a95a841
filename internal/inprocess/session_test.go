package inprocess

import (
	"context"
	"testing"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

func TestParseWindowSize(t *testing.T) {
	tests := []struct {
		in     string
		w, h   int
		wantOK bool
	}{
		{"1920,1080", 1920, 1080, true},
		{"1280x720", 1280, 720, true},
		{" 800 , 600 ", 800, 600, true},
		{"", 0, 0, false},
		{"1920", 0, 0, false},
		{"0,100", 0, 0, false},
		{"a,b", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, ok := parseWindowSize(tt.in)
		if w != tt.w || h != tt.h || ok != tt.wantOK {
			t.Fatalf("parseWindowSize(%q) = %d, %d, %v; want %d, %d, %v", tt.in, w, h, ok, tt.w, tt.h, tt.wantOK)
		}
	}
}

func TestSessionUnknownHandle(t *testing.T) {
	s := &Session{tabs: map[browser.Handle]*TabContext{}, cleanup: func() {}}
	if err := s.Navigate(context.Background(), "missing", "about:blank"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("Navigate() error = %v; want %s", err, browser.CodeNotFound)
	}
	if err := s.CloseTab(context.Background(), "missing"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("CloseTab() error = %v; want %s", err, browser.CodeNotFound)
	}
	if err := s.PressKey(context.Background(), "missing", "hyper"); !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("PressKey() error = %v; want %s", err, browser.CodeValidation)
	}
}

// TestSessionAgainstChrome needs a local Chrome or Chromium.
func TestSessionAgainstChrome(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if _, err := browser.DetectBrowser(); err != nil {
		t.Skipf("no browser available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s, err := New(ctx, browser.Options{Headless: true}, browser.OneShotProfile)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	h, err := s.OpenTab(ctx)
	if err != nil {
		t.Fatalf("OpenTab() error = %v", err)
	}
	if err := s.Navigate(ctx, h, "data:text/html,<title>greeting</title><p>hi</p>"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	raw, err := s.Evaluate(ctx, h, "document.title")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if string(raw) != `"greeting"` {
		t.Fatalf("Evaluate() = %s; want %q", raw, "greeting")
	}
	raw, err = s.Evaluate(ctx, h, "Promise.resolve(7)")
	if err != nil || string(raw) != "7" {
		t.Fatalf("Evaluate(promise) = %s, %v; want 7", raw, err)
	}
	if !s.IsAlive(ctx) {
		t.Fatal("IsAlive() = false; want true")
	}
	if err := s.CloseTab(ctx, h); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.IsAlive(ctx) {
		t.Fatal("IsAlive() after Close = true; want false")
	}
}
