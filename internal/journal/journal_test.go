package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestWriteThenCloseFlushes(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 16, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.clock = func() time.Time { return now }

	for _, cmd := range []string{"ping", "inspect", "click"} {
		if err := w.Write(Entry{Time: now, Command: cmd, Status: 200}); err != nil {
			t.Fatalf("Write(%s) error = %v", cmd, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := readEntries(t, w.Path(now))
	if len(got) != 3 || got[0].Command != "ping" || got[2].Command != "click" {
		t.Fatalf("entries = %+v; want ping, inspect, click", got)
	}

	if err := w.Write(Entry{Command: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() after Close = %v; want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestWriterRollsOverByDate(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 1, 1)
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	// Drive writeEntry directly so the date switch is deterministic.
	w.clock = func() time.Time { return day1 }
	w.writeEntry(Entry{Command: "inspect"})
	w.clock = func() time.Time { return day2 }
	w.writeEntry(Entry{Command: "click"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := readEntries(t, w.Path(day1)); len(got) != 1 || got[0].Command != "inspect" {
		t.Fatalf("day1 entries = %+v", got)
	}
	if got := readEntries(t, w.Path(day2)); len(got) != 1 || got[0].Command != "click" {
		t.Fatalf("day2 entries = %+v", got)
	}
}
