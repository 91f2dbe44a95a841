package snapshot

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

func TestSaveGetReadImage(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "shots"))
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}

	meta, err := store.Save(Meta{TabID: "work/main", URL: "https://example.com/", Format: "jpeg"}, []byte("jpegdata"))
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if meta.ID == "" || meta.SizeBytes != 8 || meta.CreatedAt.IsZero() {
		t.Fatalf("Save() = %+v; want id, size 8 and created_at", meta)
	}
	if meta.Path != filepath.Join(store.Dir(), meta.ID+".jpeg") {
		t.Fatalf("Save() path = %q", meta.Path)
	}

	got, err := store.Get(meta.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.TabID != "work/main" || got.Path != meta.Path {
		t.Fatalf("Get() = %+v; want %+v", got, meta)
	}

	data, format, err := store.ReadImage(meta.ID)
	if err != nil || format != "jpeg" || string(data) != "jpegdata" {
		t.Fatalf("ReadImage() = %q, %q, %v; want jpegdata, jpeg, nil", data, format, err)
	}
}

func TestGetRejectsBadID(t *testing.T) {
	store := &Store{dir: t.TempDir()}
	if _, err := store.Get("../../etc/passwd"); !browser.HasCode(err, browser.CodeValidation) {
		t.Fatalf("Get() = %v; want %s", err, browser.CodeValidation)
	}
	if _, err := store.Get("123e4567-e89b-12d3-a456-426614174000"); !browser.HasCode(err, browser.CodeNotFound) {
		t.Fatalf("Get() = %v; want %s", err, browser.CodeNotFound)
	}
}

func TestListNewestFirstAndPrune(t *testing.T) {
	store := &Store{dir: t.TempDir()}
	old, err := store.Save(Meta{CreatedAt: time.Now().Add(-48 * time.Hour)}, []byte("a"))
	if err != nil {
		t.Fatalf("Save(old) failed: %v", err)
	}
	fresh, err := store.Save(Meta{}, []byte("b"))
	if err != nil {
		t.Fatalf("Save(fresh) failed: %v", err)
	}

	metas, err := store.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(metas) != 2 || metas[0].ID != fresh.ID || metas[1].ID != old.ID {
		t.Fatalf("List() = %+v; want fresh then old", metas)
	}

	n, err := store.Prune(24 * time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune() = %d, %v; want 1, nil", n, err)
	}
	if _, err := os.Stat(old.Path); !os.IsNotExist(err) {
		t.Fatalf("old image still present: %v", err)
	}
	if _, err := store.Get(fresh.ID); err != nil {
		t.Fatalf("Get(fresh) after Prune() = %v; want nil", err)
	}
}

func TestDeleteLogsImageCleanupFailureWhenImageMissing(t *testing.T) {
	dir := t.TempDir()
	store := &Store{dir: dir}
	id := "123e4567-e89b-12d3-a456-426614174000"
	jsonPath := filepath.Join(dir, id+".json")

	meta := Meta{
		ID:     id,
		Format: "png",
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	if err := os.WriteFile(jsonPath, metaBytes, 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete() = %v; want nil", err)
	}

	if !strings.Contains(buf.String(), "snapshot image cleanup failed") {
		t.Fatalf("expected image cleanup debug log, got %q", buf.String())
	}
	if _, err := os.Stat(jsonPath); !os.IsNotExist(err) {
		t.Fatalf("meta file still present: %v", err)
	}
}
