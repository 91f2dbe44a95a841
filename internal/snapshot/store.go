// Package snapshot keeps screenshots taken through the daemon on disk,
// one image plus a JSON sidecar per capture.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Meta describes a stored screenshot.
type Meta struct {
	ID        string    `json:"id"`
	TabID     string    `json:"tab_id,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	URL       string    `json:"url,omitempty"`
	Format    string    `json:"format"`
	FullPage  bool      `json:"full_page,omitempty"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	// Path is where the image lives. It is filled on read, not stored.
	Path string `json:"path,omitempty"`
}

// Store manages snapshot files on disk.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir is the directory holding the snapshots.
func (s *Store) Dir() string { return s.dir }

func (s *Store) validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return browser.Validation(fmt.Sprintf("invalid snapshot id: %q", id))
	}
	return nil
}

func (s *Store) imagePath(id, format string) string {
	return filepath.Join(s.dir, id+"."+format)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the image and its sidecar. An empty meta.ID gets a fresh one;
// CreatedAt and SizeBytes are filled in. The stored meta is returned.
func (s *Store) Save(meta Meta, imageData []byte) (Meta, error) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if err := s.validateID(meta.ID); err != nil {
		return Meta{}, err
	}
	if meta.Format == "" {
		meta.Format = "png"
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.SizeBytes = len(imageData)
	meta.Path = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	imgPath := s.imagePath(meta.ID, meta.Format)
	if err := os.WriteFile(imgPath, imageData, 0o644); err != nil {
		return Meta{}, fmt.Errorf("snapshot store: write image: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(imgPath)
		return Meta{}, fmt.Errorf("snapshot store: marshal meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), data, 0o644); err != nil {
		_ = os.Remove(imgPath)
		return Meta{}, fmt.Errorf("snapshot store: write meta: %w", err)
	}

	meta.Path = imgPath
	return meta, nil
}

// Get reads snapshot metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := s.validateID(id); err != nil {
		return Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(s.metaPath(id))
}

func (s *Store) readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, browser.NotFound("snapshot not found: " + filepath.Base(path))
		}
		return Meta{}, fmt.Errorf("snapshot store: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("snapshot store: unmarshal meta: %w", err)
	}
	meta.Path = s.imagePath(meta.ID, meta.Format)
	return meta, nil
}

// List returns all snapshots sorted by creation time (newest first).
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot store: glob: %w", err)
	}

	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		meta, err := s.readMeta(path)
		if err != nil {
			slog.Debug("skipping unreadable snapshot meta", "path", path, "error", err)
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// ReadImage reads the raw image bytes and returns the format.
func (s *Store) ReadImage(id string) ([]byte, string, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(meta.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", browser.NotFound("snapshot image not found: " + id)
		}
		return nil, "", fmt.Errorf("snapshot store: read image: %w", err)
	}
	return data, meta.Format, nil
}

// Delete removes both the image and metadata files.
func (s *Store) Delete(id string) error {
	meta, err := s.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(meta)
	return nil
}

func (s *Store) removeLocked(meta Meta) {
	if err := os.Remove(s.imagePath(meta.ID, meta.Format)); err != nil {
		slog.Debug("snapshot image cleanup failed", "id", meta.ID, "error", err)
	}
	if err := os.Remove(s.metaPath(meta.ID)); err != nil {
		slog.Debug("snapshot meta cleanup failed", "id", meta.ID, "error", err)
	}
}

// Prune deletes snapshots created before now minus maxAge and returns how
// many were removed. A non-positive maxAge keeps everything.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	metas, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, meta := range metas {
		if meta.CreatedAt.Before(cutoff) {
			s.removeLocked(meta)
			removed++
		}
	}
	return removed, nil
}
