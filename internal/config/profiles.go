package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

var profileNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Profile is a named browser identity with its own user data directory.
type Profile struct {
	Name        string `yaml:"name" mapstructure:"name" json:"name"`
	Description string `yaml:"description,omitempty" mapstructure:"description" json:"description,omitempty"`
	CreatedAt   string `yaml:"created_at" mapstructure:"created_at" json:"created_at"`
	// Dir is filled on read.
	Dir string `yaml:"-" mapstructure:"-" json:"dir"`
}

type profilesFile struct {
	Profiles []Profile `yaml:"profiles" mapstructure:"profiles"`
}

// ProfileStore keeps the profiles file and the per-profile directories.
type ProfileStore struct {
	path    string
	rootDir string
	mu      sync.Mutex
}

// NewProfileStore manages the profiles listed in path, whose browser data
// lives under rootDir/<name>.
func NewProfileStore(path, rootDir string) *ProfileStore {
	return &ProfileStore{path: path, rootDir: rootDir}
}

// ValidateProfileName rejects names that cannot be used as a directory or
// that are reserved.
func ValidateProfileName(name string) error {
	if !profileNameRe.MatchString(name) {
		return browser.Validation(fmt.Sprintf("invalid profile name %q: use letters, digits, '-' and '_'", name))
	}
	if name == browser.OneShotProfile {
		return browser.Validation("profile " + browser.OneShotProfile + " is reserved")
	}
	return nil
}

// Dir is the user data directory for profile.
func (s *ProfileStore) Dir(name string) string {
	return filepath.Join(s.rootDir, name)
}

// DataDirFor is a browser.Options.DataDir: every valid profile name gets a
// persistent directory, anything else a temporary one.
func (s *ProfileStore) DataDirFor(profile string) string {
	if profile == browser.DefaultProfile || ValidateProfileName(profile) == nil {
		return s.Dir(profile)
	}
	return ""
}

func (s *ProfileStore) load() (profilesFile, error) {
	var f profilesFile
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return f, nil
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return f, fmt.Errorf("failed to read profiles: %w", err)
	}
	if err := v.Unmarshal(&f); err != nil {
		return f, fmt.Errorf("failed to unmarshal profiles: %w", err)
	}
	for i := range f.Profiles {
		f.Profiles[i].Dir = s.Dir(f.Profiles[i].Name)
	}
	return f, nil
}

func (s *ProfileStore) save(f profilesFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	sort.Slice(f.Profiles, func(i, j int) bool { return f.Profiles[i].Name < f.Profiles[j].Name })
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// List returns the created profiles sorted by name.
func (s *ProfileStore) List() ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(f.Profiles, func(i, j int) bool { return f.Profiles[i].Name < f.Profiles[j].Name })
	return f.Profiles, nil
}

// Create records a new profile and makes its directory.
func (s *ProfileStore) Create(name, description string) (Profile, error) {
	if err := ValidateProfileName(name); err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	for _, p := range f.Profiles {
		if p.Name == name {
			return Profile{}, browser.Validation("profile already exists: " + name)
		}
	}

	p := Profile{
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		Dir:         s.Dir(name),
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return Profile{}, fmt.Errorf("create profile dir: %w", err)
	}
	f.Profiles = append(f.Profiles, p)
	if err := s.save(f); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Delete forgets the profile and removes its browser data.
func (s *ProfileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	idx := -1
	for i, p := range f.Profiles {
		if p.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return browser.NotFound("profile not found: " + name)
	}
	f.Profiles = append(f.Profiles[:idx], f.Profiles[idx+1:]...)
	if err := s.save(f); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(name)); err != nil {
		return fmt.Errorf("remove profile dir: %w", err)
	}
	return nil
}
