// Package config owns config.json in the per-user data directory: listener
// port, service toggles, the operator password hash, file-access roots, and
// cleanup tuning. All writes go through fsatomic so a crash cannot corrupt it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/BYTEDz/PCLink/internal/fsatomic"
)

const (
	DefaultPort          = 38080
	DefaultDiscoveryPort = 38099
	configFileName       = "config.json"
)

// Toggle names gating capability groups. Consulted by the auth middleware
// before a request reaches a capability handler.
const (
	ToggleTerminal    = "terminal"
	ToggleFileBrowser = "file_browser"
	ToggleInput       = "input"
	ToggleMedia       = "media"
	ToggleClipboard   = "clipboard"
	ToggleScreen      = "screen"
	TogglePower       = "power"
	ToggleExtensions  = "extensions"
)

// Settings is the serialized shape of config.json.
type Settings struct {
	Port             int             `json:"port"`
	DiscoveryPort    int             `json:"discovery_port"`
	PasswordHash     string          `json:"password_hash,omitempty"`
	SetupComplete    bool            `json:"setup_complete"`
	MobileAPIEnabled bool            `json:"mobile_api_enabled"`
	Toggles          map[string]bool `json:"toggles"`
	AllowedRoots     []string        `json:"allowed_roots"`
	StaleAfterDays   int             `json:"stale_after_days"`
	LogLevel         string          `json:"log_level"`
}

// Store is the durable config store. Reads are served from memory; every
// mutation rewrites config.json atomically before returning.
type Store struct {
	path string
	mu   sync.RWMutex
	s    Settings
}

// DataDir resolves the per-user data directory, honoring PCLINK_DATA_DIR.
func DataDir() (string, error) {
	if v := os.Getenv("PCLINK_DATA_DIR"); v != "" {
		return v, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "PCLink"), nil
}

// Defaults returns conservative initial settings. Terminal access starts off;
// remote input, media, clipboard, screen and file browsing start on, matching
// what a freshly installed host advertises.
func Defaults() Settings {
	return Settings{
		Port:          DefaultPort,
		DiscoveryPort: DefaultDiscoveryPort,
		Toggles: map[string]bool{
			ToggleTerminal:    false,
			ToggleFileBrowser: true,
			ToggleInput:       true,
			ToggleMedia:       true,
			ToggleClipboard:   true,
			ToggleScreen:      true,
			TogglePower:       true,
			ToggleExtensions:  false,
		},
		AllowedRoots:   defaultRoots(),
		StaleAfterDays: 7,
		LogLevel:       "info",
	}
}

func defaultRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	roots := []string{
		filepath.Join(home, "Documents"),
		filepath.Join(home, "Downloads"),
	}
	if runtime.GOOS != "windows" {
		roots = append(roots, filepath.Join(home, "Public"))
	}
	return roots
}

// Load opens (or initializes) the store rooted at dataDir. A file that fails
// schema validation or JSON parsing fails loudly; the operator has to remove
// it to proceed.
func Load(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, configFileName)
	st := &Store{path: path, s: Defaults()}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := st.persistLocked(); err != nil {
				return nil, fmt.Errorf("config: initialize: %w", err)
			}
			return st, nil
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}
	if err := validateRaw(raw); err != nil {
		return nil, fmt.Errorf("config: %s invalid: %w", path, err)
	}
	var s Settings
	if ok, err := fsatomic.LoadJSON(path, &s); err != nil || !ok {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&s)
	st.s = s
	return st, nil
}

func applyDefaults(s *Settings) {
	d := Defaults()
	if s.Port == 0 {
		s.Port = d.Port
	}
	if s.DiscoveryPort == 0 {
		s.DiscoveryPort = d.DiscoveryPort
	}
	if s.Toggles == nil {
		s.Toggles = map[string]bool{}
	}
	for k, v := range d.Toggles {
		if _, ok := s.Toggles[k]; !ok {
			s.Toggles[k] = v
		}
	}
	if len(s.AllowedRoots) == 0 {
		s.AllowedRoots = d.AllowedRoots
	}
	if s.StaleAfterDays <= 0 {
		s.StaleAfterDays = d.StaleAfterDays
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
}

// Snapshot returns a copy of the current settings.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s := st.s
	s.Toggles = make(map[string]bool, len(st.s.Toggles))
	for k, v := range st.s.Toggles {
		s.Toggles[k] = v
	}
	s.AllowedRoots = append([]string(nil), st.s.AllowedRoots...)
	return s
}

// Update applies fn to the settings under the store lock and persists.
func (st *Store) Update(fn func(*Settings)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
	return st.persistLocked()
}

// ToggleEnabled reports whether a named capability group is enabled. Unknown
// names are disabled.
func (st *Store) ToggleEnabled(name string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Toggles[name]
}

// Path returns the config file location.
func (st *Store) Path() string { return st.path }

func (st *Store) persistLocked() error {
	return fsatomic.WithLock(st.path, func() error {
		return fsatomic.SaveJSON(st.path, st.s, 0o600)
	})
}

// Level parses the configured zerolog level, defaulting to info.
func (s Settings) Level() zerolog.Level {
	if l, err := zerolog.ParseLevel(s.LogLevel); err == nil && l != zerolog.NoLevel {
		return l
	}
	return zerolog.InfoLevel
}
