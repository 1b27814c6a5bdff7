package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Well-known preference keys
const (
	KeyRAMConfig      = "ram_config"
	KeyThermalPreset  = "thermal_preset"
	KeyThermalOnBoot  = "thermal_on_boot"
	KeyMode           = "performance_mode"
	KeyAppProfiles    = "app_profiles"
	KeyProfilesActive = "app_profiles_enabled"
	KeyToggles        = "toggles"
	KeyIOScheduler    = "io_scheduler"
	KeyCongestion     = "tcp_congestion"
	KeyBrightness     = "brightness"
	KeyLastDevice     = "last_device"
)

// Service is a JSON preference store. Every key holds one JSON blob and the
// whole document is rewritten atomically on each Save.
type Service struct {
	configDir string
	prefsPath string

	mu        sync.RWMutex
	doc       []byte                     // last persisted document, read through gjson
	values    map[string]json.RawMessage // decoded top level
	lastWrite time.Time

	// Logger function (optional)
	logFunc func(format string, args ...interface{})
}

// Config for creating a new Service
type Config struct {
	ConfigDir string
	FileName  string // defaults to prefs.json
	LogFunc   func(format string, args ...interface{})
}

// New creates the preference store, loading any existing file
func New(cfg Config) (*Service, error) {
	configDir := cfg.ConfigDir
	if configDir == "" {
		var err error
		configDir, err = os.UserConfigDir()
		if err != nil {
			configDir = os.TempDir()
		}
		configDir = filepath.Join(configDir, "KernelDeck")
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, err
	}

	name := cfg.FileName
	if name == "" {
		name = "prefs.json"
	}

	s := &Service{
		configDir: configDir,
		prefsPath: filepath.Join(configDir, name),
		values:    make(map[string]json.RawMessage),
		doc:       []byte("{}"),
		logFunc:   cfg.LogFunc,
	}

	if err := s.Reload(); err != nil {
		// A corrupt file must not prevent startup; it is replaced on the next Save.
		s.log("Ignoring unreadable preferences %s: %v", s.prefsPath, err)
	}
	return s, nil
}

// log writes a log message if logFunc is set
func (s *Service) log(format string, args ...interface{}) {
	if s.logFunc != nil {
		s.logFunc(format, args...)
	}
}

// ========================================
// Reads
// ========================================

// Load decodes the blob stored under key into v. The bool reports whether
// the key exists.
func (s *Service) Load(key string, v interface{}) (bool, error) {
	s.mu.RLock()
	res := gjson.GetBytes(s.doc, key)
	s.mu.RUnlock()

	if !res.Exists() {
		return false, nil
	}
	if err := json.Unmarshal([]byte(res.Raw), v); err != nil {
		return true, fmt.Errorf("decode preference %q: %w", key, err)
	}
	return true, nil
}

// Bool returns a boolean preference or def when absent. Nested paths such
// as "toggles.dnd" are accepted.
func (s *Service) Bool(path string, def bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := gjson.GetBytes(s.doc, path)
	if !res.Exists() {
		return def
	}
	return res.Bool()
}

// String returns a string preference or def when absent
func (s *Service) String(path, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := gjson.GetBytes(s.doc, path)
	if !res.Exists() {
		return def
	}
	return res.String()
}

// Int returns an integer preference or def when absent
func (s *Service) Int(path string, def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := gjson.GetBytes(s.doc, path)
	if !res.Exists() {
		return def
	}
	return int(res.Int())
}

// Keys lists the top-level keys in sorted order
func (s *Service) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ========================================
// Writes
// ========================================

// Save stores v under key and rewrites the preference file
func (s *Service) Save(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode preference %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.values[key]
	s.values[key] = raw
	if err := s.flushLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Service) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.flushLocked(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

// flushLocked writes the document to a temp file and renames it over the
// preference file so readers never observe a partial write.
func (s *Service) flushLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	tmp, err := os.CreateTemp(s.configDir, ".prefs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp preferences: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close preferences: %w", err)
	}
	if err := os.Rename(tmpName, s.prefsPath); err != nil {
		os.Remove(tmpName)
		s.log("Error saving preferences to %s: %v", s.prefsPath, err)
		return fmt.Errorf("replace preferences: %w", err)
	}

	s.doc = data
	s.lastWrite = time.Now()
	return nil
}

// Reload re-reads the preference file from disk. A missing file leaves an
// empty store.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.prefsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid JSON in %s", s.prefsPath)
	}

	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode preferences: %w", err)
	}

	s.mu.Lock()
	s.doc = data
	s.values = values
	s.mu.Unlock()
	return nil
}

// ========================================
// Path Accessors
// ========================================

// ConfigDir returns the configuration directory path
func (s *Service) ConfigDir() string {
	return s.configDir
}

// Path returns the preference file path
func (s *Service) Path() string {
	return s.prefsPath
}

// LastWrite returns when this process last rewrote the file. Watchers use it
// to ignore their own writes.
func (s *Service) LastWrite() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastWrite
}
