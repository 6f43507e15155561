// Package settings persists small key-value device state (sync watermarks,
// user preference mirrors) as a JSON file outside the relational store.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var errMissingPath = errors.New("settings file path is required")

// Well-known keys used by the sync engine.
const (
	KeyLastSyncTime     = "last_sync_time"
	KeyLastAutoSyncTime = "last_auto_sync_time"
	KeyAutoSync         = "auto_sync"
	KeySyncInterval     = "sync_interval_minutes"
	KeyWifiOnly         = "wifi_only"
)

// Store is a mutex-guarded JSON-file key-value store. Writes are atomic
// (temp file + rename) so a crash mid-save cannot corrupt the state file.
type Store struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// Open loads the settings file at path, creating an empty store when the
// file does not exist yet.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errMissingPath
	}

	store := &Store{path: path, values: map[string]string{}}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return store, nil
	}
	if err := json.Unmarshal(raw, &store.values); err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", path, err)
	}
	return store, nil
}

// String returns the stored value for key, or "" when absent.
func (s *Store) String(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// SetString stores value under key and saves the file.
func (s *Store) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.save()
}

// Bool returns the stored boolean for key; absent keys return fallback.
func (s *Store) Bool(key string, fallback bool) bool {
	switch s.String(key) {
	case "true":
		return true
	case "false":
		return false
	default:
		return fallback
	}
}

// SetBool stores a boolean under key.
func (s *Store) SetBool(key string, value bool) error {
	if value {
		return s.SetString(key, "true")
	}
	return s.SetString(key, "false")
}

// Time returns the stored RFC3339 timestamp for key; absent or malformed
// values return the zero time.
func (s *Store) Time(key string) time.Time {
	raw := s.String(key)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// SetTime stores value as an RFC3339 timestamp under key.
func (s *Store) SetTime(key string, value time.Time) error {
	return s.SetString(key, value.UTC().Format(time.RFC3339Nano))
}

// save writes the current map atomically. Caller must hold s.mu.
func (s *Store) save() error {
	encoded, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("settings: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("settings: rename %s: %w", tmp, err)
	}
	return nil
}
