// Package file provides small JSON-file-backed routing stores. Adapters use
// them to persist the out-of-band routing state (session webhooks, receive
// ids) that proactive dispatch needs after the originating conversation is
// gone — including across process restarts.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// RoutingStore maps session ids to opaque routing values, persisted as one
// flat JSON object. Writes rewrite the whole file; reads that miss in memory
// reload from disk first, so a value written by an earlier process generation
// is still found. Safe for concurrent use.
type RoutingStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]json.RawMessage
	loaded  bool
}

// NewRoutingStore creates a store backed by the given file path. The file is
// read lazily on first access and created on first write.
func NewRoutingStore(path string) *RoutingStore {
	return &RoutingStore{path: path, entries: make(map[string]json.RawMessage)}
}

// Path returns the backing file path.
func (s *RoutingStore) Path() string { return s.path }

// PutString stores a single string value for the key.
func (s *RoutingStore) PutString(key, value string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.put(key, raw)
}

// GetString returns the string value for the key, reloading from disk on a
// memory miss.
func (s *RoutingStore) GetString(key string) (string, bool) {
	raw, ok := s.get(key)
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// PutPair stores a two-element string tuple for the key.
func (s *RoutingStore) PutPair(key, first, second string) error {
	raw, err := json.Marshal([2]string{first, second})
	if err != nil {
		return err
	}
	return s.put(key, raw)
}

// GetPair returns the tuple stored for the key, reloading from disk on a
// memory miss.
func (s *RoutingStore) GetPair(key string) (first, second string, ok bool) {
	raw, found := s.get(key)
	if !found {
		return "", "", false
	}
	var v [2]string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", "", false
	}
	return v[0], v[1], true
}

// Delete removes the key and flushes.
func (s *RoutingStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.flushLocked()
}

// Len returns the number of persisted entries.
func (s *RoutingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return len(s.entries)
}

func (s *RoutingStore) put(key string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.entries[key] = raw
	return s.flushLocked()
}

func (s *RoutingStore) get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	if raw, ok := s.entries[key]; ok {
		return raw, true
	}
	// Another writer (or a previous process) may have flushed since we
	// loaded; re-read once before giving up.
	s.loaded = false
	s.loadLocked()
	raw, ok := s.entries[key]
	return raw, ok
}

func (s *RoutingStore) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// Keep whatever is in memory; the next flush rewrites the file.
			return
		}
		return
	}
	entries := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	s.entries = entries
}

func (s *RoutingStore) flushLocked() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
