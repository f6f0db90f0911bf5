// Package kvfile provides a small file-backed key/value store for cache
// entries that should survive a process restart, such as the identity
// snapshot read at startup before any network call.
package kvfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound reports a missing entry.
var ErrNotFound = errors.New("kvfile: not found")

// Store persists JSON entries as individual files under a root directory.
// Writes are atomic (temp file + rename) so a crash mid-write never leaves a
// torn entry behind.
type Store struct {
	mu   sync.Mutex
	root string
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("kvfile: root directory required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("kvfile: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put marshals v as JSON and writes it under key.
func (s *Store) Put(key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvfile: marshal %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("kvfile: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("kvfile: rename %q: %w", key, err)
	}
	return nil
}

// Get unmarshals the entry stored under key into v.
func (s *Store) Get(key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	data, err := os.ReadFile(path)
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("kvfile: read %q: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		// A corrupt entry is treated the same as a missing one; the caller
		// repopulates it on the next refresh.
		return ErrNotFound
	}
	return nil
}

// Delete removes the entry under key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("kvfile: delete %q: %w", key, err)
	}
	return nil
}

// path maps a key to a file path, rejecting keys that would escape the root.
func (s *Store) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("kvfile: invalid key %q", key)
	}
	return filepath.Join(s.root, key+".json"), nil
}
