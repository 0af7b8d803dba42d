// Package cachestore persists the small per-machine state the engine
// keeps between runs: the last recorded cache key per item identity, and
// raw probe/URL results with a timestamp for TTL comparison.
//
// Each machine (local or remote) has its own store under the user cache
// directory; nothing is ever shared across hosts. Concurrent runs on one
// machine are assumed to have a single writer.
package cachestore

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is a file-backed cache rooted at a base directory. Writes are
// best effort: a failure to persist costs a redundant re-run later, never
// a failed convergence.
type Store struct {
	base string
}

// New returns the store for this machine, rooted at $XDG_CACHE_HOME/convergo
// (falling back to ~/.cache/convergo, then /tmp/convergo).
func New() *Store {
	return NewAt(filepath.Join(baseDir(), "convergo"))
}

// NewAt returns a store rooted at an explicit directory. Tests use this
// with t.TempDir.
func NewAt(dir string) *Store {
	return &Store{base: dir}
}

func baseDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return xdg
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache")
	}
	return "/tmp"
}

// Key returns the cache key last recorded for an item identity.
func (s *Store) Key(identity string) (string, bool) {
	data, err := os.ReadFile(s.path("state", identity))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// SetKey records the cache key for an item identity. Written only after a
// successful apply; check-only items never get a record.
func (s *Store) SetKey(identity, key string) {
	s.write("state", identity, []byte(key))
}

// Result returns cached raw bytes for a probe or URL if the entry is
// younger than maxAge. A zero maxAge never matches.
func (s *Store) Result(name string, maxAge time.Duration) ([]byte, bool) {
	if maxAge <= 0 {
		return nil, false
	}
	path := s.path("result", name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > maxAge {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores raw bytes for a probe or URL, stamping freshness via
// the file's mtime.
func (s *Store) SetResult(name string, data []byte) {
	s.write("result", name, data)
}

func (s *Store) path(kind, name string) string {
	return filepath.Join(s.base, kind, fmt.Sprintf("%x", md5.Sum([]byte(name))))
}

func (s *Store) write(kind, name string, data []byte) {
	path := s.path(kind, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}
