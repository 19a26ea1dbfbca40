// Package idempotency remembers recently submitted event keys so replays of
// the same upstream event are rejected without touching the database.
package idempotency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/clock"

	"github.com/natefinch/atomic"
)

type snapshot struct {
	// Keys maps a dedup key to its expiry in unix milliseconds.
	Keys map[string]int64 `json:"keys"`
}

// Store is a TTL set of keys persisted to a JSON file. An empty path keeps
// the set in memory only.
type Store struct {
	mu    sync.Mutex
	path  string
	clock clock.Clock
	keys  map[string]int64
	dirty bool
}

func NewStore(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{path: path, clock: clk, keys: make(map[string]int64)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read idempotency file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse idempotency file %s: %w", s.path, err)
	}
	if snap.Keys != nil {
		s.keys = snap.Keys
	}
	return nil
}

// Seen reports whether key was marked and has not expired.
func (s *Store) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.keys[key]
	return ok && expiry > s.clock.Now().UnixMilli()
}

// CheckAndMark returns true if key is already live. Otherwise it marks key
// for ttl and returns false.
func (s *Store) CheckAndMark(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UnixMilli()
	if expiry, ok := s.keys[key]; ok && expiry > now {
		return true
	}

	s.keys[key] = now + ttl.Milliseconds()
	s.dirty = true
	return false
}

// Forget drops a key, used when the submission it guarded did not persist.
func (s *Store) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		delete(s.keys, key)
		s.dirty = true
	}
}

// Prune removes expired keys and returns how many were dropped.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UnixMilli()
	n := 0
	for k, expiry := range s.keys {
		if expiry <= now {
			delete(s.keys, k)
			n++
		}
	}
	if n > 0 {
		s.dirty = true
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Save writes the set if it changed since the last save.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" || !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(snapshot{Keys: s.keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create idempotency dir: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write idempotency file: %w", err)
	}
	s.dirty = false
	return nil
}
