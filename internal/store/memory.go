// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. It is used by tests and by
// single-process deployments that do not need persistence across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string]string),
	}
}

// Write sets a field value.
func (s *MemoryStore) Write(_ context.Context, hash, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.hashes[hash]
	if !ok {
		fields = make(map[string]string)
		s.hashes[hash] = fields
	}
	fields[field] = value
	return nil
}

// Read returns a field value or "" when absent.
func (s *MemoryStore) Read(_ context.Context, hash, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hashes[hash][field], nil
}

// Exists reports whether a hash (or one of its fields) exists.
func (s *MemoryStore) Exists(_ context.Context, hash, field string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.hashes[hash]
	if !ok {
		return false, nil
	}
	if field == "" {
		return true, nil
	}
	_, ok = fields[field]
	return ok, nil
}

// Destroy removes matching hashes, or a single field of each.
func (s *MemoryStore) Destroy(_ context.Context, pattern, field string) error {
	g, err := compilePattern(pattern)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, fields := range s.hashes {
		if !g.Match(hash) {
			continue
		}
		if field == "" {
			delete(s.hashes, hash)
			continue
		}
		delete(fields, field)
		// A hash with no fields no longer exists.
		if len(fields) == 0 {
			delete(s.hashes, hash)
		}
	}
	return nil
}

// Iterate yields matching hashes in lexical order. The snapshot is taken when
// iteration starts, so callers may mutate the store while ranging.
func (s *MemoryStore) Iterate(_ context.Context, pattern string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		g, err := compilePattern(pattern)
		if err != nil {
			yield("", err)
			return
		}

		s.mu.RLock()
		keys := slices.Sorted(maps.Keys(s.hashes))
		s.mu.RUnlock()

		for _, hash := range keys {
			if !g.Match(hash) {
				continue
			}
			if !yield(hash, nil) {
				return
			}
		}
	}
}

// Len returns the number of hashes held. Used by tests to assert cascades.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}
