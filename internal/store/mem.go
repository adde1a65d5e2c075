// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"maps"
	"sync"
)

// MemStore is an in-memory implementation of the [Store] interface.
//
// The zero value is ready to use.
type MemStore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// Get retrieves a value for a given key.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	return val, nil
}

// Set stores a value for a given key.
func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string][]byte)
	}
	s.m[key] = value
	return nil
}

// Close implements the [Store] interface. It does nothing.
func (s *MemStore) Close() error { return nil }

// All returns a copy of the store contents. Used in tests.
func (s *MemStore) All() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.m)
}
