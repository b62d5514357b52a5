// Package memory provides an in-memory rate-limit store for tests and
// single-process development setups.
package memory

import (
	"context"
	"sync"

	"github.com/atlasvet/clinical-ai-gateway/internal/ratelimit"
)

// Store is an in-memory implementation of ratelimit.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]ratelimit.Record
}

var _ ratelimit.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]ratelimit.Record),
	}
}

func key(identifier, action string) string {
	return identifier + "\x00" + action
}

func (s *Store) Get(ctx context.Context, identifier, action string) (*ratelimit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key(identifier, action)]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *Store) Put(ctx context.Context, rec *ratelimit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key(rec.Identifier, rec.Action)] = *rec
	return nil
}

func (s *Store) Delete(ctx context.Context, identifier, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key(identifier, action))
	return nil
}
