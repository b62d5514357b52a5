// Package memory provides an in-memory result store for tests and
// single-process development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atlasvet/clinical-ai-gateway/internal/storage"
)

// Store is an in-memory implementation of storage.ResultStore.
type Store struct {
	mu       sync.RWMutex
	analyses map[string]*storage.AnalysisRecord
	statuses []*storage.StatusCheck
}

var _ storage.ResultStore = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		analyses: make(map[string]*storage.AnalysisRecord),
	}
}

func (s *Store) SaveAnalysis(ctx context.Context, rec *storage.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.analyses[rec.ID]; exists {
		return fmt.Errorf("analysis %s already exists", rec.ID)
	}
	clone := *rec
	s.analyses[rec.ID] = &clone
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (*storage.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.analyses[id]
	if !ok {
		return nil, fmt.Errorf("analysis %s not found", id)
	}
	clone := *rec
	return &clone, nil
}

func (s *Store) ListAnalysesByConsult(ctx context.Context, consultID string) ([]*storage.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.AnalysisRecord
	for _, rec := range s.analyses {
		if rec.ConsultID == consultID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateStatusCheck(ctx context.Context, check *storage.StatusCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *check
	s.statuses = append(s.statuses, &clone)
	return nil
}

func (s *Store) ListStatusChecks(ctx context.Context, limit int) ([]*storage.StatusCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.statuses) {
		limit = len(s.statuses)
	}

	out := make([]*storage.StatusCheck, 0, limit)
	for i := len(s.statuses) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *s.statuses[i]
		out = append(out, &clone)
	}
	return out, nil
}
