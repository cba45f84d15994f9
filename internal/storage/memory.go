package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"evolve/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	generations map[string][]model.GenerationRecord
	snapshots   map[string]model.PopulationSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.generations = make(map[string][]model.GenerationRecord)
	s.snapshots = make(map[string]model.PopulationSnapshot)
	return nil
}

func (s *MemoryStore) SaveGeneration(_ context.Context, record model.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	records := s.generations[record.PopulationID]
	for i := range records {
		if records[i].Generation == record.Generation {
			records[i] = record
			return nil
		}
	}
	s.generations[record.PopulationID] = append(records, record)
	return nil
}

// ListGenerations returns records in ascending generation order; limit > 0
// keeps only the most recent ones.
func (s *MemoryStore) ListGenerations(_ context.Context, populationID string, limit int) ([]model.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized
	}
	records := append([]model.GenerationRecord(nil), s.generations[populationID]...)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Generation < records[j].Generation
	})
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot model.PopulationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	snapshot.Individuals = append([]model.Individual(nil), snapshot.Individuals...)
	s.snapshots[snapshot.PopulationID] = snapshot
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, populationID string) (model.PopulationSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.PopulationSnapshot{}, false, errNotInitialized
	}
	snapshot, ok := s.snapshots[populationID]
	if !ok {
		return model.PopulationSnapshot{}, false, nil
	}
	snapshot.Individuals = append([]model.Individual(nil), snapshot.Individuals...)
	return snapshot, true, nil
}

func (s *MemoryStore) ListPopulations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errNotInitialized
	}
	seen := make(map[string]struct{}, len(s.generations)+len(s.snapshots))
	for id := range s.generations {
		seen[id] = struct{}{}
	}
	for id := range s.snapshots {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
