package population

import (
	"fmt"
	"sort"
	"sync"

	"evolve/internal/model"
)

// Predicate reports whether an individual is already processed for a phase.
type Predicate func(model.Individual) bool

// Store holds the ordered population. Simulated individuals form a
// fitness-descending prefix; unsimulated individuals trail in arbitrary order.
//
// Mutations are expected from one driver at a time; the lock only keeps
// readers (snapshots for presentation) consistent.
type Store struct {
	mu          sync.RWMutex
	individuals []model.Individual
}

func NewStore(initial []model.Individual) *Store {
	s := &Store{}
	s.Load(initial)
	return s
}

// Load replaces the population with a copy of individuals and re-ranks it.
func (s *Store) Load(individuals []model.Individual) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.individuals = append([]model.Individual(nil), individuals...)
	s.rerankLocked()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.individuals)
}

// Snapshot returns a copy of the population in store order.
func (s *Store) Snapshot() []model.Individual {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Individual(nil), s.individuals...)
}

func (s *Store) Get(id string) (model.Individual, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx := s.indexLocked(id); idx >= 0 {
		return s.individuals[idx], true
	}
	return model.Individual{}, false
}

// FindNextUnprocessed returns the first individual in store order for which
// processed is false.
func (s *Store) FindNextUnprocessed(processed Predicate) (model.Individual, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ind := range s.individuals {
		if !processed(ind) {
			return ind, true
		}
	}
	return model.Individual{}, false
}

func (s *Store) AllMatching(pred Predicate) []model.Individual {
	return s.partition(pred, true)
}

func (s *Store) AllNotMatching(pred Predicate) []model.Individual {
	return s.partition(pred, false)
}

func (s *Store) partition(pred Predicate, want bool) []model.Individual {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Individual, 0, len(s.individuals))
	for _, ind := range s.individuals {
		if pred(ind) == want {
			out = append(out, ind)
		}
	}
	return out
}

// InsertRanked places a simulated individual into the fitness-descending
// prefix. An existing entry with the same ID is taken out first. Ties keep the
// earlier arrival ahead (first-seen wins); the comparison is strict.
func (s *Store) InsertRanked(ind model.Individual) error {
	if !ind.Simulated {
		return fmt.Errorf("insert ranked: individual %s is not simulated", ind.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.indexLocked(ind.ID); idx >= 0 {
		s.individuals = append(s.individuals[:idx], s.individuals[idx+1:]...)
	}

	pos := 0
	for pos < len(s.individuals) {
		cur := s.individuals[pos]
		if !cur.Simulated || cur.Fitness < ind.Fitness {
			break
		}
		pos++
	}

	s.individuals = append(s.individuals, model.Individual{})
	copy(s.individuals[pos+1:], s.individuals[pos:])
	s.individuals[pos] = ind
	s.reindexLocked()
	return nil
}

// Replace overwrites the individual with the same ID in place.
func (s *Store) Replace(ind model.Individual) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(ind.ID)
	if idx < 0 {
		return fmt.Errorf("replace: individual %s not found", ind.ID)
	}
	ind.FitnessIndex = idx
	s.individuals[idx] = ind
	return nil
}

// Remove deletes the individual with id. It reports false when the individual
// was already gone.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	s.individuals = append(s.individuals[:idx], s.individuals[idx+1:]...)
	s.reindexLocked()
	return true
}

// Append adds individuals to the unsimulated suffix, refusing duplicates.
func (s *Store) Append(individuals ...model.Individual) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(individuals))
	for _, ind := range individuals {
		if ind.ID == "" {
			return fmt.Errorf("append: individual id is required")
		}
		if _, dup := seen[ind.ID]; dup || s.indexLocked(ind.ID) >= 0 {
			return fmt.Errorf("append: duplicate individual %s", ind.ID)
		}
		seen[ind.ID] = struct{}{}
	}
	s.individuals = append(s.individuals, individuals...)
	s.reindexLocked()
	return nil
}

// Merge overwrites every individual in updates by ID and re-ranks the whole
// population once. Nothing is written unless every ID is present.
func (s *Store) Merge(updates []model.Individual) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]int, len(updates))
	for i, ind := range updates {
		idx := s.indexLocked(ind.ID)
		if idx < 0 {
			return fmt.Errorf("merge: individual %s not found", ind.ID)
		}
		positions[i] = idx
	}
	for i, idx := range positions {
		s.individuals[idx] = updates[i]
	}
	s.rerankLocked()
	return nil
}

// Rerank re-sorts the whole population: simulated individuals by descending
// fitness, then unsimulated individuals, both stable.
func (s *Store) Rerank() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rerankLocked()
}

// ResetGenerationFlags clears per-generation flags and presentation hints on
// every individual.
func (s *Store) ResetGenerationFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.individuals {
		s.individuals[i].ResetGeneration()
	}
}

func (s *Store) rerankLocked() {
	sort.SliceStable(s.individuals, func(i, j int) bool {
		a, b := s.individuals[i], s.individuals[j]
		if a.Simulated != b.Simulated {
			return a.Simulated
		}
		if !a.Simulated {
			return false
		}
		return a.Fitness > b.Fitness
	})
	s.reindexLocked()
}

func (s *Store) reindexLocked() {
	for i := range s.individuals {
		s.individuals[i].FitnessIndex = i
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.individuals {
		if s.individuals[i].ID == id {
			return i
		}
	}
	return -1
}
