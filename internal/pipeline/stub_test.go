package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"evolve/internal/compute"
	"evolve/internal/model"
)

var errStubUnavailable = errors.New("collaborator unavailable")

// stubCollaborator is deterministic: fitness is the trait sum, the lower half
// of the ranking fails selection, and each parent has a fixed number of
// children with derived IDs.
type stubCollaborator struct {
	mu sync.Mutex

	traits   func(i int) float64
	children int

	failOps      map[string]error
	failAfter    map[string]int
	calls        map[string]int
	badSelect    bool
	badChildren  bool
	shortBatches bool

	block   chan struct{}
	entered chan struct{}
}

func newStub() *stubCollaborator {
	return &stubCollaborator{
		traits:    func(int) float64 { return 0.5 },
		children:  2,
		failOps:   map[string]error{},
		failAfter: map[string]int{},
		calls:     map[string]int{},
	}
}

func (s *stubCollaborator) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	n := s.calls[op]
	err := s.failOps[op]
	after, limited := s.failAfter[op]
	block, entered := s.block, s.entered
	s.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if limited && n > after {
		return errStubUnavailable
	}
	return err
}

func (s *stubCollaborator) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOps, op)
		return
	}
	s.failOps[op] = err
}

func (s *stubCollaborator) failAfterCalls(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op] = 0
	s.failAfter[op] = n
}

func (s *stubCollaborator) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOps = map[string]error{}
	s.failAfter = map[string]int{}
}

func (s *stubCollaborator) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *stubCollaborator) GenerateInitial(_ context.Context, count int) ([]model.Individual, error) {
	if err := s.enter(compute.OpGenerateInitial); err != nil {
		return nil, err
	}
	out := make([]model.Individual, 0, count)
	for i := 0; i < count; i++ {
		v := s.traits(i)
		out = append(out, model.Individual{
			ID:      fmt.Sprintf("c%02d", i),
			Name:    fmt.Sprintf("creature%02d", i),
			Speed:   v,
			Stamina: v,
			Health:  v,
			Greed:   v,
			Outcome: model.OutcomeUnset,
		})
	}
	return out, nil
}

func (s *stubCollaborator) score(ind model.Individual) model.Individual {
	ind.Fitness = ind.TraitSum()
	ind.Simulated = true
	return ind
}

func (s *stubCollaborator) decide(ind model.Individual, info compute.PopulationInfo) model.Individual {
	ind.NaturallySelected = true
	switch {
	case s.badSelect:
		ind.Outcome = model.OutcomeUnset
	case ind.FitnessIndex >= info.Size/2:
		ind.Outcome = model.OutcomeFailure
	default:
		ind.Outcome = model.OutcomeSuccess
	}
	return ind
}

func (s *stubCollaborator) offspring(parent model.Individual) []model.Individual {
	out := make([]model.Individual, 0, s.children)
	for k := 0; k < s.children; k++ {
		child := parent
		child.ID = fmt.Sprintf("%s.%d", parent.ID, k)
		child.Generation = parent.Generation + 1
		child.Outcome = model.OutcomeUnset
		if s.badChildren {
			child.Speed = 1.5
		}
		out = append(out, child)
	}
	return out
}

func (s *stubCollaborator) Simulate(_ context.Context, ind model.Individual) (model.Individual, error) {
	if err := s.enter(compute.OpSimulate); err != nil {
		return model.Individual{}, err
	}
	return s.score(ind), nil
}

func (s *stubCollaborator) SimulateBatch(_ context.Context, individuals []model.Individual) ([]model.Individual, error) {
	if err := s.enter(compute.OpSimulateBatch); err != nil {
		return nil, err
	}
	out := make([]model.Individual, 0, len(individuals))
	// reversed to show that response order does not matter
	for i := len(individuals) - 1; i >= 0; i-- {
		out = append(out, s.score(individuals[i]))
	}
	return out, nil
}

func (s *stubCollaborator) Select(_ context.Context, ind model.Individual, info compute.PopulationInfo) (model.Individual, error) {
	if err := s.enter(compute.OpSelect); err != nil {
		return model.Individual{}, err
	}
	return s.decide(ind, info), nil
}

func (s *stubCollaborator) SelectBatch(_ context.Context, individuals []model.Individual, info compute.PopulationInfo) ([]model.Individual, error) {
	if err := s.enter(compute.OpSelectBatch); err != nil {
		return nil, err
	}
	out := make([]model.Individual, 0, len(individuals))
	for _, ind := range individuals {
		out = append(out, s.decide(ind, info))
	}
	if s.shortBatches && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (s *stubCollaborator) Kill(_ context.Context, _ model.Individual) error {
	return s.enter(compute.OpKill)
}

func (s *stubCollaborator) KillBatch(_ context.Context, _ []model.Individual) error {
	return s.enter(compute.OpKillBatch)
}

func (s *stubCollaborator) Reproduce(_ context.Context, parent model.Individual) ([]model.Individual, error) {
	if err := s.enter(compute.OpReproduce); err != nil {
		return nil, err
	}
	return s.offspring(parent), nil
}

func (s *stubCollaborator) ReproduceBatch(_ context.Context, parents []model.Individual) ([]model.Individual, error) {
	if err := s.enter(compute.OpReproduceBatch); err != nil {
		return nil, err
	}
	var out []model.Individual
	for _, p := range parents {
		out = append(out, s.offspring(p)...)
	}
	return out, nil
}
