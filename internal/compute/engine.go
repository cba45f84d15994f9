package compute

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"evolve/internal/model"
)

const (
	DefaultMaxChildren      = 3
	DefaultChanceOfMutation = 0.1
	DefaultMaxMutationDelta = 0.1
	DefaultWorkers          = 4
)

type EngineConfig struct {
	Seed             int64
	MaxChildren      int
	ChanceOfMutation float64
	MaxMutationDelta float64
	Workers          int
	Logger           *slog.Logger
}

// Engine is the in-process Collaborator. Fitness is the trait sum, the
// chance of death grows linearly with fitness rank, and offspring copy their
// parent's traits with a repeated chance of a bounded mutation.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.MaxChildren == 0 {
		cfg.MaxChildren = DefaultMaxChildren
	}
	if cfg.MaxChildren < 1 {
		return nil, fmt.Errorf("max children must be >= 1")
	}
	if cfg.ChanceOfMutation == 0 {
		cfg.ChanceOfMutation = DefaultChanceOfMutation
	}
	if cfg.ChanceOfMutation < 0 || cfg.ChanceOfMutation >= 1 {
		return nil, fmt.Errorf("chance of mutation must be in [0, 1)")
	}
	if cfg.MaxMutationDelta == 0 {
		cfg.MaxMutationDelta = DefaultMaxMutationDelta
	}
	if cfg.MaxMutationDelta < 0 || cfg.MaxMutationDelta > 1 {
		return nil, fmt.Errorf("max mutation delta must be in [0, 1]")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "compute_engine"),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (e *Engine) GenerateInitial(ctx context.Context, count int) ([]model.Individual, error) {
	if count < 0 {
		return nil, fmt.Errorf("count must be >= 0")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Individual, 0, count)
	for i := 0; i < count; i++ {
		ind := model.Individual{
			ID:               uuid.NewString(),
			Name:             randomName(e.rng),
			Speed:            e.rng.Float64(),
			Stamina:          e.rng.Float64(),
			Health:           e.rng.Float64(),
			Greed:            e.rng.Float64(),
			ChanceOfMutation: e.cfg.ChanceOfMutation,
			Outcome:          model.OutcomeUnset,
			Hint:             model.HintUnset,
		}
		out = append(out, ind)
	}
	return out, nil
}

func (e *Engine) Simulate(ctx context.Context, ind model.Individual) (model.Individual, error) {
	if err := ctx.Err(); err != nil {
		return model.Individual{}, err
	}
	ind.Fitness = ind.TraitSum()
	ind.Simulated = true
	return ind, nil
}

func (e *Engine) SimulateBatch(ctx context.Context, individuals []model.Individual) ([]model.Individual, error) {
	return fanOut(ctx, e.cfg.Workers, individuals, func(ctx context.Context, ind model.Individual) (model.Individual, error) {
		return e.Simulate(ctx, ind)
	})
}

func (e *Engine) Select(ctx context.Context, ind model.Individual, info PopulationInfo) (model.Individual, error) {
	if err := ctx.Err(); err != nil {
		return model.Individual{}, err
	}
	if info.Size <= 0 {
		return model.Individual{}, fmt.Errorf("population size must be > 0")
	}

	chanceOfDeath := 0.0
	if info.Size > 1 {
		chanceOfDeath = float64(ind.FitnessIndex) / float64(info.Size-1)
	}

	e.mu.Lock()
	roll := e.rng.Float64()
	e.mu.Unlock()

	if roll < chanceOfDeath {
		ind.Outcome = model.OutcomeFailure
	} else {
		ind.Outcome = model.OutcomeSuccess
	}
	ind.NaturallySelected = true
	ind.RefreshHint()
	return ind, nil
}

func (e *Engine) SelectBatch(ctx context.Context, individuals []model.Individual, info PopulationInfo) ([]model.Individual, error) {
	return fanOut(ctx, e.cfg.Workers, individuals, func(ctx context.Context, ind model.Individual) (model.Individual, error) {
		return e.Select(ctx, ind, info)
	})
}

func (e *Engine) Kill(ctx context.Context, ind model.Individual) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ind.Outcome != model.OutcomeFailure {
		return fmt.Errorf("kill %s: outcome is %s", ind.DisplayName(), ind.Outcome)
	}
	e.logger.Debug("creature died", "individual", ind.DisplayName())
	return nil
}

func (e *Engine) KillBatch(ctx context.Context, individuals []model.Individual) error {
	for _, ind := range individuals {
		if err := e.Kill(ctx, ind); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Reproduce(ctx context.Context, parent model.Individual) ([]model.Individual, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if parent.Outcome != model.OutcomeSuccess {
		return nil, fmt.Errorf("reproduce %s: outcome is %s", parent.DisplayName(), parent.Outcome)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	quantity := 1 + e.rng.Intn(e.cfg.MaxChildren)
	offspring := make([]model.Individual, 0, quantity)
	for i := 0; i < quantity; i++ {
		offspring = append(offspring, e.offspringLocked(parent))
	}
	return offspring, nil
}

func (e *Engine) ReproduceBatch(ctx context.Context, parents []model.Individual) ([]model.Individual, error) {
	p := pool.NewWithResults[[]model.Individual]().
		WithContext(ctx).
		WithMaxGoroutines(e.cfg.Workers).
		WithCancelOnError()
	for _, parent := range parents {
		p.Go(func(ctx context.Context) ([]model.Individual, error) {
			return e.Reproduce(ctx, parent)
		})
	}
	families, err := p.Wait()
	if err != nil {
		return nil, err
	}
	var out []model.Individual
	for _, family := range families {
		out = append(out, family...)
	}
	return out, nil
}

// offspringLocked copies the parent and applies zero or more mutations. Each
// round mutates one trait by up to MaxMutationDelta; a change that would leave
// [0,1] is discarded.
func (e *Engine) offspringLocked(parent model.Individual) model.Individual {
	child := model.Individual{
		ID:               uuid.NewString(),
		Name:             parent.Name,
		Generation:       parent.Generation + 1,
		Speed:            parent.Speed,
		Stamina:          parent.Stamina,
		Health:           parent.Health,
		Greed:            parent.Greed,
		ChanceOfMutation: parent.ChanceOfMutation,
		Outcome:          model.OutcomeUnset,
		Hint:             model.HintUnset,
	}
	chance := parent.ChanceOfMutation
	if chance <= 0 || chance >= 1 {
		chance = e.cfg.ChanceOfMutation
	}

	for e.rng.Float64() < chance {
		delta := e.rng.Float64() * e.cfg.MaxMutationDelta
		if e.rng.Float64() < 0.5 {
			delta = -delta
		}
		if delta == 0 {
			continue
		}

		trait := traitRef(&child, e.rng.Intn(4))
		mutated := *trait + delta
		if mutated < 0 || mutated > 1 {
			continue
		}
		*trait = mutated

		child.Name = mutateName(e.rng, child.Name)
		child.Generation = 0
		child.MutatedThisGeneration = true
	}
	child.RefreshHint()
	return child
}

func traitRef(ind *model.Individual, idx int) *float64 {
	switch idx {
	case 0:
		return &ind.Speed
	case 1:
		return &ind.Stamina
	case 2:
		return &ind.Health
	default:
		return &ind.Greed
	}
}

func fanOut(ctx context.Context, workers int, individuals []model.Individual, fn func(context.Context, model.Individual) (model.Individual, error)) ([]model.Individual, error) {
	p := pool.NewWithResults[model.Individual]().
		WithContext(ctx).
		WithMaxGoroutines(workers).
		WithCancelOnError()
	for _, ind := range individuals {
		p.Go(func(ctx context.Context) (model.Individual, error) {
			return fn(ctx, ind)
		})
	}
	return p.Wait()
}
