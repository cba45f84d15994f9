package compute

import (
	"context"

	"evolve/internal/model"
)

// PopulationInfo carries the population facts a selection decision needs.
type PopulationInfo struct {
	Size int `json:"size"`
}

// Collaborator performs the creature computations the pipeline delegates:
// trait generation, fitness scoring, survival decisions and offspring.
// Batch responses are not required to preserve request order.
type Collaborator interface {
	GenerateInitial(ctx context.Context, count int) ([]model.Individual, error)
	Simulate(ctx context.Context, ind model.Individual) (model.Individual, error)
	SimulateBatch(ctx context.Context, individuals []model.Individual) ([]model.Individual, error)
	Select(ctx context.Context, ind model.Individual, info PopulationInfo) (model.Individual, error)
	SelectBatch(ctx context.Context, individuals []model.Individual, info PopulationInfo) ([]model.Individual, error)
	Kill(ctx context.Context, ind model.Individual) error
	KillBatch(ctx context.Context, individuals []model.Individual) error
	Reproduce(ctx context.Context, parent model.Individual) ([]model.Individual, error)
	ReproduceBatch(ctx context.Context, parents []model.Individual) ([]model.Individual, error)
}

// Operation names double as transport subjects.
const (
	OpGenerateInitial = "generate_initial"
	OpSimulate        = "simulate"
	OpSimulateBatch   = "simulate_batch"
	OpSelect          = "select"
	OpSelectBatch     = "select_batch"
	OpKill            = "kill"
	OpKillBatch       = "kill_batch"
	OpReproduce       = "reproduce"
	OpReproduceBatch  = "reproduce_batch"
)

var Operations = []string{
	OpGenerateInitial,
	OpSimulate,
	OpSimulateBatch,
	OpSelect,
	OpSelectBatch,
	OpKill,
	OpKillBatch,
	OpReproduce,
	OpReproduceBatch,
}
