package storage

import (
	"context"

	"evolve/internal/model"
)

// Store archives completed generations and the latest population snapshot of
// each population.
type Store interface {
	Init(ctx context.Context) error
	SaveGeneration(ctx context.Context, record model.GenerationRecord) error
	ListGenerations(ctx context.Context, populationID string, limit int) ([]model.GenerationRecord, error)
	SaveSnapshot(ctx context.Context, snapshot model.PopulationSnapshot) error
	GetSnapshot(ctx context.Context, populationID string) (model.PopulationSnapshot, bool, error)
	ListPopulations(ctx context.Context) ([]string, error)
}
