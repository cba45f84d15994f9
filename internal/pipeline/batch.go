package pipeline

import (
	"context"
	"fmt"
	"math"

	"evolve/internal/compute"
	"evolve/internal/model"
)

// runPhase drives phase to completion. Paced mode steps one individual at a
// time with StepDelay between steps; instant mode hands the whole remainder to
// the collaborator in one batch call.
func (o *Orchestrator) runPhase(ctx context.Context, phase model.Phase, speed model.Speed) error {
	if speed == model.SpeedInstant {
		return o.runBatch(ctx, phase)
	}

	// every step settles one pending individual, so the pending count bounds
	// the loop
	budget := len(o.store.AllNotMatching(phase.Processed)) + 1
	for steps := 0; ; steps++ {
		if steps > budget {
			o.logger.Error("phase made no progress, forcing phase transition", "phase", phase, "steps", steps)
			o.cfg.Metrics.InvariantViolation(o.cfg.PopulationID, string(phase))
			o.finishPhase(phase)
			o.emit(Event{Kind: EventPhaseForced, Phase: phase, Generation: o.Generation()})
			return nil
		}
		result, err := o.stepOnce(ctx, false)
		if err != nil {
			return err
		}
		if result != StepStepped {
			return nil
		}
		if err := sleep(ctx, o.cfg.StepDelay); err != nil {
			return err
		}
	}
}

// runBatch applies one batch call to every unprocessed individual. Results are
// validated before anything is written, so a failure leaves the store as it
// was.
func (o *Orchestrator) runBatch(ctx context.Context, phase model.Phase) error {
	targets := o.store.AllNotMatching(phase.Processed)
	if len(targets) > 0 {
		var err error
		switch phase {
		case model.PhaseSimulate:
			err = o.simulateBatch(ctx, targets)
		case model.PhaseSelect:
			err = o.selectBatch(ctx, targets)
		case model.PhaseKill:
			err = o.killBatch(ctx, targets)
		case model.PhaseReproduce:
			err = o.reproduceBatch(ctx, targets)
		default:
			err = fmt.Errorf("phase %q has no batch transition", phase)
		}
		if err != nil {
			o.logger.Error("batch failed", "phase", phase, "individuals", len(targets), "error", err)
			return err
		}
	}

	o.logger.Debug("batch complete", "phase", phase, "individuals", len(targets))
	o.finishPhase(phase)
	o.emit(Event{Kind: EventPhaseComplete, Phase: phase, Generation: o.Generation()})
	return nil
}

func (o *Orchestrator) simulateBatch(ctx context.Context, targets []model.Individual) error {
	var results []model.Individual
	err := o.call(ctx, model.PhaseSimulate, compute.OpSimulateBatch, func(ctx context.Context) error {
		var err error
		results, err = o.cfg.Collaborator.SimulateBatch(ctx, targets)
		return err
	})
	if err != nil {
		return err
	}

	byID, err := matchResults(model.PhaseSimulate, targets, results)
	if err != nil {
		return err
	}
	updates := make([]model.Individual, 0, len(targets))
	for _, ind := range targets {
		out := byID[ind.ID]
		if math.IsNaN(out.Fitness) || math.IsInf(out.Fitness, 0) {
			return &InvariantError{Phase: model.PhaseSimulate, Individual: ind.ID, Reason: "fitness is not a finite number"}
		}
		ind.Fitness = out.Fitness
		ind.Simulated = true
		updates = append(updates, ind)
	}

	if err := o.store.Merge(updates); err != nil {
		return err
	}
	o.cfg.Metrics.Processed(o.cfg.PopulationID, string(model.PhaseSimulate), len(updates))
	return nil
}

func (o *Orchestrator) selectBatch(ctx context.Context, targets []model.Individual) error {
	info := compute.PopulationInfo{Size: o.store.Len()}
	var results []model.Individual
	err := o.call(ctx, model.PhaseSelect, compute.OpSelectBatch, func(ctx context.Context) error {
		var err error
		results, err = o.cfg.Collaborator.SelectBatch(ctx, targets, info)
		return err
	})
	if err != nil {
		return err
	}

	byID, err := matchResults(model.PhaseSelect, targets, results)
	if err != nil {
		return err
	}
	updates := make([]model.Individual, 0, len(targets))
	for _, ind := range targets {
		out := byID[ind.ID]
		if err := checkSelected(ind, out); err != nil {
			return err
		}
		updates = append(updates, markSelected(ind, out))
	}

	if err := o.store.Merge(updates); err != nil {
		return err
	}
	o.cfg.Metrics.Processed(o.cfg.PopulationID, string(model.PhaseSelect), len(updates))
	return nil
}

func (o *Orchestrator) killBatch(ctx context.Context, targets []model.Individual) error {
	err := o.call(ctx, model.PhaseKill, compute.OpKillBatch, func(ctx context.Context) error {
		return o.cfg.Collaborator.KillBatch(ctx, targets)
	})
	if err != nil {
		return err
	}

	killed := 0
	for _, ind := range targets {
		if o.store.Remove(ind.ID) {
			killed++
		}
	}
	o.mu.Lock()
	o.tally.killed += killed
	o.mu.Unlock()
	o.cfg.Metrics.Processed(o.cfg.PopulationID, string(model.PhaseKill), killed)
	return nil
}

func (o *Orchestrator) reproduceBatch(ctx context.Context, parents []model.Individual) error {
	var offspring []model.Individual
	err := o.call(ctx, model.PhaseReproduce, compute.OpReproduceBatch, func(ctx context.Context) error {
		var err error
		offspring, err = o.cfg.Collaborator.ReproduceBatch(ctx, parents)
		return err
	})
	if err != nil {
		return err
	}
	return o.replaceParents(model.PhaseReproduce, parents, offspring)
}

// matchResults pairs batch results with their requests by ID. Order is not
// significant but every request must be answered exactly once.
func matchResults(phase model.Phase, targets, results []model.Individual) (map[string]model.Individual, error) {
	if len(results) != len(targets) {
		return nil, &InvariantError{Phase: phase, Reason: fmt.Sprintf("expected %d results, got %d", len(targets), len(results))}
	}
	wanted := make(map[string]struct{}, len(targets))
	for _, ind := range targets {
		wanted[ind.ID] = struct{}{}
	}
	byID := make(map[string]model.Individual, len(results))
	for _, out := range results {
		if _, ok := wanted[out.ID]; !ok {
			return nil, &InvariantError{Phase: phase, Individual: out.ID, Reason: "result for an individual that was not requested"}
		}
		if _, dup := byID[out.ID]; dup {
			return nil, &InvariantError{Phase: phase, Individual: out.ID, Reason: "duplicate result"}
		}
		byID[out.ID] = out
	}
	return byID, nil
}
