package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"evolve/internal/compute"
	"evolve/internal/model"
)

// call times a collaborator call and wraps its failure.
func (o *Orchestrator) call(ctx context.Context, phase model.Phase, op string, fn func(context.Context) error) error {
	started := time.Now()
	err := fn(ctx)
	o.cfg.Metrics.CollaboratorCall(op, started, err)
	if err != nil {
		return &CollaboratorError{Phase: phase, Operation: op, Err: err}
	}
	return nil
}

// transition applies the phase's transition function to one individual.
func (o *Orchestrator) transition(ctx context.Context, phase model.Phase, ind model.Individual) error {
	switch phase {
	case model.PhaseSimulate:
		return o.simulate(ctx, ind)
	case model.PhaseSelect:
		return o.selectOne(ctx, ind)
	case model.PhaseKill:
		return o.kill(ctx, ind)
	case model.PhaseReproduce:
		return o.reproduce(ctx, ind)
	default:
		return fmt.Errorf("phase %q has no transition", phase)
	}
}

func (o *Orchestrator) simulate(ctx context.Context, ind model.Individual) error {
	if ind.Simulated {
		return nil
	}

	var out model.Individual
	err := o.call(ctx, model.PhaseSimulate, compute.OpSimulate, func(ctx context.Context) error {
		var err error
		out, err = o.cfg.Collaborator.Simulate(ctx, ind)
		return err
	})
	if err != nil {
		return err
	}
	if err := checkScored(ind, out); err != nil {
		return err
	}

	ind.Fitness = out.Fitness
	ind.Simulated = true
	if err := o.store.InsertRanked(ind); err != nil {
		return err
	}
	o.cfg.Metrics.Processed(o.cfg.PopulationID, string(model.PhaseSimulate), 1)
	return nil
}

func (o *Orchestrator) selectOne(ctx context.Context, ind model.Individual) error {
	if ind.NaturallySelected {
		return nil
	}

	info := compute.PopulationInfo{Size: o.store.Len()}
	var out model.Individual
	err := o.call(ctx, model.PhaseSelect, compute.OpSelect, func(ctx context.Context) error {
		var err error
		out, err = o.cfg.Collaborator.Select(ctx, ind, info)
		return err
	})
	if err != nil {
		return err
	}
	if err := checkSelected(ind, out); err != nil {
		return err
	}

	out = markSelected(ind, out)
	if err := o.store.Replace(out); err != nil {
		return err
	}
	o.cfg.Metrics.Processed(o.cfg.PopulationID, string(model.PhaseSelect), 1)
	return nil
}

func (o *Orchestrator) kill(ctx context.Context, ind model.Individual) error {
	if _, ok := o.store.Get(ind.ID); !ok {
		return nil
	}

	err := o.call(ctx, model.PhaseKill, compute.OpKill, func(ctx context.Context) error {
		return o.cfg.Collaborator.Kill(ctx, ind)
	})
	if err != nil {
		return err
	}

	if o.store.Remove(ind.ID) {
		o.mu.Lock()
		o.tally.killed++
		o.mu.Unlock()
		o.cfg.Metrics.Processed(o.cfg.PopulationID, string(model.PhaseKill), 1)
	}
	return nil
}

func (o *Orchestrator) reproduce(ctx context.Context, parent model.Individual) error {
	if _, ok := o.store.Get(parent.ID); !ok {
		return nil
	}

	var offspring []model.Individual
	err := o.call(ctx, model.PhaseReproduce, compute.OpReproduce, func(ctx context.Context) error {
		var err error
		offspring, err = o.cfg.Collaborator.Reproduce(ctx, parent)
		return err
	})
	if err != nil {
		return err
	}

	return o.replaceParents(model.PhaseReproduce, []model.Individual{parent}, offspring)
}

// replaceParents removes the parents and appends offspring up to the carrying
// capacity. Excess offspring are dropped and recorded, never an error.
func (o *Orchestrator) replaceParents(phase model.Phase, parents, offspring []model.Individual) error {
	parentIDs := make(map[string]struct{}, len(parents))
	for _, p := range parents {
		parentIDs[p.ID] = struct{}{}
	}
	if err := validateNewcomers(phase, offspring, func(id string) bool {
		if _, isParent := parentIDs[id]; isParent {
			return true
		}
		_, exists := o.store.Get(id)
		return exists
	}); err != nil {
		return err
	}

	for _, p := range parents {
		o.store.Remove(p.ID)
	}

	room := o.cfg.CarryingCapacity - o.store.Len()
	if room < 0 {
		room = 0
	}
	kept := offspring
	var dropped []model.Individual
	if len(offspring) > room {
		kept, dropped = offspring[:room], offspring[room:]
	}

	children := make([]model.Individual, 0, len(kept))
	mutated := 0
	for _, child := range kept {
		mutatedChild := child.MutatedThisGeneration
		child.ResetGeneration()
		child.MutatedThisGeneration = mutatedChild
		child.RefreshHint()
		if mutatedChild {
			mutated++
		}
		children = append(children, child)
	}
	if err := o.store.Append(children...); err != nil {
		return err
	}

	if len(dropped) > 0 {
		names := make([]string, 0, len(dropped))
		for _, d := range dropped {
			names = append(names, d.DisplayName())
		}
		o.logger.Warn("carrying capacity reached, offspring dropped",
			"capacity", o.cfg.CarryingCapacity,
			"dropped", len(dropped),
			"offspring", names,
		)
		o.cfg.Metrics.OffspringDropped(o.cfg.PopulationID, len(dropped))
	}

	o.mu.Lock()
	o.tally.born += len(children)
	o.tally.dropped += len(dropped)
	o.tally.mutated += mutated
	o.mu.Unlock()
	o.cfg.Metrics.Processed(o.cfg.PopulationID, string(phase), len(parents))
	o.cfg.Metrics.PopulationSize(o.cfg.PopulationID, o.store.Len())
	return nil
}

func checkScored(in, out model.Individual) error {
	if out.ID != in.ID {
		return &InvariantError{Phase: model.PhaseSimulate, Individual: in.ID, Reason: fmt.Sprintf("result carries id %q", out.ID)}
	}
	if math.IsNaN(out.Fitness) || math.IsInf(out.Fitness, 0) {
		return &InvariantError{Phase: model.PhaseSimulate, Individual: in.ID, Reason: "fitness is not a finite number"}
	}
	return nil
}

func checkSelected(in, out model.Individual) error {
	if out.ID != in.ID {
		return &InvariantError{Phase: model.PhaseSelect, Individual: in.ID, Reason: fmt.Sprintf("result carries id %q", out.ID)}
	}
	if out.Outcome != model.OutcomeSuccess && out.Outcome != model.OutcomeFailure {
		return &InvariantError{Phase: model.PhaseSelect, Individual: in.ID, Reason: fmt.Sprintf("outcome %q is not a selection result", out.Outcome)}
	}
	return nil
}

// markSelected keeps the stored scoring of in and takes only the selection
// result from out.
func markSelected(in, out model.Individual) model.Individual {
	in.Outcome = out.Outcome
	in.NaturallySelected = true
	in.RefreshHint()
	return in
}

// validateNewcomers checks individuals about to enter the store. exists may be
// nil when the store is being replaced wholesale.
func validateNewcomers(phase model.Phase, individuals []model.Individual, exists func(id string) bool) error {
	seen := make(map[string]struct{}, len(individuals))
	for _, ind := range individuals {
		if ind.ID == "" {
			return &InvariantError{Phase: phase, Reason: "individual without id"}
		}
		if _, dup := seen[ind.ID]; dup {
			return &InvariantError{Phase: phase, Individual: ind.ID, Reason: "duplicate id"}
		}
		if exists != nil && exists(ind.ID) {
			return &InvariantError{Phase: phase, Individual: ind.ID, Reason: "id already in population"}
		}
		if !ind.TraitsInRange() {
			return &InvariantError{Phase: phase, Individual: ind.ID, Reason: "traits outside [0,1]"}
		}
		seen[ind.ID] = struct{}{}
	}
	return nil
}
