package pipeline

import (
	"context"
	"errors"

	"evolve/internal/model"
)

// StepResult describes what a single step did.
type StepResult string

const (
	StepNone               StepResult = ""
	StepStepped            StepResult = "stepped"
	StepPhaseComplete      StepResult = "phase_complete"
	StepGenerationAdvanced StepResult = "generation_advanced"
)

// stepOnce performs one unit of work in the current phase. explicit is true
// when a caller asked for exactly this step rather than looping over a phase.
func (o *Orchestrator) stepOnce(ctx context.Context, explicit bool) (StepResult, error) {
	phase := o.currentPhase()
	switch phase {
	case model.PhaseNone:
		return StepNone, ErrNotStarted
	case model.PhaseAdvance:
		if err := o.advanceGeneration(ctx); err != nil {
			return StepNone, err
		}
		return StepGenerationAdvanced, nil
	}

	next, ok := o.store.FindNextUnprocessed(phase.Processed)
	if !ok {
		if explicit {
			o.logger.Warn("nothing left to process, moving on", "phase", phase)
		} else {
			o.logger.Debug("phase exhausted", "phase", phase)
		}
		o.finishPhase(phase)
		o.emit(Event{Kind: EventPhaseComplete, Phase: phase, Generation: o.Generation()})
		return StepPhaseComplete, nil
	}

	if err := o.transition(ctx, phase, next); err != nil {
		var invariant *InvariantError
		if errors.As(err, &invariant) {
			o.logger.Error("rejected collaborator result",
				"phase", phase,
				"individual", next.DisplayName(),
				"reason", invariant.Reason,
			)
			o.cfg.Metrics.InvariantViolation(o.cfg.PopulationID, string(phase))
			return StepNone, err
		}
		o.logger.Error("step failed", "phase", phase, "individual", next.DisplayName(), "error", err)
		return StepNone, err
	}

	o.logger.Debug("step", "phase", phase, "individual", next.DisplayName())
	o.emit(Event{Kind: EventStepped, Phase: phase, Individual: next.ID, Generation: o.Generation()})
	return StepStepped, nil
}
