package pipeline

import (
	"errors"
	"fmt"

	"evolve/internal/model"
)

var (
	// ErrBusy is returned when another driver is operating on the population.
	ErrBusy = errors.New("pipeline is busy")
	// ErrNotStarted is returned by step and phase calls when no generation is in progress.
	ErrNotStarted = errors.New("no generation in progress")
	// ErrGenerationInProgress is returned by calls that need an idle pipeline.
	ErrGenerationInProgress = errors.New("generation in progress")
	// ErrEmptyPopulation is returned when a generation is started without individuals.
	ErrEmptyPopulation = errors.New("population is empty")
)

// CollaboratorError reports a failed compute call. Store state is untouched
// for the individual or sub-batch the call covered.
type CollaboratorError struct {
	Phase     model.Phase
	Operation string
	Err       error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s phase: %s: %v", e.Phase, e.Operation, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// InvariantError reports a collaborator result the pipeline cannot accept.
type InvariantError struct {
	Phase      model.Phase
	Individual string
	Reason     string
}

func (e *InvariantError) Error() string {
	if e.Individual == "" {
		return fmt.Sprintf("%s phase: invariant violated: %s", e.Phase, e.Reason)
	}
	return fmt.Sprintf("%s phase: invariant violated for %s: %s", e.Phase, e.Individual, e.Reason)
}
