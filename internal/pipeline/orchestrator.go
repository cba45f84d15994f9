package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"evolve/internal/compute"
	"evolve/internal/model"
	"evolve/internal/population"
	"evolve/internal/storage"
	"evolve/internal/telemetry"
)

const (
	DefaultInitialSize        = 120
	DefaultCarryingCapacity   = 150
	DefaultGenerationInterval = time.Second
)

type EventKind string

const (
	EventStepped            EventKind = "stepped"
	EventPhaseComplete      EventKind = "phase_complete"
	EventPhaseForced        EventKind = "phase_forced"
	EventGenerationAdvanced EventKind = "generation_advanced"
	EventStopped            EventKind = "stopped"
)

type Event struct {
	Kind       EventKind
	Phase      model.Phase
	Individual string
	Generation int
}

// Observer receives pipeline events on the driver goroutine. It must not call
// back into driver methods of the same orchestrator.
type Observer func(Event)

type Config struct {
	PopulationID       string
	InitialSize        int
	CarryingCapacity   int
	StepDelay          time.Duration
	GenerationInterval time.Duration
	Collaborator       compute.Collaborator
	Archive            storage.Store
	Metrics            *telemetry.Metrics
	Logger             *slog.Logger
	Observer           Observer
}

type tally struct {
	killed  int
	born    int
	dropped int
	mutated int

	scored bool
	best   float64
	mean   float64
	min    float64
}

// Orchestrator sequences the generation pipeline for one population. Only one
// driver call runs at a time; readers never wait for a running driver.
type Orchestrator struct {
	cfg    Config
	store  *population.Store
	logger *slog.Logger
	stop   *stopSignal

	runMu sync.Mutex

	mu         sync.RWMutex
	state      model.PipelineState
	generation int
	tally      tally
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Collaborator == nil {
		return nil, fmt.Errorf("compute collaborator is required")
	}
	if cfg.PopulationID == "" {
		cfg.PopulationID = "default"
	}
	if cfg.InitialSize == 0 {
		cfg.InitialSize = DefaultInitialSize
	}
	if cfg.InitialSize < 0 {
		return nil, fmt.Errorf("initial size must be >= 0")
	}
	if cfg.CarryingCapacity == 0 {
		cfg.CarryingCapacity = DefaultCarryingCapacity
	}
	if cfg.CarryingCapacity < 1 {
		return nil, fmt.Errorf("carrying capacity must be >= 1")
	}
	if cfg.StepDelay < 0 || cfg.GenerationInterval < 0 {
		return nil, fmt.Errorf("delays must be >= 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:    cfg,
		store:  population.NewStore(nil),
		logger: logger.With("population", cfg.PopulationID),
		stop:   newStopSignal(),
	}, nil
}

func (o *Orchestrator) PopulationID() string {
	return o.cfg.PopulationID
}

func (o *Orchestrator) Snapshot() []model.Individual {
	return o.store.Snapshot()
}

func (o *Orchestrator) State() model.PipelineState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// StopRequested reports whether a stop is pending for the next generation
// boundary.
func (o *Orchestrator) StopRequested() bool {
	return o.stop.requested()
}

func (o *Orchestrator) Generation() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.generation
}

// RequestStop asks a continuous run to stop before its next generation. It is
// idempotent and may be called at any time.
func (o *Orchestrator) RequestStop() {
	o.stop.request()
	o.logger.Info("stop requested")
}

// Seed replaces the population with a freshly generated one.
func (o *Orchestrator) Seed(ctx context.Context) error {
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.release()

	if !o.State().Idle() {
		return ErrGenerationInProgress
	}

	started := time.Now()
	individuals, err := o.cfg.Collaborator.GenerateInitial(ctx, o.cfg.InitialSize)
	o.cfg.Metrics.CollaboratorCall(compute.OpGenerateInitial, started, err)
	if err != nil {
		return &CollaboratorError{Phase: model.PhaseNone, Operation: compute.OpGenerateInitial, Err: err}
	}
	if err := validateNewcomers(model.PhaseNone, individuals, nil); err != nil {
		return err
	}
	for i := range individuals {
		individuals[i].ResetGeneration()
	}

	o.store.Load(individuals)
	o.mu.Lock()
	o.tally = tally{}
	o.mu.Unlock()
	o.cfg.Metrics.PopulationSize(o.cfg.PopulationID, len(individuals))
	o.logger.Info("population seeded", "size", len(individuals))
	return nil
}

// Restore loads an archived snapshot into an idle pipeline.
func (o *Orchestrator) Restore(snapshot model.PopulationSnapshot) error {
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.release()

	if !o.State().Idle() {
		return ErrGenerationInProgress
	}
	if err := validateNewcomers(model.PhaseNone, snapshot.Individuals, nil); err != nil {
		return err
	}

	individuals := append([]model.Individual(nil), snapshot.Individuals...)
	for i := range individuals {
		individuals[i].ResetGeneration()
	}
	o.store.Load(individuals)
	o.mu.Lock()
	o.generation = snapshot.Generation
	o.tally = tally{}
	o.mu.Unlock()
	o.cfg.Metrics.PopulationSize(o.cfg.PopulationID, len(individuals))
	o.logger.Info("population restored", "size", len(individuals), "generation", snapshot.Generation)
	return nil
}

// StartManual puts the pipeline under single-step control. A generation left
// mid-way by an earlier run resumes from its current phase.
func (o *Orchestrator) StartManual(speed model.Speed) (model.PipelineState, error) {
	if err := o.acquire(); err != nil {
		return model.PipelineState{}, err
	}
	defer o.release()

	if err := o.begin(model.ControlManual, speed); err != nil {
		return model.PipelineState{}, err
	}
	return o.State(), nil
}

// StepOnce advances exactly one individual through the current phase, or
// moves the pipeline on when the phase has nothing left.
func (o *Orchestrator) StepOnce(ctx context.Context) (StepResult, error) {
	if err := o.acquire(); err != nil {
		return StepNone, err
	}
	defer o.release()

	if o.State().Idle() {
		return StepNone, ErrNotStarted
	}
	return o.stepOnce(ctx, true)
}

// CompletePhase processes everything left in the current phase with the
// pipeline's speed mode and returns the phase that follows.
func (o *Orchestrator) CompletePhase(ctx context.Context) (model.Phase, error) {
	if err := o.acquire(); err != nil {
		return model.PhaseNone, err
	}
	defer o.release()

	state := o.State()
	if state.Idle() {
		return model.PhaseNone, ErrNotStarted
	}
	if state.Phase == model.PhaseAdvance {
		if err := o.advanceGeneration(ctx); err != nil {
			return model.PhaseNone, err
		}
		return o.State().Phase, nil
	}
	if err := o.runPhase(ctx, state.Phase, state.Speed); err != nil {
		return o.State().Phase, err
	}
	return o.State().Phase, nil
}

// StartFull drives one whole generation, resuming a partial one if a
// previous run failed mid-way.
func (o *Orchestrator) StartFull(ctx context.Context, speed model.Speed) error {
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.release()

	if err := o.begin(model.ControlFull, speed); err != nil {
		return err
	}
	return o.runGeneration(ctx)
}

// StartAutomatic repeats generations until RequestStop is observed at a
// generation boundary or a phase fails. It returns the number of generations
// completed by this call.
func (o *Orchestrator) StartAutomatic(ctx context.Context, speed model.Speed) (int, error) {
	if err := o.acquire(); err != nil {
		return 0, err
	}
	defer o.release()

	completed := 0
	for {
		if o.State().Idle() {
			if completed > 0 {
				if err := o.stop.wait(ctx, o.cfg.GenerationInterval); err != nil {
					return completed, err
				}
			}
			if o.stop.consume() {
				o.setIdle()
				o.logger.Info("continuous run stopped", "generations", completed, "generation", o.Generation())
				o.emit(Event{Kind: EventStopped, Generation: o.Generation()})
				return completed, nil
			}
		}

		if err := o.begin(model.ControlAutomatic, speed); err != nil {
			return completed, err
		}
		if err := o.runGeneration(ctx); err != nil {
			o.logger.Error("continuous run aborted", "generations", completed, "error", err)
			return completed, err
		}
		completed++
	}
}

func (o *Orchestrator) acquire() error {
	if !o.runMu.TryLock() {
		return ErrBusy
	}
	o.mu.Lock()
	o.state.Running = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.state.Running = false
	o.mu.Unlock()
	o.runMu.Unlock()
}

func (o *Orchestrator) begin(control model.Control, speed model.Speed) error {
	if speed == "" {
		speed = model.SpeedPaced
	}
	if speed != model.SpeedPaced && speed != model.SpeedInstant {
		return fmt.Errorf("unsupported speed mode: %s", speed)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Phase == model.PhaseNone {
		if o.store.Len() == 0 {
			return ErrEmptyPopulation
		}
		o.state.Phase = model.PhaseSimulate
		o.tally = tally{}
	}
	o.state.Control = control
	o.state.Speed = speed
	return nil
}

func (o *Orchestrator) setIdle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = model.PipelineState{Running: o.state.Running}
}

func (o *Orchestrator) currentPhase() model.Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Phase
}

// finishPhase moves the pipeline past phase unless another call already did.
func (o *Orchestrator) finishPhase(phase model.Phase) {
	if phase == model.PhaseSimulate {
		o.scoreGeneration()
	}
	o.mu.Lock()
	if o.state.Phase == phase {
		o.state.Phase = phase.Next()
	}
	o.mu.Unlock()
}

// scoreGeneration captures fitness statistics once simulation is complete.
func (o *Orchestrator) scoreGeneration() {
	scored := o.store.AllMatching(model.PhaseSimulate.Processed)
	t := tally{}
	if len(scored) > 0 {
		t.scored = true
		t.best, t.min = scored[0].Fitness, scored[0].Fitness
		total := 0.0
		for _, ind := range scored {
			total += ind.Fitness
			if ind.Fitness > t.best {
				t.best = ind.Fitness
			}
			if ind.Fitness < t.min {
				t.min = ind.Fitness
			}
		}
		t.mean = total / float64(len(scored))
	}

	o.mu.Lock()
	o.tally.scored, o.tally.best, o.tally.mean, o.tally.min = t.scored, t.best, t.mean, t.min
	o.mu.Unlock()
}

func (o *Orchestrator) runGeneration(ctx context.Context) error {
	for {
		phase := o.currentPhase()
		switch phase {
		case model.PhaseNone:
			return nil
		case model.PhaseAdvance:
			return o.advanceGeneration(ctx)
		}
		if err := o.runPhase(ctx, phase, o.State().Speed); err != nil {
			return err
		}
	}
}

// advanceGeneration closes a generation: counter, flags, pipeline state,
// metrics and archive.
func (o *Orchestrator) advanceGeneration(ctx context.Context) error {
	o.store.ResetGenerationFlags()
	survivors := o.store.Snapshot()

	o.mu.Lock()
	o.generation++
	generation := o.generation
	t := o.tally
	o.tally = tally{}
	if o.state.Control == model.ControlAutomatic {
		o.state.Phase = model.PhaseNone
	} else {
		o.state = model.PipelineState{Running: o.state.Running}
	}
	o.mu.Unlock()

	o.cfg.Metrics.GenerationAdvanced(o.cfg.PopulationID, len(survivors), t.best)
	o.logger.Info("generation advanced",
		"generation", generation,
		"size", len(survivors),
		"best_fitness", t.best,
		"killed", t.killed,
		"born", t.born,
		"dropped", t.dropped,
	)
	o.archive(ctx, generation, survivors, t)
	o.emit(Event{Kind: EventGenerationAdvanced, Phase: model.PhaseAdvance, Generation: generation})
	return nil
}

// archive records the generation. Failures are logged; the generation has
// already advanced in memory.
func (o *Orchestrator) archive(ctx context.Context, generation int, survivors []model.Individual, t tally) {
	if o.cfg.Archive == nil {
		return
	}
	record := model.GenerationRecord{
		VersionedRecord: storage.Stamp(),
		PopulationID:    o.cfg.PopulationID,
		Generation:      generation,
		Size:            len(survivors),
		BestFitness:     t.best,
		MeanFitness:     t.mean,
		MinFitness:      t.min,
		Killed:          t.killed,
		Born:            t.born,
		Dropped:         t.dropped,
		Mutated:         t.mutated,
		CompletedAtUTC:  time.Now().UTC(),
	}
	if err := o.cfg.Archive.SaveGeneration(ctx, record); err != nil {
		o.logger.Warn("archive generation failed", "generation", generation, "error", err)
	}
	snapshot := model.PopulationSnapshot{
		VersionedRecord: storage.Stamp(),
		PopulationID:    o.cfg.PopulationID,
		Generation:      generation,
		Individuals:     survivors,
	}
	if err := o.cfg.Archive.SaveSnapshot(ctx, snapshot); err != nil {
		o.logger.Warn("archive snapshot failed", "generation", generation, "error", err)
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.cfg.Observer != nil {
		o.cfg.Observer(ev)
	}
}
