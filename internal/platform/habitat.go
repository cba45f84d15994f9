package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"evolve/internal/model"
	"evolve/internal/pipeline"
	"evolve/internal/storage"
)

var (
	ErrNotStarted        = errors.New("habitat is not started")
	ErrUnknownPopulation = errors.New("unknown population")
	ErrPopulationExists  = errors.New("population already exists")
)

// SupportModule is a process-level service started and stopped with the
// habitat, such as an in-process compute service.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Config struct {
	Archive        storage.Store
	Pipeline       pipeline.Config
	SupportModules []SupportModule
	// RetryAutomatic restarts a continuous run that failed on a collaborator
	// error, using Retry for backoff. Off by default: a failed run stops.
	RetryAutomatic bool
	Retry          RetryPolicy
	Logger         *slog.Logger
}

// Status is the read-only view of one population.
type Status struct {
	PopulationID  string              `json:"population_id"`
	Generation    int                 `json:"generation"`
	Size          int                 `json:"size"`
	State         model.PipelineState `json:"state"`
	StopRequested bool                `json:"stop_requested"`
	Run           *RunStatus          `json:"run,omitempty"`
}

const (
	runKindFull      = "full"
	runKindAutomatic = "automatic"
)

// Habitat hosts independent populations, each driven by its own
// orchestrator, and the background runs that drive them.
type Habitat struct {
	cfg     Config
	archive storage.Store
	logger  *slog.Logger
	runs    *runner

	mu          sync.RWMutex
	started     bool
	modules     []SupportModule
	populations map[string]*pipeline.Orchestrator
}

func NewHabitat(cfg Config) (*Habitat, error) {
	if cfg.Pipeline.Collaborator == nil {
		return nil, fmt.Errorf("compute collaborator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pipeline.Logger == nil {
		cfg.Pipeline.Logger = logger
	}
	return &Habitat{
		cfg:         cfg,
		archive:     cfg.Archive,
		logger:      logger,
		runs:        newRunner(cfg.Retry, retryable, logger.With("component", "runner")),
		populations: make(map[string]*pipeline.Orchestrator),
	}, nil
}

// Init prepares the archive and starts support modules. Modules already
// started are stopped again if a later one fails.
func (h *Habitat) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}

	if h.archive != nil {
		if err := h.archive.Init(ctx); err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
	}

	started := make([]SupportModule, 0, len(h.cfg.SupportModules))
	seen := make(map[string]struct{}, len(h.cfg.SupportModules))
	for i, module := range h.cfg.SupportModules {
		if module == nil {
			stopModules(ctx, started)
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			stopModules(ctx, started)
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if _, dup := seen[name]; dup {
			stopModules(ctx, started)
			return fmt.Errorf("duplicate support module: %s", name)
		}
		if err := module.Start(ctx); err != nil {
			stopModules(ctx, started)
			return fmt.Errorf("start support module %s: %w", name, err)
		}
		seen[name] = struct{}{}
		started = append(started, module)
	}

	h.modules = started
	h.started = true
	h.logger.Info("habitat started", "modules", len(started))
	return nil
}

// Shutdown asks every population to stop, cancels background runs that do
// not stop on their own, and stops support modules.
func (h *Habitat) Shutdown(ctx context.Context) {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	populations := make([]*pipeline.Orchestrator, 0, len(h.populations))
	for _, o := range h.populations {
		populations = append(populations, o)
	}
	modules := h.modules
	h.modules = nil
	h.mu.Unlock()

	for _, o := range populations {
		o.RequestStop()
	}
	for _, name := range h.runs.active() {
		if err := h.runs.wait(ctx, name); err != nil {
			break
		}
	}
	h.runs.cancelAll()
	stopModules(context.Background(), modules)
	h.logger.Info("habitat stopped", "populations", len(populations))
}

func (h *Habitat) Started() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// AddPopulation creates a population. With resume set and an archived
// snapshot available, the population continues from that snapshot;
// otherwise it is freshly seeded.
func (h *Habitat) AddPopulation(ctx context.Context, id string, resume bool) (*pipeline.Orchestrator, error) {
	if id == "" {
		return nil, fmt.Errorf("population id is required")
	}
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil, ErrNotStarted
	}
	if _, exists := h.populations[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPopulationExists, id)
	}
	h.mu.Unlock()

	cfg := h.cfg.Pipeline
	cfg.PopulationID = id
	cfg.Archive = h.archive
	o, err := pipeline.New(cfg)
	if err != nil {
		return nil, err
	}

	restored := false
	if resume && h.archive != nil {
		snapshot, ok, err := h.archive.GetSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", id, err)
		}
		if ok {
			if err := o.Restore(snapshot); err != nil {
				return nil, fmt.Errorf("restore %s: %w", id, err)
			}
			restored = true
		}
	}
	if !restored {
		if err := o.Seed(ctx); err != nil {
			return nil, fmt.Errorf("seed %s: %w", id, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.populations[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPopulationExists, id)
	}
	h.populations[id] = o
	h.logger.Info("population added", "population", id, "restored", restored, "generation", o.Generation())
	return o, nil
}

// RemovePopulation stops and forgets a population. Its archive is kept.
func (h *Habitat) RemovePopulation(id string) error {
	o, err := h.Population(id)
	if err != nil {
		return err
	}
	o.RequestStop()
	h.runs.cancel(id)

	h.mu.Lock()
	delete(h.populations, id)
	h.mu.Unlock()
	return nil
}

func (h *Habitat) Population(id string) (*pipeline.Orchestrator, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.populations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPopulation, id)
	}
	return o, nil
}

func (h *Habitat) Populations() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.populations))
	for id := range h.populations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunFull drives one generation of id in the background.
func (h *Habitat) RunFull(id string, speed model.Speed) error {
	o, err := h.runnable(id)
	if err != nil {
		return err
	}
	return h.runs.start(id, runKindFull, RestartTemporary, func(ctx context.Context) error {
		return o.StartFull(ctx, speed)
	})
}

// RunAutomatic drives id continuously in the background until Stop or the
// first phase error. With RetryAutomatic set, a collaborator failure restarts
// the run with backoff from the phase that failed.
func (h *Habitat) RunAutomatic(id string, speed model.Speed) error {
	o, err := h.runnable(id)
	if err != nil {
		return err
	}
	policy := RestartTemporary
	if h.cfg.RetryAutomatic {
		policy = RestartTransient
	}
	return h.runs.start(id, runKindAutomatic, policy, func(ctx context.Context) error {
		completed, err := o.StartAutomatic(ctx, speed)
		h.logger.Debug("continuous run returned", "population", id, "generations", completed, "error", err)
		return err
	})
}

// Stop asks a continuous run to stop at its next generation boundary.
func (h *Habitat) Stop(id string) error {
	o, err := h.Population(id)
	if err != nil {
		return err
	}
	o.RequestStop()
	return nil
}

// Wait blocks until the background run of id, if any, has exited.
func (h *Habitat) Wait(ctx context.Context, id string) error {
	if _, err := h.Population(id); err != nil {
		return err
	}
	return h.runs.wait(ctx, id)
}

func (h *Habitat) Status(id string) (Status, error) {
	o, err := h.Population(id)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		PopulationID:  id,
		Generation:    o.Generation(),
		Size:          len(o.Snapshot()),
		State:         o.State(),
		StopRequested: o.StopRequested(),
	}
	if run, ok := h.runs.status(id); ok {
		status.Run = &run
	}
	return status, nil
}

// History returns archived generation records for id, oldest first.
func (h *Habitat) History(ctx context.Context, id string, limit int) ([]model.GenerationRecord, error) {
	if h.archive == nil {
		return nil, nil
	}
	return h.archive.ListGenerations(ctx, id, limit)
}

func (h *Habitat) runnable(id string) (*pipeline.Orchestrator, error) {
	if !h.Started() {
		return nil, ErrNotStarted
	}
	o, err := h.Population(id)
	if err != nil {
		return nil, err
	}
	if o.State().Running {
		return nil, pipeline.ErrBusy
	}
	return o, nil
}

// retryable reports whether a failed run may succeed when resumed. A rejected
// collaborator result would be rejected again.
func retryable(err error) bool {
	var collab *pipeline.CollaboratorError
	var invariant *pipeline.InvariantError
	return errors.As(err, &collab) && !errors.As(err, &invariant)
}

func stopModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
