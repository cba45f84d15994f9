package evolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"evolve/internal/compute"
	"evolve/internal/config"
	"evolve/internal/model"
	"evolve/internal/pipeline"
	"evolve/internal/platform"
	"evolve/internal/stats"
	"evolve/internal/storage"
	"evolve/internal/telemetry"
)

const (
	clientName        = "evolvectl"
	defaultExportsDir = "exports"
)

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Registerer receives the pipeline metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Conn replaces the dialed NATS connection for the nats backend.
	Conn compute.Requester
	// EmbedCompute also serves a local engine on the NATS connection, so a
	// single process can act as both orchestrator and compute worker.
	EmbedCompute bool
}

type Client struct {
	cfg          config.Config
	logger       *slog.Logger
	store        storage.Store
	collaborator compute.Collaborator
	conn         *nats.Conn
	habitat      *platform.Habitat
}

type RunRequest struct {
	PopulationID string
	Generations  int
	Speed        model.Speed
	Resume       bool
}

type RunSummary struct {
	PopulationID     string
	FirstGeneration  int
	FinalGeneration  int
	Size             int
	BestByGeneration []float64
	Records          []model.GenerationRecord
}

type HistoryRequest struct {
	PopulationID string
	Limit        int
}

type ExportRequest struct {
	PopulationID string
	OutDir       string
}

type ExportSummary struct {
	PopulationID string
	Directory    string
	Summary      stats.Summary
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *telemetry.Metrics
	if opts.Registerer != nil {
		m, err := telemetry.NewMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	store, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: logger, store: store}
	var modules []platform.SupportModule
	switch cfg.Compute.Backend {
	case config.BackendNATS:
		natsCfg := compute.NATSClientConfig{
			SubjectPrefix: cfg.Compute.SubjectPrefix,
			Timeout:       cfg.Compute.Timeout.Duration,
		}
		conn := opts.Conn
		var client *compute.NATSClient
		if conn == nil {
			nc, dialed, err := compute.Dial(cfg.Compute.NATSURL, clientName, natsCfg)
			if err != nil {
				_ = storage.CloseIfSupported(store)
				return nil, err
			}
			c.conn = nc
			conn = nc
			client = dialed
		} else {
			natsCfg.Conn = conn
			client, err = compute.NewNATSClient(natsCfg)
			if err != nil {
				c.closeResources()
				return nil, err
			}
		}
		c.collaborator = client
		if opts.EmbedCompute {
			sub, ok := conn.(compute.Subscriber)
			if !ok {
				c.closeResources()
				return nil, errors.New("embedded compute needs a subscribing nats connection")
			}
			module, err := newComputeModule(cfg, sub, logger)
			if err != nil {
				c.closeResources()
				return nil, err
			}
			modules = append(modules, module)
		}
	default:
		engine, err := NewEngine(cfg, logger)
		if err != nil {
			c.closeResources()
			return nil, err
		}
		c.collaborator = engine
	}

	habitat, err := platform.NewHabitat(platform.Config{
		Archive: store,
		Pipeline: pipeline.Config{
			InitialSize:        cfg.Population.InitialSize,
			CarryingCapacity:   cfg.Population.CarryingCapacity,
			StepDelay:          cfg.Pipeline.StepDelay.Duration,
			GenerationInterval: cfg.Pipeline.GenerationInterval.Duration,
			Collaborator:       c.collaborator,
			Metrics:            metrics,
		},
		SupportModules: modules,
		RetryAutomatic: cfg.Pipeline.RetryAutomatic,
		Logger:         logger,
	})
	if err != nil {
		c.closeResources()
		return nil, err
	}
	c.habitat = habitat
	return c, nil
}

// NewEngine builds the local compute engine from the compute and population
// sections of cfg.
func NewEngine(cfg config.Config, logger *slog.Logger) (*compute.Engine, error) {
	return compute.NewEngine(compute.EngineConfig{
		Seed:             cfg.Compute.Seed,
		MaxChildren:      cfg.Population.MaxChildren,
		ChanceOfMutation: cfg.Compute.ChanceOfMutation,
		MaxMutationDelta: cfg.Compute.MaxMutationDelta,
		Workers:          cfg.Compute.Workers,
		Logger:           logger,
	})
}

func (c *Client) Close() error {
	if c.habitat != nil {
		c.habitat.Shutdown(context.Background())
	}
	return c.closeResources()
}

func (c *Client) closeResources() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return storage.CloseIfSupported(c.store)
}

// Start opens the archive and starts support modules.
func (c *Client) Start(ctx context.Context) error {
	return c.habitat.Init(ctx)
}

func (c *Client) Habitat() *platform.Habitat {
	return c.habitat
}

func (c *Client) Config() config.Config {
	return c.cfg
}

// Run drives req.Generations full generations of one population in the
// calling goroutine and summarizes the archived records they produced.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.PopulationID == "" {
		req.PopulationID = c.cfg.Population.ID
	}
	if req.Generations <= 0 {
		req.Generations = 1
	}
	if req.Speed == "" {
		req.Speed = c.cfg.Speed()
	}
	if err := c.Start(ctx); err != nil {
		return RunSummary{}, err
	}

	o, err := c.habitat.Population(req.PopulationID)
	if errors.Is(err, platform.ErrUnknownPopulation) {
		o, err = c.habitat.AddPopulation(ctx, req.PopulationID, req.Resume)
	}
	if err != nil {
		return RunSummary{}, err
	}

	first := o.Generation()
	for i := 0; i < req.Generations; i++ {
		if err := o.StartFull(ctx, req.Speed); err != nil {
			return RunSummary{}, fmt.Errorf("generation %d: %w", o.Generation()+1, err)
		}
	}

	records, err := c.store.ListGenerations(ctx, req.PopulationID, req.Generations)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list generations: %w", err)
	}
	summary := RunSummary{
		PopulationID:    req.PopulationID,
		FirstGeneration: first,
		FinalGeneration: o.Generation(),
		Size:            len(o.Snapshot()),
	}
	for _, record := range records {
		if record.Generation <= first {
			continue
		}
		summary.Records = append(summary.Records, record)
		summary.BestByGeneration = append(summary.BestByGeneration, record.BestFitness)
	}
	return summary, nil
}

// History returns archived generation records, oldest first. Limit keeps
// only the most recent records.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]model.GenerationRecord, error) {
	if req.PopulationID == "" {
		req.PopulationID = c.cfg.Population.ID
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	return c.store.ListGenerations(ctx, req.PopulationID, req.Limit)
}

// Populations lists every population with archived history.
func (c *Client) Populations(ctx context.Context) ([]string, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	return c.store.ListPopulations(ctx)
}

// Export writes the archived history and latest snapshot of a population as
// JSON and CSV artifacts.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.PopulationID == "" {
		req.PopulationID = c.cfg.Population.ID
	}
	if req.OutDir == "" {
		req.OutDir = defaultExportsDir
	}
	records, err := c.History(ctx, HistoryRequest{PopulationID: req.PopulationID})
	if err != nil {
		return ExportSummary{}, err
	}
	artifacts := stats.Artifacts{PopulationID: req.PopulationID, Records: records}
	snapshot, ok, err := c.store.GetSnapshot(ctx, req.PopulationID)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		artifacts.Snapshot = &snapshot
	}
	if len(records) == 0 && !ok {
		return ExportSummary{}, fmt.Errorf("%w: %s has nothing archived", platform.ErrUnknownPopulation, req.PopulationID)
	}

	dir, err := stats.WriteArtifacts(req.OutDir, artifacts)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("write artifacts: %w", err)
	}
	return ExportSummary{
		PopulationID: req.PopulationID,
		Directory:    dir,
		Summary:      stats.Summarize(req.PopulationID, records),
	}, nil
}
