package main

import (
	"flag"
	"fmt"
	"time"

	"evolve/internal/config"
)

// configFlags are the config overrides shared by every command. Only flags
// given on the command line replace values from the file and environment.
type configFlags struct {
	fs *flag.FlagSet

	path        *string
	population  *string
	speed       *string
	store       *string
	dsn         *string
	backend     *string
	natsURL     *string
	prefix      *string
	seed        *int64
	workers     *int
	initialSize *int
	capacity    *int
	maxChildren *int
	stepDelay   *time.Duration
	interval    *time.Duration
	logLevel    *string
	logFormat   *string
}

func addConfigFlags(fs *flag.FlagSet) *configFlags {
	return &configFlags{
		fs:          fs,
		path:        fs.String("config", "", "TOML config path (defaults to "+config.DefaultPath+" when present)"),
		population:  fs.String("population", "", "population id"),
		speed:       fs.String("speed", "", "pipeline speed: paced|instant"),
		store:       fs.String("store", "", "archive backend: memory|sqlite|postgres"),
		dsn:         fs.String("dsn", "", "sqlite database path or postgres connection string"),
		backend:     fs.String("backend", "", "compute backend: local|nats"),
		natsURL:     fs.String("nats-url", "", "nats server url"),
		prefix:      fs.String("subject-prefix", "", "nats subject prefix for compute operations"),
		seed:        fs.Int64("seed", 0, "local engine rng seed"),
		workers:     fs.Int("workers", 0, "local engine batch workers"),
		initialSize: fs.Int("initial-size", 0, "size of a freshly seeded population"),
		capacity:    fs.Int("capacity", 0, "carrying capacity"),
		maxChildren: fs.Int("max-children", 0, "maximum offspring per surviving parent"),
		stepDelay:   fs.Duration("step-delay", 0, "pause between paced steps"),
		interval:    fs.Duration("interval", 0, "pause between continuous generations"),
		logLevel:    fs.String("log-level", "", "log level: debug|info|warn|error"),
		logFormat:   fs.String("log-format", "", "log format: text|json"),
	}
}

func (f *configFlags) load() (config.Config, error) {
	cfg, err := config.Load(*f.path)
	if err != nil {
		return config.Config{}, err
	}
	setFlags := make(map[string]bool)
	f.fs.Visit(func(fl *flag.Flag) {
		setFlags[fl.Name] = true
	})
	flagValue := map[string]any{
		"population":     *f.population,
		"speed":          *f.speed,
		"store":          *f.store,
		"dsn":            *f.dsn,
		"backend":        *f.backend,
		"nats-url":       *f.natsURL,
		"subject-prefix": *f.prefix,
		"seed":           *f.seed,
		"workers":        *f.workers,
		"initial-size":   *f.initialSize,
		"capacity":       *f.capacity,
		"max-children":   *f.maxChildren,
		"step-delay":     *f.stepDelay,
		"interval":       *f.interval,
		"log-level":      *f.logLevel,
		"log-format":     *f.logFormat,
	}
	if err := overrideFromFlags(&cfg, setFlags, flagValue); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func overrideFromFlags(cfg *config.Config, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "population":
			cfg.Population.ID = v.(string)
		case "speed":
			cfg.Pipeline.Speed = v.(string)
		case "store":
			cfg.Storage.Kind = v.(string)
		case "dsn":
			cfg.Storage.DSN = v.(string)
		case "backend":
			cfg.Compute.Backend = v.(string)
		case "nats-url":
			cfg.Compute.NATSURL = v.(string)
		case "subject-prefix":
			cfg.Compute.SubjectPrefix = v.(string)
		case "seed":
			cfg.Compute.Seed = v.(int64)
		case "workers":
			cfg.Compute.Workers = v.(int)
		case "initial-size":
			cfg.Population.InitialSize = v.(int)
		case "capacity":
			cfg.Population.CarryingCapacity = v.(int)
		case "max-children":
			cfg.Population.MaxChildren = v.(int)
		case "step-delay":
			cfg.Pipeline.StepDelay = config.Duration{Duration: v.(time.Duration)}
		case "interval":
			cfg.Pipeline.GenerationInterval = config.Duration{Duration: v.(time.Duration)}
		case "log-level":
			cfg.Log.Level = v.(string)
		case "log-format":
			cfg.Log.Format = v.(string)
		default:
			return fmt.Errorf("unsupported config flag: %s", name)
		}
	}
	return nil
}
