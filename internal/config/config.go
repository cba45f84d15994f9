package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"evolve/internal/compute"
	"evolve/internal/model"
	"evolve/internal/pipeline"
	"evolve/internal/storage"
)

const (
	BackendLocal = "local"
	BackendNATS  = "nats"

	DefaultPath = "evolve.toml"
	envPrefix   = "EVOLVE_"
)

// Duration decodes TOML strings such as "250ms" or "1s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Population struct {
	ID               string `toml:"id"`
	InitialSize      int    `toml:"initial_size"`
	CarryingCapacity int    `toml:"carrying_capacity"`
	MaxChildren      int    `toml:"max_children"`
}

type Pipeline struct {
	Speed              string   `toml:"speed"`
	StepDelay          Duration `toml:"step_delay"`
	GenerationInterval Duration `toml:"generation_interval"`

	// RetryAutomatic restarts background continuous runs after a collaborator
	// failure instead of stopping them.
	RetryAutomatic bool `toml:"retry_automatic"`
}

type Compute struct {
	Backend          string   `toml:"backend"`
	NATSURL          string   `toml:"nats_url"`
	SubjectPrefix    string   `toml:"subject_prefix"`
	QueueGroup       string   `toml:"queue_group"`
	Timeout          Duration `toml:"timeout"`
	Workers          int      `toml:"workers"`
	Seed             int64    `toml:"seed"`
	ChanceOfMutation float64  `toml:"chance_of_mutation"`
	MaxMutationDelta float64  `toml:"max_mutation_delta"`
}

type Storage struct {
	Kind string `toml:"kind"`
	DSN  string `toml:"dsn"`
}

type HTTP struct {
	Addr string `toml:"addr"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the process configuration shared by every evolvectl command.
type Config struct {
	Population Population `toml:"population"`
	Pipeline   Pipeline   `toml:"pipeline"`
	Compute    Compute    `toml:"compute"`
	Storage    Storage    `toml:"storage"`
	HTTP       HTTP       `toml:"http"`
	Log        Log        `toml:"log"`
}

func Default() Config {
	return Config{
		Population: Population{
			ID:               "default",
			InitialSize:      pipeline.DefaultInitialSize,
			CarryingCapacity: pipeline.DefaultCarryingCapacity,
			MaxChildren:      compute.DefaultMaxChildren,
		},
		Pipeline: Pipeline{
			Speed:              string(model.SpeedPaced),
			StepDelay:          Duration{0},
			GenerationInterval: Duration{pipeline.DefaultGenerationInterval},
		},
		Compute: Compute{
			Backend:          BackendLocal,
			NATSURL:          "nats://127.0.0.1:4222",
			SubjectPrefix:    compute.DefaultSubjectPrefix,
			QueueGroup:       compute.DefaultQueueGroup,
			Timeout:          Duration{5 * time.Second},
			Workers:          compute.DefaultWorkers,
			Seed:             1,
			ChanceOfMutation: compute.DefaultChanceOfMutation,
			MaxMutationDelta: compute.DefaultMaxMutationDelta,
		},
		Storage: Storage{
			Kind: storage.KindMemory,
			DSN:  "evolve.db",
		},
		HTTP: HTTP{Addr: ":8080"},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies EVOLVE_* environment
// overrides. A missing file is only an error when path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			err = nil
		} else {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses TOML text over the defaults without consulting the
// environment.
func Decode(text string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		return nil
	}

	str("POPULATION_ID", &c.Population.ID)
	str("PIPELINE_SPEED", &c.Pipeline.Speed)
	str("COMPUTE_BACKEND", &c.Compute.Backend)
	str("NATS_URL", &c.Compute.NATSURL)
	str("SUBJECT_PREFIX", &c.Compute.SubjectPrefix)
	str("STORAGE_KIND", &c.Storage.Kind)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	for key, dst := range map[string]*int{
		"INITIAL_SIZE":      &c.Population.InitialSize,
		"CARRYING_CAPACITY": &c.Population.CarryingCapacity,
		"MAX_CHILDREN":      &c.Population.MaxChildren,
		"COMPUTE_WORKERS":   &c.Compute.Workers,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"STEP_DELAY":          &c.Pipeline.StepDelay,
		"GENERATION_INTERVAL": &c.Pipeline.GenerationInterval,
		"COMPUTE_TIMEOUT":     &c.Compute.Timeout,
	} {
		if err := duration(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup(envPrefix + "COMPUTE_SEED"); ok {
		seed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%sCOMPUTE_SEED: %w", envPrefix, err)
		}
		c.Compute.Seed = seed
	}
	return nil
}

func (c Config) Validate() error {
	if c.Population.ID == "" {
		return errors.New("population.id is required")
	}
	if c.Population.InitialSize < 1 {
		return errors.New("population.initial_size must be >= 1")
	}
	if c.Population.CarryingCapacity < 1 {
		return errors.New("population.carrying_capacity must be >= 1")
	}
	if c.Population.MaxChildren < 1 {
		return errors.New("population.max_children must be >= 1")
	}
	if _, ok := model.ParseSpeed(c.Pipeline.Speed); !ok {
		return fmt.Errorf("pipeline.speed must be paced or instant, got %q", c.Pipeline.Speed)
	}
	if c.Pipeline.StepDelay.Duration < 0 || c.Pipeline.GenerationInterval.Duration < 0 {
		return errors.New("pipeline delays must be >= 0")
	}
	switch c.Compute.Backend {
	case BackendLocal:
	case BackendNATS:
		if c.Compute.NATSURL == "" {
			return errors.New("compute.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unsupported compute backend: %s", c.Compute.Backend)
	}
	if c.Compute.Timeout.Duration <= 0 {
		return errors.New("compute.timeout must be > 0")
	}
	if c.Compute.ChanceOfMutation < 0 || c.Compute.ChanceOfMutation >= 1 {
		return errors.New("compute.chance_of_mutation must be in [0, 1)")
	}
	if c.Compute.MaxMutationDelta < 0 || c.Compute.MaxMutationDelta > 1 {
		return errors.New("compute.max_mutation_delta must be in [0, 1]")
	}
	switch c.Storage.Kind {
	case storage.KindMemory, storage.KindSQLite, storage.KindPostgres:
	default:
		return fmt.Errorf("unsupported storage kind: %s", c.Storage.Kind)
	}
	return nil
}

// Speed returns the configured pipeline speed mode.
func (c Config) Speed() model.Speed {
	speed, _ := model.ParseSpeed(c.Pipeline.Speed)
	return speed
}
