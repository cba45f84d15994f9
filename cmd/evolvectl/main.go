package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"evolve/internal/config"
	"evolve/internal/httpapi"
	"evolve/internal/model"
	"evolve/internal/telemetry"
	"evolve/pkg/evolve"
)

const shutdownTimeout = 10 * time.Second

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "compute":
		return runCompute(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "populations":
		return runPopulations(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags := addConfigFlags(fs)
	addr := fs.String("addr", "", "http listen address (overrides http.addr)")
	resume := fs.Bool("resume", false, "continue the population from its archived snapshot")
	automatic := fs.Bool("automatic", false, "start a continuous run of the population on boot")
	embedCompute := fs.Bool("embed-compute", false, "also serve the local engine over nats (nats backend only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	logger, err := telemetry.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := evolve.New(evolve.Options{
		Config:       cfg,
		Logger:       logger,
		Registerer:   reg,
		EmbedCompute: *embedCompute,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	habitat := client.Habitat()
	if err := client.Start(ctx); err != nil {
		return err
	}
	if _, err := habitat.AddPopulation(ctx, cfg.Population.ID, *resume); err != nil {
		return err
	}
	if *automatic {
		if err := habitat.RunAutomatic(cfg.Population.ID, cfg.Speed()); err != nil {
			return err
		}
	}

	api, err := httpapi.NewServer(httpapi.Config{
		Habitat:      habitat,
		Gatherer:     reg,
		DefaultSpeed: cfg.Speed(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("http server listening", "addr", ln.Addr().String(), "population", cfg.Population.ID, "backend", cfg.Compute.Backend)
	fmt.Fprintf(stdout, "serving addr=%s population=%s backend=%s store=%s\n", ln.Addr(), cfg.Population.ID, cfg.Compute.Backend, cfg.Storage.Kind)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	habitat.Shutdown(shutdownCtx)
	logger.Info("server stopped")
	return nil
}

func runCompute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compute", flag.ContinueOnError)
	flags := addConfigFlags(fs)
	queue := fs.String("queue", "", "nats queue group (overrides compute.queue_group)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if *queue != "" {
		cfg.Compute.QueueGroup = *queue
	}
	logger, err := telemetry.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.Compute.NATSURL, nats.Name("evolvectl-compute"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", cfg.Compute.NATSURL, err)
	}
	defer nc.Close()

	service, err := evolve.NewComputeService(cfg, logger)
	if err != nil {
		return err
	}
	if err := service.Start(nc); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "compute service url=%s prefix=%s queue=%s\n", cfg.Compute.NATSURL, cfg.Compute.SubjectPrefix, cfg.Compute.QueueGroup)

	<-ctx.Done()
	service.Stop()
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	flags := addConfigFlags(fs)
	generations := fs.Int("gens", 1, "generations to run")
	resume := fs.Bool("resume", false, "continue the population from its archived snapshot")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *generations <= 0 {
		return errors.New("gens must be > 0")
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	client, err := evolve.New(evolve.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, evolve.RunRequest{
		Generations: *generations,
		Speed:       cfg.Speed(),
		Resume:      *resume,
	})
	if err != nil {
		return err
	}

	if *jsonOut {
		type runOutput struct {
			PopulationID    string                   `json:"population_id"`
			FirstGeneration int                      `json:"first_generation"`
			FinalGeneration int                      `json:"final_generation"`
			Size            int                      `json:"size"`
			Generations     []model.GenerationRecord `json:"generations"`
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runOutput{
			PopulationID:    summary.PopulationID,
			FirstGeneration: summary.FirstGeneration,
			FinalGeneration: summary.FinalGeneration,
			Size:            summary.Size,
			Generations:     summary.Records,
		})
	}

	for _, record := range summary.Records {
		printRecord(record)
	}
	fmt.Fprintf(stdout, "population=%s from_generation=%d to_generation=%d size=%d\n",
		summary.PopulationID,
		summary.FirstGeneration,
		summary.FinalGeneration,
		summary.Size,
	)
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	flags := addConfigFlags(fs)
	limit := fs.Int("limit", 20, "most recent generations to show (0 shows all)")
	jsonOut := fs.Bool("json", false, "emit history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	client, err := newQuietClient(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	records, err := client.History(ctx, evolve.HistoryRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		if records == nil {
			records = []model.GenerationRecord{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintf(stdout, "no generations archived for population=%s\n", cfg.Population.ID)
		return nil
	}
	for _, record := range records {
		printRecord(record)
	}
	return nil
}

func runPopulations(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("populations", flag.ContinueOnError)
	flags := addConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	client, err := newQuietClient(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	ids, err := client.Populations(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(stdout, "no populations archived")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintf(stdout, "population=%s\n", id)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	flags := addConfigFlags(fs)
	outDir := fs.String("out", "exports", "directory receiving one sub-directory per population")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	client, err := newQuietClient(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, evolve.ExportRequest{OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported population=%s generations=%d final_best=%.6f dir=%s\n",
		exported.PopulationID,
		exported.Summary.Generations,
		exported.Summary.FinalBest,
		exported.Directory,
	)
	return nil
}

// newQuietClient builds a client for archive reads. The compute backend is
// forced to local so reads never need a NATS server.
func newQuietClient(cfg config.Config) (*evolve.Client, error) {
	cfg.Compute.Backend = config.BackendLocal
	logger, err := telemetry.NewLogger(stderr, "error", cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return evolve.New(evolve.Options{Config: cfg, Logger: logger})
}

func printRecord(record model.GenerationRecord) {
	fmt.Fprintf(stdout, "generation=%d size=%d best=%.6f mean=%.6f min=%.6f killed=%d born=%d dropped=%d mutated=%d\n",
		record.Generation,
		record.Size,
		record.BestFitness,
		record.MeanFitness,
		record.MinFitness,
		record.Killed,
		record.Born,
		record.Dropped,
		record.Mutated,
	)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: evolvectl <serve|compute|run|history|populations|export> [flags]", msg)
}
