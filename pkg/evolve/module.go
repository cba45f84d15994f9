package evolve

import (
	"context"
	"log/slog"

	"evolve/internal/compute"
	"evolve/internal/config"
)

// computeModule runs a local engine as a NATS compute service alongside the
// habitat.
type computeModule struct {
	conn    compute.Subscriber
	service *compute.Service
}

func newComputeModule(cfg config.Config, conn compute.Subscriber, logger *slog.Logger) (*computeModule, error) {
	service, err := NewComputeService(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &computeModule{conn: conn, service: service}, nil
}

// NewComputeService exposes a local engine built from cfg over NATS.
func NewComputeService(cfg config.Config, logger *slog.Logger) (*compute.Service, error) {
	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	return compute.NewService(compute.ServiceConfig{
		Backend:        engine,
		SubjectPrefix:  cfg.Compute.SubjectPrefix,
		QueueGroup:     cfg.Compute.QueueGroup,
		RequestTimeout: cfg.Compute.Timeout.Duration,
		Logger:         logger,
	})
}

func (m *computeModule) Name() string { return "compute-service" }

func (m *computeModule) Start(context.Context) error {
	return m.service.Start(m.conn)
}

func (m *computeModule) Stop(context.Context) error {
	m.service.Stop()
	return nil
}
