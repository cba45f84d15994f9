package compute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"evolve/internal/model"
)

const DefaultQueueGroup = "evolve-compute"

// Subscriber is the subset of *nats.Conn the service needs.
type Subscriber interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type ServiceConfig struct {
	Backend        Collaborator
	SubjectPrefix  string
	QueueGroup     string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Service exposes a Collaborator over NATS request/reply.
type Service struct {
	backend Collaborator
	prefix  string
	queue   string
	timeout time.Duration
	logger  *slog.Logger

	subs []*nats.Subscription
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("compute backend is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: cfg.Backend,
		prefix:  cfg.SubjectPrefix,
		queue:   cfg.QueueGroup,
		timeout: cfg.RequestTimeout,
		logger:  logger.With("component", "compute_service"),
	}, nil
}

// Start subscribes every operation subject on the queue group.
func (s *Service) Start(conn Subscriber) error {
	for _, op := range Operations {
		sub, err := conn.QueueSubscribe(Subject(s.prefix, op), s.queue, func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := msg.Respond(s.Handle(ctx, op, msg.Data)); err != nil {
				s.logger.Warn("respond failed", "operation", op, "error", err)
			}
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", op, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("compute service started", "prefix", s.prefix, "queue", s.queue)
	return nil
}

func (s *Service) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// Handle decodes one request, dispatches it to the backend and returns the
// encoded response. Backend failures travel back in Response.Error.
func (s *Service) Handle(ctx context.Context, op string, data []byte) []byte {
	req, err := decodeRequest(data)
	if err != nil {
		return encodeResponse(Response{Error: fmt.Sprintf("decode request: %v", err)})
	}
	individuals, err := s.dispatch(ctx, op, req)
	if err != nil {
		s.logger.Warn("compute operation failed", "operation", op, "error", err)
		return encodeResponse(Response{Error: err.Error()})
	}
	return encodeResponse(Response{Individuals: individuals})
}

func (s *Service) dispatch(ctx context.Context, op string, req Request) ([]model.Individual, error) {
	single := func() (model.Individual, error) {
		if len(req.Individuals) != 1 {
			return model.Individual{}, fmt.Errorf("%s expects exactly 1 individual, got %d", op, len(req.Individuals))
		}
		return req.Individuals[0], nil
	}

	switch op {
	case OpGenerateInitial:
		return s.backend.GenerateInitial(ctx, req.Count)
	case OpSimulate:
		ind, err := single()
		if err != nil {
			return nil, err
		}
		out, err := s.backend.Simulate(ctx, ind)
		if err != nil {
			return nil, err
		}
		return []model.Individual{out}, nil
	case OpSimulateBatch:
		return s.backend.SimulateBatch(ctx, req.Individuals)
	case OpSelect:
		ind, err := single()
		if err != nil {
			return nil, err
		}
		out, err := s.backend.Select(ctx, ind, req.Population)
		if err != nil {
			return nil, err
		}
		return []model.Individual{out}, nil
	case OpSelectBatch:
		return s.backend.SelectBatch(ctx, req.Individuals, req.Population)
	case OpKill:
		ind, err := single()
		if err != nil {
			return nil, err
		}
		return nil, s.backend.Kill(ctx, ind)
	case OpKillBatch:
		return nil, s.backend.KillBatch(ctx, req.Individuals)
	case OpReproduce:
		ind, err := single()
		if err != nil {
			return nil, err
		}
		return s.backend.Reproduce(ctx, ind)
	case OpReproduceBatch:
		return s.backend.ReproduceBatch(ctx, req.Individuals)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}
}
