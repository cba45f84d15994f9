package compute

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"evolve/internal/model"
)

const DefaultSubjectPrefix = "evolve.compute"

// Requester is the subset of *nats.Conn the client needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type NATSClientConfig struct {
	Conn          Requester
	SubjectPrefix string
	Timeout       time.Duration
}

// NATSClient is a Collaborator backed by NATS request/reply.
type NATSClient struct {
	conn    Requester
	prefix  string
	timeout time.Duration
}

func NewNATSClient(cfg NATSClientConfig) (*NATSClient, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	return &NATSClient{conn: cfg.Conn, prefix: cfg.SubjectPrefix, timeout: cfg.Timeout}, nil
}

// Dial connects to url and returns the connection along with a client.
func Dial(url, name string, cfg NATSClientConfig) (*nats.Conn, *NATSClient, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	cfg.Conn = nc
	client, err := NewNATSClient(cfg)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, client, nil
}

func Subject(prefix, op string) string {
	return prefix + "." + op
}

func (c *NATSClient) call(ctx context.Context, op string, req Request) (Response, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s request: %w", op, err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, Subject(c.prefix, op), payload)
	if err != nil {
		return Response{}, fmt.Errorf("%s request: %w", op, err)
	}
	return decodeResponse(op, msg.Data)
}

func (c *NATSClient) one(ctx context.Context, op string, req Request) (model.Individual, error) {
	resp, err := c.call(ctx, op, req)
	if err != nil {
		return model.Individual{}, err
	}
	if len(resp.Individuals) != 1 {
		return model.Individual{}, fmt.Errorf("%s: expected 1 individual, got %d", op, len(resp.Individuals))
	}
	return resp.Individuals[0], nil
}

func (c *NATSClient) many(ctx context.Context, op string, req Request) ([]model.Individual, error) {
	resp, err := c.call(ctx, op, req)
	if err != nil {
		return nil, err
	}
	return resp.Individuals, nil
}

func (c *NATSClient) GenerateInitial(ctx context.Context, count int) ([]model.Individual, error) {
	return c.many(ctx, OpGenerateInitial, Request{Count: count})
}

func (c *NATSClient) Simulate(ctx context.Context, ind model.Individual) (model.Individual, error) {
	return c.one(ctx, OpSimulate, Request{Individuals: []model.Individual{ind}})
}

func (c *NATSClient) SimulateBatch(ctx context.Context, individuals []model.Individual) ([]model.Individual, error) {
	return c.many(ctx, OpSimulateBatch, Request{Individuals: individuals})
}

func (c *NATSClient) Select(ctx context.Context, ind model.Individual, info PopulationInfo) (model.Individual, error) {
	return c.one(ctx, OpSelect, Request{Individuals: []model.Individual{ind}, Population: info})
}

func (c *NATSClient) SelectBatch(ctx context.Context, individuals []model.Individual, info PopulationInfo) ([]model.Individual, error) {
	return c.many(ctx, OpSelectBatch, Request{Individuals: individuals, Population: info})
}

func (c *NATSClient) Kill(ctx context.Context, ind model.Individual) error {
	_, err := c.call(ctx, OpKill, Request{Individuals: []model.Individual{ind}})
	return err
}

func (c *NATSClient) KillBatch(ctx context.Context, individuals []model.Individual) error {
	_, err := c.call(ctx, OpKillBatch, Request{Individuals: individuals})
	return err
}

func (c *NATSClient) Reproduce(ctx context.Context, parent model.Individual) ([]model.Individual, error) {
	return c.many(ctx, OpReproduce, Request{Individuals: []model.Individual{parent}})
}

func (c *NATSClient) ReproduceBatch(ctx context.Context, parents []model.Individual) ([]model.Individual, error) {
	return c.many(ctx, OpReproduceBatch, Request{Individuals: parents})
}
