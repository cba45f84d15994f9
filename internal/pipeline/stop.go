package pipeline

import (
	"context"
	"sync/atomic"
	"time"
)

// stopSignal is the cooperative cancellation flag polled at generation
// boundaries. The channel only wakes a pending inter-generation wait.
type stopSignal struct {
	flag atomic.Bool
	wake chan struct{}
}

func newStopSignal() *stopSignal {
	return &stopSignal{wake: make(chan struct{}, 1)}
}

func (s *stopSignal) request() {
	s.flag.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stopSignal) requested() bool {
	return s.flag.Load()
}

// consume clears the flag and reports whether it was set.
func (s *stopSignal) consume() bool {
	set := s.flag.Swap(false)
	select {
	case <-s.wake:
	default:
	}
	return set
}

// wait sleeps for d, returning early on a stop request. It returns the
// context error when ctx ends first.
func (s *stopSignal) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-s.wake:
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
