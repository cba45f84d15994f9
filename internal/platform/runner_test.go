package platform

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"evolve/internal/telemetry"
)

var errFlaky = errors.New("flaky")

func testRunner(maxRestarts int) *runner {
	return newRunner(RetryPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
		MaxRestarts:    maxRestarts,
	}, func(err error) bool { return errors.Is(err, errFlaky) }, telemetry.Discard())
}

func TestRunnerRestartsTransientFailures(t *testing.T) {
	r := testRunner(0)
	var calls atomic.Int32
	if err := r.start("pop", "automatic", RestartTransient, func(context.Context) error {
		if calls.Add(1) <= 2 {
			return errFlaky
		}
		return nil
	}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := r.wait(context.Background(), "pop"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got=%d", calls.Load())
	}
	status, ok := r.status("pop")
	if !ok {
		t.Fatal("expected finished status to be retained")
	}
	if status.Active || status.RestartCount != 2 || status.LastError != "" || status.PermanentFailed {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRunnerGivesUpAfterMaxRestarts(t *testing.T) {
	r := testRunner(2)
	var calls atomic.Int32
	if err := r.start("pop", "automatic", RestartTransient, func(context.Context) error {
		calls.Add(1)
		return errFlaky
	}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := r.wait(context.Background(), "pop"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial call plus 2 restarts, got=%d", calls.Load())
	}
	status, _ := r.status("pop")
	if !status.PermanentFailed || status.LastError != errFlaky.Error() {
		t.Fatalf("expected permanent failure with last error, got=%+v", status)
	}
}

func TestRunnerDoesNotRestartTemporaryOrFatal(t *testing.T) {
	r := testRunner(0)
	var calls atomic.Int32
	if err := r.start("temporary", "full", RestartTemporary, func(context.Context) error {
		calls.Add(1)
		return errFlaky
	}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := r.start("fatal", "automatic", RestartTransient, func(context.Context) error {
		calls.Add(1)
		return errors.New("fatal")
	}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	_ = r.wait(context.Background(), "temporary")
	_ = r.wait(context.Background(), "fatal")
	if calls.Load() != 2 {
		t.Fatalf("expected no restarts, got calls=%d", calls.Load())
	}
	status, _ := r.status("fatal")
	if status.LastError != "fatal" || status.RestartCount != 0 {
		t.Fatalf("unexpected fatal status: %+v", status)
	}
}

func TestRunnerRejectsDuplicateAndCancels(t *testing.T) {
	r := testRunner(0)
	stopped := make(chan struct{})
	if err := r.start("pop", "automatic", RestartTransient, func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := r.start("pop", "full", RestartTemporary, func(context.Context) error { return nil }); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got=%v", err)
	}
	if got := r.active(); len(got) != 1 || got[0] != "pop" {
		t.Fatalf("unexpected active runs: %v", got)
	}
	if status, ok := r.status("pop"); !ok || !status.Active {
		t.Fatalf("expected active status, got=%+v ok=%t", status, ok)
	}

	r.cancelAll()
	select {
	case <-stopped:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected run to observe cancellation")
	}
	if len(r.active()) != 0 {
		t.Fatalf("expected no active runs after cancel, got=%v", r.active())
	}
}

func TestRunnerWaitHonoursContext(t *testing.T) {
	r := testRunner(0)
	release := make(chan struct{})
	if err := r.start("pop", "automatic", RestartTemporary, func(context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := r.wait(ctx, "pop"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got=%v", err)
	}
	close(release)
	if err := r.wait(context.Background(), "pop"); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestNormalizeRetryPolicy(t *testing.T) {
	got := normalizeRetryPolicy(RetryPolicy{InitialBackoff: time.Second, MaxBackoff: time.Millisecond, BackoffFactor: 0.5, MaxRestarts: -3})
	if got.MaxBackoff != time.Second {
		t.Fatalf("expected max backoff raised to initial, got=%s", got.MaxBackoff)
	}
	if got.BackoffFactor != 2 {
		t.Fatalf("expected default backoff factor, got=%f", got.BackoffFactor)
	}
	if got.MaxRestarts != 0 {
		t.Fatalf("expected negative max restarts clamped, got=%d", got.MaxRestarts)
	}
}
