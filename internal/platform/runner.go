package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RetryPolicy bounds how background runs are restarted after a failure.
// MaxRestarts of zero means restarts are unlimited.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	MaxRestarts    int
}

type RestartPolicy string

const (
	// RestartTransient restarts a run that failed with a retryable error.
	RestartTransient RestartPolicy = "transient"
	// RestartTemporary never restarts.
	RestartTemporary RestartPolicy = "temporary"
)

// RunStatus describes the latest background run of a population.
type RunStatus struct {
	Name            string        `json:"name"`
	Kind            string        `json:"kind"`
	RestartPolicy   RestartPolicy `json:"restart_policy"`
	Active          bool          `json:"active"`
	RestartCount    int           `json:"restart_count"`
	LastError       string        `json:"last_error,omitempty"`
	PermanentFailed bool          `json:"permanent_failed"`
}

var ErrRunActive = errors.New("run already active")

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		MaxRestarts:    5,
	}
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	def := defaultRetryPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.MaxRestarts < 0 {
		policy.MaxRestarts = 0
	}
	return policy
}

// runner owns the background runs, one per population at most.
type runner struct {
	policy    RetryPolicy
	retryable func(error) bool
	logger    *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*runTask
	finished map[string]RunStatus
}

type runTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	kind   string
	policy RestartPolicy

	restartCount    int
	lastErr         error
	permanentFailed bool
}

func newRunner(policy RetryPolicy, retryable func(error) bool, logger *slog.Logger) *runner {
	return &runner{
		policy:    normalizeRetryPolicy(policy),
		retryable: retryable,
		logger:    logger,
		tasks:     make(map[string]*runTask),
		finished:  make(map[string]RunStatus),
	}
}

func (r *runner) start(name, kind string, policy RestartPolicy, run func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("run name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if policy == "" {
		policy = RestartTemporary
	}

	r.mu.Lock()
	if _, exists := r.tasks[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunActive, name)
	}
	delete(r.finished, name)
	ctx, cancel := context.WithCancel(context.Background())
	task := &runTask{
		cancel: cancel,
		done:   make(chan struct{}),
		kind:   kind,
		policy: policy,
	}
	r.tasks[name] = task
	r.mu.Unlock()

	go r.loop(ctx, name, task, run)
	return nil
}

func (r *runner) loop(ctx context.Context, name string, task *runTask, run func(ctx context.Context) error) {
	defer func() {
		r.mu.Lock()
		if current, ok := r.tasks[name]; ok && current == task {
			r.finished[name] = task.status(name, false)
			delete(r.tasks, name)
		}
		r.mu.Unlock()
		task.cancel()
		close(task.done)
	}()

	backoff := r.policy.InitialBackoff
	for {
		err := run(ctx)
		r.mu.Lock()
		task.lastErr = err
		restarts := task.restartCount
		r.mu.Unlock()

		if err == nil || ctx.Err() != nil {
			return
		}
		if task.policy != RestartTransient || !r.retryable(err) {
			r.logger.Error("background run failed", "run", name, "kind", task.kind, "error", err)
			return
		}
		if r.policy.MaxRestarts > 0 && restarts >= r.policy.MaxRestarts {
			r.mu.Lock()
			task.permanentFailed = true
			r.mu.Unlock()
			r.logger.Error("background run gave up", "run", name, "kind", task.kind, "restarts", restarts, "error", err)
			return
		}

		r.mu.Lock()
		task.restartCount++
		r.mu.Unlock()
		r.logger.Warn("background run failed, restarting", "run", name, "kind", task.kind, "restart", restarts+1, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * r.policy.BackoffFactor)
		if next > r.policy.MaxBackoff {
			next = r.policy.MaxBackoff
		}
		backoff = next
	}
}

func (t *runTask) status(name string, active bool) RunStatus {
	return RunStatus{
		Name:            name,
		Kind:            t.kind,
		RestartPolicy:   t.policy,
		Active:          active,
		RestartCount:    t.restartCount,
		LastError:       errString(t.lastErr),
		PermanentFailed: t.permanentFailed,
	}
}

// cancel aborts a run through its context and waits for it to exit.
func (r *runner) cancel(name string) {
	r.mu.Lock()
	task, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

func (r *runner) cancelAll() {
	r.mu.Lock()
	tasks := make([]*runTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

// wait blocks until the named run exits or ctx ends.
func (r *runner) wait(ctx context.Context, name string) error {
	r.mu.Lock()
	task, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runner) status(name string) (RunStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task, ok := r.tasks[name]; ok {
		return task.status(name, true), true
	}
	status, ok := r.finished[name]
	return status, ok
}

func (r *runner) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
