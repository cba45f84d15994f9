package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evolve/internal/compute"
	"evolve/internal/model"
	"evolve/internal/storage"
	"evolve/internal/telemetry"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newOrchestrator(t *testing.T, stub *stubCollaborator, adjust func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		PopulationID:     "test",
		InitialSize:      4,
		CarryingCapacity: 150,
		Collaborator:     stub,
		Logger:           telemetry.Discard(),
	}
	if adjust != nil {
		adjust(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, o.Seed(context.Background()))
	return o
}

func newArchive(t *testing.T) *storage.MemoryStore {
	t.Helper()
	archive := storage.NewMemoryStore()
	require.NoError(t, archive.Init(context.Background()))
	return archive
}

func sortedIDs(individuals []model.Individual) []string {
	out := make([]string, 0, len(individuals))
	for _, ind := range individuals {
		out = append(out, ind.ID)
	}
	sort.Strings(out)
	return out
}

func countSimulated(individuals []model.Individual) int {
	n := 0
	for _, ind := range individuals {
		if ind.Simulated {
			n++
		}
	}
	return n
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Collaborator: newStub(), CarryingCapacity: -1})
	require.Error(t, err)

	_, err = New(Config{Collaborator: newStub(), StepDelay: -time.Second})
	require.Error(t, err)

	o, err := New(Config{Collaborator: newStub()})
	require.NoError(t, err)
	assert.Equal(t, "default", o.PopulationID())
}

func TestSeedBuildsUnprocessedPopulation(t *testing.T) {
	o := newOrchestrator(t, newStub(), func(cfg *Config) { cfg.InitialSize = 6 })

	snapshot := o.Snapshot()
	require.Len(t, snapshot, 6)
	for _, ind := range snapshot {
		assert.False(t, ind.Simulated)
		assert.Equal(t, model.OutcomeUnset, ind.Outcome)
		assert.Equal(t, model.HintUnset, ind.Hint)
	}
	assert.True(t, o.State().Idle())
	assert.Equal(t, 0, o.Generation())
}

func TestEndToEndOneGeneration(t *testing.T) {
	for _, speed := range []model.Speed{model.SpeedPaced, model.SpeedInstant} {
		t.Run(string(speed), func(t *testing.T) {
			stub := newStub()
			stub.children = 3
			archive := newArchive(t)
			o := newOrchestrator(t, stub, func(cfg *Config) { cfg.Archive = archive })

			require.NoError(t, o.StartFull(context.Background(), speed))

			if speed == model.SpeedInstant {
				assert.Equal(t, 1, stub.callCount(compute.OpKillBatch))
			} else {
				assert.Equal(t, 2, stub.callCount(compute.OpKill))
			}

			size := len(o.Snapshot())
			assert.GreaterOrEqual(t, size, 2)
			assert.LessOrEqual(t, size, 2*stub.children+2)
			assert.Equal(t, 1, o.Generation())
			assert.True(t, o.State().Idle())
			assert.Equal(t, model.ControlNone, o.State().Control)

			for _, ind := range o.Snapshot() {
				assert.False(t, ind.Simulated)
				assert.False(t, ind.NaturallySelected)
				assert.Equal(t, model.OutcomeUnset, ind.Outcome)
			}

			history, err := archive.ListGenerations(context.Background(), "test", 0)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, 1, history[0].Generation)
			assert.Equal(t, 2, history[0].Killed)
			assert.Equal(t, 6, history[0].Born)
			assert.Equal(t, 6, history[0].Size)
			assert.InDelta(t, 2.0, history[0].BestFitness, 1e-9)

			snapshot, ok, err := archive.GetSnapshot(context.Background(), "test")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 1, snapshot.Generation)
			assert.Len(t, snapshot.Individuals, 6)
		})
	}
}

func TestPacedAndInstantAgree(t *testing.T) {
	type result struct {
		fitness float64
		outcome model.Outcome
	}
	run := func(speed model.Speed) (map[string]result, []string) {
		stub := newStub()
		stub.traits = func(i int) float64 { return float64(i%5) * 0.2 }
		o := newOrchestrator(t, stub, func(cfg *Config) { cfg.InitialSize = 10 })

		_, err := o.StartManual(speed)
		require.NoError(t, err)
		next, err := o.CompletePhase(context.Background())
		require.NoError(t, err)
		require.Equal(t, model.PhaseSelect, next)
		next, err = o.CompletePhase(context.Background())
		require.NoError(t, err)
		require.Equal(t, model.PhaseKill, next)

		selected := map[string]result{}
		for _, ind := range o.Snapshot() {
			selected[ind.ID] = result{fitness: ind.Fitness, outcome: ind.Outcome}
		}

		for !o.State().Idle() {
			_, err := o.CompletePhase(context.Background())
			require.NoError(t, err)
		}
		require.Equal(t, 1, o.Generation())
		return selected, sortedIDs(o.Snapshot())
	}

	pacedSelected, pacedSurvivors := run(model.SpeedPaced)
	instantSelected, instantSurvivors := run(model.SpeedInstant)

	assert.Equal(t, pacedSelected, instantSelected)
	assert.Equal(t, pacedSurvivors, instantSurvivors)
}

func TestStepOnceSimulateRoundTrip(t *testing.T) {
	stub := newStub()
	stub.traits = func(i int) float64 { return 0.1 * float64(i+1) }
	events := &eventLog{}
	o := newOrchestrator(t, stub, func(cfg *Config) { cfg.Observer = events.record })

	state, err := o.StartManual(model.SpeedPaced)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseSimulate, state.Phase)
	assert.Equal(t, model.ControlManual, state.Control)

	result, err := o.StepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepStepped, result)

	snapshot := o.Snapshot()
	require.True(t, snapshot[0].Simulated)
	assert.Equal(t, "c00", snapshot[0].ID)
	assert.InDelta(t, snapshot[0].TraitSum(), snapshot[0].Fitness, 1e-12)
	assert.Equal(t, 1, countSimulated(snapshot))
	assert.Equal(t, []EventKind{EventStepped}, events.kinds())
}

func TestStepOnceInsertsByRank(t *testing.T) {
	stub := newStub()
	stub.traits = func(i int) float64 { return 0.1 * float64(i+1) }
	o := newOrchestrator(t, stub, nil)
	_, err := o.StartManual(model.SpeedPaced)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := o.StepOnce(context.Background())
		require.NoError(t, err)
	}

	snapshot := o.Snapshot()
	assert.Equal(t, []string{"c03", "c02", "c01", "c00"}, []string{snapshot[0].ID, snapshot[1].ID, snapshot[2].ID, snapshot[3].ID})
	for i := 0; i+1 < len(snapshot); i++ {
		assert.GreaterOrEqual(t, snapshot[i].Fitness, snapshot[i+1].Fitness)
		assert.Equal(t, i, snapshot[i].FitnessIndex)
	}
}

func TestStepOnceCompletesExhaustedPhase(t *testing.T) {
	events := &eventLog{}
	o := newOrchestrator(t, newStub(), func(cfg *Config) {
		cfg.InitialSize = 1
		cfg.Observer = events.record
	})
	_, err := o.StartManual(model.SpeedPaced)
	require.NoError(t, err)

	result, err := o.StepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepStepped, result)

	result, err = o.StepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepPhaseComplete, result)
	assert.Equal(t, model.PhaseSelect, o.State().Phase)
	assert.Equal(t, []EventKind{EventStepped, EventPhaseComplete}, events.kinds())
}

func TestStepOnceCollaboratorErrorLeavesStoreUntouched(t *testing.T) {
	stub := newStub()
	o := newOrchestrator(t, stub, nil)
	_, err := o.StartManual(model.SpeedPaced)
	require.NoError(t, err)

	stub.fail(compute.OpSimulate, errStubUnavailable)
	before := o.Snapshot()

	result, err := o.StepOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, StepNone, result)
	assert.ErrorIs(t, err, errStubUnavailable)
	var collabErr *CollaboratorError
	require.True(t, errors.As(err, &collabErr))
	assert.Equal(t, compute.OpSimulate, collabErr.Operation)
	assert.Equal(t, model.PhaseSimulate, collabErr.Phase)

	assert.Equal(t, before, o.Snapshot())
	assert.Equal(t, model.PhaseSimulate, o.State().Phase)

	stub.heal()
	result, err = o.StepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepStepped, result)
	assert.Equal(t, 1, countSimulated(o.Snapshot()))
}

func TestPacedErrorKeepsPartialProgressAndResumes(t *testing.T) {
	stub := newStub()
	o := newOrchestrator(t, stub, nil)
	stub.failAfterCalls(compute.OpSimulate, 2)

	err := o.StartFull(context.Background(), model.SpeedPaced)
	require.ErrorIs(t, err, errStubUnavailable)

	assert.Equal(t, 2, countSimulated(o.Snapshot()))
	assert.Equal(t, 0, o.Generation())
	state := o.State()
	assert.Equal(t, model.PhaseSimulate, state.Phase)
	assert.False(t, state.Running)

	stub.heal()
	require.NoError(t, o.StartFull(context.Background(), model.SpeedPaced))
	assert.Equal(t, 1, o.Generation())
	// only the two unprocessed individuals were resubmitted
	assert.Equal(t, 5, stub.callCount(compute.OpSimulate))
}

func TestInstantErrorMergesNothing(t *testing.T) {
	stub := newStub()
	o := newOrchestrator(t, stub, nil)
	stub.fail(compute.OpSimulateBatch, errStubUnavailable)
	before := o.Snapshot()

	err := o.StartFull(context.Background(), model.SpeedInstant)
	require.ErrorIs(t, err, errStubUnavailable)
	assert.Equal(t, before, o.Snapshot())
	assert.Equal(t, 0, o.Generation())
	assert.Equal(t, model.PhaseSimulate, o.State().Phase)
}

func TestInvariantViolationRejectsStep(t *testing.T) {
	stub := newStub()
	stub.badSelect = true
	events := &eventLog{}
	o := newOrchestrator(t, stub, func(cfg *Config) { cfg.Observer = events.record })
	_, err := o.StartManual(model.SpeedPaced)
	require.NoError(t, err)

	next, err := o.CompletePhase(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.PhaseSelect, next)
	before := o.Snapshot()

	result, err := o.StepOnce(context.Background())
	var invariant *InvariantError
	require.True(t, errors.As(err, &invariant), "got %v", err)
	assert.Equal(t, model.PhaseSelect, invariant.Phase)
	assert.Equal(t, StepNone, result)
	assert.Equal(t, model.PhaseSelect, o.State().Phase)
	assert.Equal(t, before, o.Snapshot())
	assert.NotContains(t, events.kinds(), EventPhaseForced)

	stub.badSelect = false
	result, err = o.StepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepStepped, result)
}

func TestInvariantViolationEndsGenerationInBothSpeeds(t *testing.T) {
	for _, speed := range []model.Speed{model.SpeedPaced, model.SpeedInstant} {
		t.Run(string(speed), func(t *testing.T) {
			stub := newStub()
			stub.badSelect = true
			o := newOrchestrator(t, stub, nil)

			err := o.StartFull(context.Background(), speed)
			var invariant *InvariantError
			require.True(t, errors.As(err, &invariant), "got %v", err)
			assert.Equal(t, 0, o.Generation())
			assert.Equal(t, model.PhaseSelect, o.State().Phase)
			assert.Len(t, o.Snapshot(), 4)
			for _, ind := range o.Snapshot() {
				assert.True(t, ind.Simulated, ind.ID)
				assert.False(t, ind.NaturallySelected, ind.ID)
			}

			stub.badSelect = false
			require.NoError(t, o.StartFull(context.Background(), speed))
			assert.Equal(t, 1, o.Generation())
		})
	}
}

func TestOffspringOutsideTraitRangeAreRejected(t *testing.T) {
	for _, speed := range []model.Speed{model.SpeedPaced, model.SpeedInstant} {
		t.Run(string(speed), func(t *testing.T) {
			stub := newStub()
			stub.badChildren = true
			o := newOrchestrator(t, stub, nil)
			_, err := o.StartManual(speed)
			require.NoError(t, err)

			for _, want := range []model.Phase{model.PhaseSelect, model.PhaseKill, model.PhaseReproduce} {
				next, err := o.CompletePhase(context.Background())
				require.NoError(t, err)
				require.Equal(t, want, next)
			}
			before := o.Snapshot()
			require.Len(t, before, 2)

			_, err = o.CompletePhase(context.Background())
			var invariant *InvariantError
			require.True(t, errors.As(err, &invariant), "got %v", err)
			assert.Equal(t, model.PhaseReproduce, invariant.Phase)
			assert.Equal(t, "traits outside [0,1]", invariant.Reason)
			assert.Equal(t, before, o.Snapshot())
			assert.Equal(t, model.PhaseReproduce, o.State().Phase)
			assert.Equal(t, 0, o.Generation())
		})
	}
}

func TestBulkInvariantViolationIsAnError(t *testing.T) {
	stub := newStub()
	stub.shortBatches = true
	o := newOrchestrator(t, stub, nil)
	_, err := o.StartManual(model.SpeedInstant)
	require.NoError(t, err)

	_, err = o.CompletePhase(context.Background())
	require.NoError(t, err)

	_, err = o.CompletePhase(context.Background())
	var invariant *InvariantError
	require.True(t, errors.As(err, &invariant))
	assert.Equal(t, model.PhaseSelect, invariant.Phase)
	assert.Equal(t, model.PhaseSelect, o.State().Phase)
	for _, ind := range o.Snapshot() {
		assert.False(t, ind.NaturallySelected)
	}
}

func TestCarryingCapacityIsNeverExceeded(t *testing.T) {
	for _, speed := range []model.Speed{model.SpeedPaced, model.SpeedInstant} {
		t.Run(string(speed), func(t *testing.T) {
			const capacity = 5
			stub := newStub()
			stub.children = 3
			archive := newArchive(t)

			var o *Orchestrator
			maxSeen := 0
			o = newOrchestrator(t, stub, func(cfg *Config) {
				cfg.CarryingCapacity = capacity
				cfg.Archive = archive
				cfg.Observer = func(Event) {
					if n := len(o.Snapshot()); n > maxSeen {
						maxSeen = n
					}
				}
			})

			for i := 0; i < 3; i++ {
				require.NoError(t, o.StartFull(context.Background(), speed))
				assert.LessOrEqual(t, len(o.Snapshot()), capacity)
			}
			assert.LessOrEqual(t, maxSeen, capacity)

			history, err := archive.ListGenerations(context.Background(), "test", 0)
			require.NoError(t, err)
			require.Len(t, history, 3)
			for _, record := range history {
				assert.LessOrEqual(t, record.Size, capacity)
				assert.Positive(t, record.Dropped)
			}
		})
	}
}

func TestRequestStopDuringGenerationLetsItFinish(t *testing.T) {
	stub := newStub()
	var o *Orchestrator
	o = newOrchestrator(t, stub, func(cfg *Config) {
		cfg.Observer = func(ev Event) {
			if ev.Kind == EventStepped && ev.Phase == model.PhaseSelect && ev.Generation == 0 {
				o.RequestStop()
			}
		}
	})

	completed, err := o.StartAutomatic(context.Background(), model.SpeedPaced)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, o.Generation())
	assert.True(t, o.State().Idle())
	assert.Equal(t, model.ControlNone, o.State().Control)
	assert.False(t, o.StopRequested())
}

func TestRequestStopBeforeStart(t *testing.T) {
	stub := newStub()
	events := &eventLog{}
	o := newOrchestrator(t, stub, func(cfg *Config) { cfg.Observer = events.record })

	o.RequestStop()
	o.RequestStop()
	assert.True(t, o.StopRequested())

	completed, err := o.StartAutomatic(context.Background(), model.SpeedInstant)
	require.NoError(t, err)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, o.Generation())
	assert.Equal(t, 0, stub.callCount(compute.OpSimulateBatch))
	assert.Equal(t, []EventKind{EventStopped}, events.kinds())
}

func TestStartAutomaticRunsUntilStopped(t *testing.T) {
	archive := newArchive(t)
	var o *Orchestrator
	o = newOrchestrator(t, newStub(), func(cfg *Config) {
		cfg.Archive = archive
		cfg.GenerationInterval = time.Millisecond
		cfg.Observer = func(ev Event) {
			if ev.Kind == EventGenerationAdvanced && ev.Generation == 3 {
				o.RequestStop()
			}
		}
	})

	completed, err := o.StartAutomatic(context.Background(), model.SpeedInstant)
	require.NoError(t, err)
	assert.Equal(t, 3, completed)
	assert.Equal(t, 3, o.Generation())

	history, err := archive.ListGenerations(context.Background(), "test", 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestStartAutomaticStopsOnError(t *testing.T) {
	stub := newStub()
	o := newOrchestrator(t, stub, nil)
	stub.fail(compute.OpSelectBatch, errStubUnavailable)

	completed, err := o.StartAutomatic(context.Background(), model.SpeedInstant)
	require.ErrorIs(t, err, errStubUnavailable)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, o.Generation())
	state := o.State()
	assert.Equal(t, model.PhaseSelect, state.Phase)
	assert.Equal(t, model.ControlAutomatic, state.Control)
}

func TestStartAutomaticHonoursContext(t *testing.T) {
	o := newOrchestrator(t, newStub(), func(cfg *Config) { cfg.GenerationInterval = time.Hour })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	completed, err := o.StartAutomatic(ctx, model.SpeedInstant)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, completed)
}

func TestSecondDriverIsRejected(t *testing.T) {
	stub := newStub()
	o := newOrchestrator(t, stub, nil)
	stub.block = make(chan struct{})
	stub.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- o.StartFull(context.Background(), model.SpeedPaced)
	}()
	<-stub.entered

	_, err := o.StepOnce(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, o.Seed(context.Background()), ErrBusy)
	assert.True(t, o.State().Running)
	assert.Len(t, o.Snapshot(), 4)

	close(stub.block)
	require.NoError(t, <-done)
	assert.False(t, o.State().Running)
	assert.Equal(t, 1, o.Generation())
}

func TestDriverPreconditions(t *testing.T) {
	o, err := New(Config{Collaborator: newStub(), Logger: telemetry.Discard()})
	require.NoError(t, err)

	_, err = o.StartManual(model.SpeedPaced)
	assert.ErrorIs(t, err, ErrEmptyPopulation)

	_, err = o.StepOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = o.CompletePhase(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = o.StartManual(model.Speed("warp"))
	assert.Error(t, err)

	o = newOrchestrator(t, newStub(), nil)
	_, err = o.StartManual(model.SpeedPaced)
	require.NoError(t, err)
	assert.ErrorIs(t, o.Seed(context.Background()), ErrGenerationInProgress)
}

func TestRestoreLoadsSnapshot(t *testing.T) {
	o := newOrchestrator(t, newStub(), nil)
	snapshot := model.PopulationSnapshot{
		PopulationID: "test",
		Generation:   7,
		Individuals: []model.Individual{
			{ID: "x", Name: "x", Speed: 0.2, Simulated: true, Outcome: model.OutcomeSuccess},
			{ID: "y", Name: "y", Speed: 0.4},
		},
	}

	require.NoError(t, o.Restore(snapshot))
	assert.Equal(t, 7, o.Generation())
	restored := o.Snapshot()
	require.Len(t, restored, 2)
	for _, ind := range restored {
		assert.False(t, ind.Simulated)
		assert.Equal(t, model.OutcomeUnset, ind.Outcome)
	}

	bad := snapshot
	bad.Individuals = []model.Individual{{ID: "z", Speed: 2}}
	assert.Error(t, o.Restore(bad))
	assert.Len(t, o.Snapshot(), 2)
}
