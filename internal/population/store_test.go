package population

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evolve/internal/model"
)

func newIndividual(id string) model.Individual {
	return model.Individual{ID: id, Name: id, Outcome: model.OutcomeUnset, Hint: model.HintUnset}
}

func simulated(id string, fitness float64) model.Individual {
	ind := newIndividual(id)
	ind.Simulated = true
	ind.Fitness = fitness
	return ind
}

func ids(individuals []model.Individual) []string {
	out := make([]string, 0, len(individuals))
	for _, ind := range individuals {
		out = append(out, ind.ID)
	}
	return out
}

func TestInsertRankedKeepsDescendingPrefix(t *testing.T) {
	store := NewStore([]model.Individual{newIndividual("a"), newIndividual("b"), newIndividual("c"), newIndividual("d")})

	require.NoError(t, store.InsertRanked(simulated("c", 1.5)))
	require.NoError(t, store.InsertRanked(simulated("a", 0.5)))
	require.NoError(t, store.InsertRanked(simulated("d", 3.0)))

	got := store.Snapshot()
	assert.Equal(t, []string{"d", "c", "a", "b"}, ids(got))
	for i, ind := range got {
		assert.Equal(t, i, ind.FitnessIndex)
	}
	assert.False(t, got[3].Simulated)
}

func TestInsertRankedTiesFirstSeenWins(t *testing.T) {
	store := NewStore([]model.Individual{newIndividual("a"), newIndividual("b"), newIndividual("c")})

	require.NoError(t, store.InsertRanked(simulated("b", 2.0)))
	require.NoError(t, store.InsertRanked(simulated("a", 2.0)))
	require.NoError(t, store.InsertRanked(simulated("c", 2.0)))

	assert.Equal(t, []string{"b", "a", "c"}, ids(store.Snapshot()))
}

func TestInsertRankedRejectsUnsimulated(t *testing.T) {
	store := NewStore([]model.Individual{newIndividual("a")})
	require.Error(t, store.InsertRanked(newIndividual("a")))
	assert.Equal(t, 1, store.Len())
}

func TestInsertRankedPrefixInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	initial := make([]model.Individual, 0, 40)
	for i := 0; i < 40; i++ {
		initial = append(initial, newIndividual(fmt.Sprintf("i%02d", i)))
	}
	store := NewStore(initial)

	order := rng.Perm(len(initial))
	for step, idx := range order {
		id := initial[idx].ID
		// coarse fitness values force plenty of ties
		require.NoError(t, store.InsertRanked(simulated(id, float64(rng.Intn(5)))))

		snapshot := store.Snapshot()
		require.Len(t, snapshot, len(initial))
		prefix := 0
		for prefix < len(snapshot) && snapshot[prefix].Simulated {
			prefix++
		}
		require.Equal(t, step+1, prefix)
		for i := prefix; i < len(snapshot); i++ {
			require.False(t, snapshot[i].Simulated, "simulated individual found in suffix")
		}
		for i := 0; i+1 < prefix; i++ {
			require.GreaterOrEqual(t, snapshot[i].Fitness, snapshot[i+1].Fitness)
		}
	}
}

func TestFindNextUnprocessed(t *testing.T) {
	store := NewStore([]model.Individual{simulated("a", 2), newIndividual("b"), newIndividual("c")})

	next, ok := store.FindNextUnprocessed(model.PhaseSimulate.Processed)
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)

	_, ok = store.FindNextUnprocessed(func(model.Individual) bool { return true })
	assert.False(t, ok)
}

func TestPartitionPreservesOrder(t *testing.T) {
	store := NewStore([]model.Individual{simulated("a", 3), simulated("b", 2), newIndividual("c"), newIndividual("d")})

	assert.Equal(t, []string{"a", "b"}, ids(store.AllMatching(model.PhaseSimulate.Processed)))
	assert.Equal(t, []string{"c", "d"}, ids(store.AllNotMatching(model.PhaseSimulate.Processed)))
}

func TestResetGenerationFlags(t *testing.T) {
	a := simulated("a", 3)
	a.NaturallySelected = true
	a.Outcome = model.OutcomeSuccess
	a.Hint = model.HintSuccess
	b := simulated("b", 1)
	b.NaturallySelected = true
	b.Outcome = model.OutcomeFailure
	b.Hint = model.HintFailure
	c := newIndividual("c")
	c.MutatedThisGeneration = true
	c.Hint = model.HintMutated

	store := NewStore([]model.Individual{a, b, c})
	store.ResetGenerationFlags()

	for _, ind := range store.Snapshot() {
		assert.False(t, ind.Simulated, ind.ID)
		assert.False(t, ind.NaturallySelected, ind.ID)
		assert.Equal(t, model.OutcomeUnset, ind.Outcome, ind.ID)
		assert.Equal(t, model.HintUnset, ind.Hint, ind.ID)
	}
	assert.Equal(t, 3, store.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	store := NewStore([]model.Individual{simulated("a", 2), simulated("b", 1)})

	assert.True(t, store.Remove("a"))
	assert.False(t, store.Remove("a"))

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 0, snapshot[0].FitnessIndex)
}

func TestAppendRejectsDuplicates(t *testing.T) {
	store := NewStore([]model.Individual{newIndividual("a")})

	require.Error(t, store.Append(newIndividual("a")))
	require.Error(t, store.Append(newIndividual("b"), newIndividual("b")))
	require.NoError(t, store.Append(newIndividual("b"), newIndividual("c")))
	assert.Equal(t, []string{"a", "b", "c"}, ids(store.Snapshot()))
}

func TestMergeIsAllOrNothing(t *testing.T) {
	store := NewStore([]model.Individual{newIndividual("a"), newIndividual("b")})

	err := store.Merge([]model.Individual{simulated("a", 1), simulated("zz", 2)})
	require.Error(t, err)
	for _, ind := range store.Snapshot() {
		assert.False(t, ind.Simulated)
	}

	require.NoError(t, store.Merge([]model.Individual{simulated("a", 1), simulated("b", 2)}))
	assert.Equal(t, []string{"b", "a"}, ids(store.Snapshot()))
}

func TestRerankIsStableOnTies(t *testing.T) {
	store := NewStore(nil)
	require.NoError(t, store.Append(newIndividual("u1")))
	store.Load([]model.Individual{newIndividual("u1"), simulated("x", 1), simulated("y", 1), newIndividual("u2"), simulated("z", 4)})

	assert.Equal(t, []string{"z", "x", "y", "u1", "u2"}, ids(store.Snapshot()))
}
