package hsstate

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypersearch/internal/model"
	"hypersearch/internal/results"
)

type fakeFields struct {
	mu     sync.Mutex
	values map[string]string
	// beforeSet runs before each conditional write, outside the lock.
	beforeSet func()
	sets      int
}

func newFakeFields() *fakeFields {
	return &fakeFields{values: map[string]string{}}
}

func (f *fakeFields) GetJobField(_ context.Context, jobID, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[jobID+"/"+field]
	return v, ok, nil
}

func (f *fakeFields) SetJobFieldIfEqual(_ context.Context, jobID, field, value string, expected *string) (bool, error) {
	if hook := f.beforeSet; hook != nil {
		f.beforeSet = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	key := jobID + "/" + field
	cur, ok := f.values[key]
	if expected == nil && ok {
		return false, nil
	}
	if expected != nil && (!ok || cur != *expected) {
		return false, nil
	}
	f.values[key] = value
	return true, nil
}

type recordingKiller struct {
	killed []string
}

func (k *recordingKiller) KillSwarmParticles(_ context.Context, swarmID string) error {
	k.killed = append(k.killed, swarmID)
	return nil
}

func temporalConfig() Config {
	return Config{
		SearchType:            SearchTemporal,
		EncoderNames:          []string{"A", "B", "C"},
		PredictedFieldEncoder: "A",
		EncoderFields:         map[string]string{"A": "fieldA", "B": "fieldB", "C": "fieldC"},
		MinParticlesPerSwarm:  2,
		MinFieldContribution:  -1,
	}
}

func newState(t *testing.T, store JobFields, cfg Config, db *results.DB, killer SwarmKiller) *State {
	t.Helper()
	doc := NewJSONField[Snapshot](store, "job1", model.JobFieldEngWorkerState)
	st, err := New(cfg, doc, db, Options{Killer: killer})
	require.NoError(t, err)
	return st
}

var nextModelID int64

// feed records a completed generation 0 model with the given score.
func feed(t *testing.T, db *results.DB, swarmID string, score float64) int64 {
	t.Helper()
	nextModelID++
	id := nextModelID
	hash := fmt.Sprintf("hash-%d", id)
	state := model.ParticleState{ID: fmt.Sprintf("p.%d", id), SwarmID: swarmID}
	_, err := db.Update(results.Update{ModelID: id, Params: &model.ModelParams{ParticleState: state}, ParamsHash: hash})
	require.NoError(t, err)
	_, err = db.Update(results.Update{
		ModelID: id, ParamsHash: hash, Metric: &score,
		Completed: true, CompletionReason: model.CompletionEOF,
	})
	require.NoError(t, err)
	return id
}

func complete(t *testing.T, st *State, swarms ...string) {
	t.Helper()
	require.NoError(t, st.Update(context.Background(), func() error {
		for _, id := range swarms {
			if err := st.SetSwarmState(id, SwarmCompleted); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestInitialSwarmsPerSearchType(t *testing.T) {
	cases := []struct {
		name string
		cfg  func(*Config)
		want []string
	}{
		{name: "temporal", cfg: func(*Config) {}, want: []string{"A", "B", "C"}},
		{name: "classification", cfg: func(c *Config) { c.SearchType = SearchClassification }, want: []string{"B", "C"}},
		{name: "legacy", cfg: func(c *Config) { c.SearchType = SearchLegacyTemporal }, want: []string{"A"}},
		{name: "fixed", cfg: func(c *Config) { c.FixedEncoders = []string{"C", "A"} }, want: []string{"A.C"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := temporalConfig()
			tc.cfg(&cfg)
			st := newState(t, newFakeFields(), cfg, results.New(results.Options{}), nil)
			require.NoError(t, st.ReadState(context.Background()))
			assert.Equal(t, tc.want, st.ActiveSwarms(0))
			assert.Equal(t, 1, st.NumSprints())
			assert.False(t, st.IsDirty())
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	doc := NewJSONField[Snapshot](newFakeFields(), "job1", model.JobFieldEngWorkerState)
	cfg := temporalConfig()
	cfg.SearchType = "bogus"
	_, err := New(cfg, doc, results.New(results.Options{}), Options{})
	assert.ErrorIs(t, err, ErrUnknownSearchType)

	cfg = temporalConfig()
	cfg.FixedEncoders = []string{"Z"}
	_, err = New(cfg, doc, results.New(results.Options{}), Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRacingInitializationConverges(t *testing.T) {
	store := newFakeFields()
	db := results.New(results.Options{})
	first := newState(t, store, temporalConfig(), db, nil)
	second := newState(t, store, temporalConfig(), db, nil)

	// The second worker initializes between the first worker's load and save.
	store.beforeSet = func() {
		require.NoError(t, second.ReadState(context.Background()))
	}
	require.NoError(t, first.ReadState(context.Background()))

	assert.Equal(t, second.Snapshot(), first.Snapshot())
	raw, ok, err := store.GetJobField(context.Background(), "job1", model.JobFieldEngWorkerState)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, raw, first.version.Token)
}

func TestGarbledStateIsReinitialized(t *testing.T) {
	store := newFakeFields()
	store.values["job1/"+model.JobFieldEngWorkerState] = "{not json"
	st := newState(t, store, temporalConfig(), results.New(results.Options{}), nil)
	require.NoError(t, st.ReadState(context.Background()))
	assert.Equal(t, []string{"A", "B", "C"}, st.ActiveSwarms(-1))
}

func TestSprintGrowsFromBestSwarm(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), temporalConfig(), db, nil)
	require.NoError(t, st.ReadState(ctx))

	feed(t, db, "A", 0.5)
	bestB := feed(t, db, "B", 0.2)
	feed(t, db, "C", 0.4)
	complete(t, st, "A", "B", "C")

	assert.True(t, st.IsSprintCompleted(0))
	id, score := st.BestModelInCompletedSprint(0)
	assert.Equal(t, bestB, id)
	assert.Equal(t, model.Score(0.2), score)
	_, hasLast := st.LastGoodSprint()
	assert.False(t, hasLast)

	active, noMore, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active)
	assert.False(t, noMore)
	assert.Equal(t, []string{"A.B", "B.C"}, st.AllSwarms(1))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, st.AllSwarms(0))

	// Asking again adds nothing.
	active, noMore, err = st.IsSprintActive(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active)
	assert.False(t, noMore)
	assert.Len(t, st.AllSwarms(1), 2)

	active, noMore, err = st.IsSprintActive(ctx, 5)
	require.NoError(t, err)
	assert.False(t, active)
	assert.False(t, noMore)
}

func TestSprintThatDoesNotImproveEndsSearch(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), temporalConfig(), db, nil)
	require.NoError(t, st.ReadState(ctx))

	feed(t, db, "A", 0.5)
	feed(t, db, "B", 0.2)
	feed(t, db, "C", 0.4)
	complete(t, st, "A", "B", "C")
	_, _, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)

	feed(t, db, "A.B", 0.3)
	feed(t, db, "B.C", 0.25)
	complete(t, st, "A.B", "B.C")

	last, ok := st.LastGoodSprint()
	require.True(t, ok)
	assert.Equal(t, 0, last)
	assert.True(t, st.IsSearchOver())

	active, noMore, err := st.IsSprintActive(ctx, 2)
	require.NoError(t, err)
	assert.False(t, active)
	assert.True(t, noMore)
}

func TestKilledSprintGetsSentinelBest(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{})
	killer := &recordingKiller{}
	st := newState(t, newFakeFields(), temporalConfig(), db, killer)
	require.NoError(t, st.ReadState(ctx))

	require.NoError(t, st.Update(ctx, func() error {
		for _, id := range []string{"A", "B", "C"} {
			if err := st.SetSwarmState(id, SwarmKilled); err != nil {
				return err
			}
		}
		return nil
	}))
	id, score := st.BestModelInCompletedSprint(0)
	assert.Zero(t, id)
	assert.False(t, score.Valid())
	last, ok := st.LastGoodSprint()
	require.True(t, ok)
	assert.Equal(t, -1, last)
	assert.True(t, st.IsSearchOver())
	assert.Equal(t, []string{"A", "B", "C"}, killer.killed)
}

func TestSetSwarmStateGuards(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), temporalConfig(), db, nil)
	require.NoError(t, st.ReadState(ctx))
	feed(t, db, "A", 0.5)

	assert.ErrorIs(t, st.SetSwarmState("Z", SwarmCompleted), ErrUnknownSwarm)

	complete(t, st, "A")
	require.NoError(t, st.SetSwarmState("A", SwarmCompleting))
	status, ok := st.SwarmStatus("A")
	require.True(t, ok)
	assert.Equal(t, SwarmCompleted, status)
	assert.False(t, st.IsDirty())
	assert.Equal(t, []string{"B", "C"}, st.ActiveSwarms(-1))
	assert.Equal(t, []string{"A"}, st.CompletedSwarms())

	require.NoError(t, st.Update(ctx, func() error { return st.SetSwarmState("B", SwarmCompleting) }))
	assert.Equal(t, []string{"B"}, st.CompletingSwarms())
	assert.Equal(t, SprintActive, st.Snapshot().Sprints[0].Status)
}

func TestWriteStateLosesRaceAndReloads(t *testing.T) {
	ctx := context.Background()
	store := newFakeFields()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	first := newState(t, store, temporalConfig(), db, nil)
	second := newState(t, store, temporalConfig(), db, nil)
	require.NoError(t, first.ReadState(ctx))
	require.NoError(t, second.ReadState(ctx))
	feed(t, db, "A", 0.5)
	feed(t, db, "B", 0.4)

	complete(t, second, "B")

	require.NoError(t, first.SetSwarmState("A", SwarmCompleted))
	assert.True(t, first.IsDirty())
	ok, err := first.WriteState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, first.IsDirty())
	assert.Equal(t, []string{"B"}, first.CompletedSwarms())

	// Retried through Update the change survives the race.
	complete(t, first, "A")
	require.NoError(t, second.ReadState(ctx))
	assert.Equal(t, []string{"A", "B"}, second.CompletedSwarms())
}

func TestUpdateRetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	store := newFakeFields()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	first := newState(t, store, temporalConfig(), db, nil)
	second := newState(t, store, temporalConfig(), db, nil)
	require.NoError(t, first.ReadState(ctx))
	require.NoError(t, second.ReadState(ctx))
	feed(t, db, "A", 0.5)
	feed(t, db, "C", 0.3)

	conflicts := 0
	first.retry.OnConflict = func(int) { conflicts++ }
	store.beforeSet = func() { complete(t, second, "C") }
	complete(t, first, "A")

	assert.Equal(t, 1, conflicts)
	assert.Equal(t, []string{"A", "C"}, first.CompletedSwarms())
	require.NoError(t, second.ReadState(ctx))
	assert.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestKillUselessSwarms(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	killer := &recordingKiller{}
	st := newState(t, newFakeFields(), temporalConfig(), db, killer)
	require.NoError(t, st.ReadState(ctx))

	feed(t, db, "A", 0.5)
	feed(t, db, "B", 0.2)
	feed(t, db, "C", 0.4)
	complete(t, st, "A", "B", "C")
	_, _, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, st.Update(ctx, func() error {
		st.cur.Swarms["A.C"] = &SwarmInfo{Status: SwarmActive, SprintIdx: 1}
		st.refreshActive()
		st.dirty = true
		return nil
	}))

	require.NoError(t, st.Update(ctx, st.KillUselessSwarms))
	status, _ := st.SwarmStatus("A.C")
	assert.Equal(t, SwarmKilled, status)
	assert.Equal(t, []string{"A.B", "B.C"}, st.ActiveSwarms(1))
	assert.Equal(t, []string{"A.C"}, killer.killed)
}

func TestKillUselessSwarmsWaitsForPriorSprint(t *testing.T) {
	ctx := context.Background()
	cfg := temporalConfig()
	cfg.Speculative = true
	cfg.MinParticlesPerSwarm = 1
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), cfg, db, nil)
	require.NoError(t, st.ReadState(ctx))

	_, _, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, st.KillUselessSwarms))
	assert.Empty(t, st.CompletedSwarms())
	assert.NotEmpty(t, st.ActiveSwarms(1))
}

func TestSpeculativeGrowthAddsOneSwarmPerBase(t *testing.T) {
	ctx := context.Background()
	cfg := temporalConfig()
	cfg.Speculative = true
	cfg.MinParticlesPerSwarm = 1
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), cfg, db, nil)
	require.NoError(t, st.ReadState(ctx))

	active, noMore, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active)
	assert.False(t, noMore)
	assert.Equal(t, []string{"A.B", "A.C"}, st.AllSwarms(1))

	// Sprint 0 has no immature particles so it still has room.
	active, noMore, err = st.IsSprintActive(ctx, 0)
	require.NoError(t, err)
	assert.True(t, active)
	assert.False(t, noMore)
	assert.Len(t, st.AllSwarms(0), 3)
}

func TestFixedFieldsNeverGrow(t *testing.T) {
	ctx := context.Background()
	cfg := temporalConfig()
	cfg.FixedEncoders = []string{"A", "B"}
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), cfg, db, nil)
	require.NoError(t, st.ReadState(ctx))
	feed(t, db, "A.B", 0.3)
	complete(t, st, "A.B")

	active, noMore, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)
	assert.False(t, active)
	assert.True(t, noMore)
	pct, abs := st.FieldContributions()
	assert.Empty(t, pct)
	assert.Empty(t, abs)
}

func TestThreeFieldCombinations(t *testing.T) {
	ctx := context.Background()
	cfg := temporalConfig()
	cfg.EncoderNames = []string{"A", "B", "C", "D"}
	cfg.TryAll3FieldCombinations = true
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), cfg, db, nil)
	require.NoError(t, st.ReadState(ctx))

	feed(t, db, "A", 0.5)
	feed(t, db, "B", 0.2)
	feed(t, db, "C", 0.4)
	feed(t, db, "D", 0.45)
	complete(t, st, "A", "B", "C", "D")
	_, _, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)
	feed(t, db, "A.B", 0.1)
	feed(t, db, "B.C", 0.15)
	feed(t, db, "B.D", 0.18)
	complete(t, st, "A.B", "B.C", "B.D")

	_, _, err = st.IsSprintActive(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A.B.C", "A.B.D", "A.C.D"}, st.AllSwarms(2))
}

func TestFieldContributions(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), temporalConfig(), db, nil)
	require.NoError(t, st.ReadState(ctx))

	feed(t, db, "A", 0.5)
	feed(t, db, "B", 0.2)
	feed(t, db, "C", 0.4)
	// B is still running; its live best is used.
	complete(t, st, "A", "C")

	pct, abs := st.FieldContributions()
	assert.InDelta(t, 0, pct["fieldA"], 1e-9)
	assert.InDelta(t, 60, pct["fieldB"], 1e-9)
	assert.InDelta(t, 20, pct["fieldC"], 1e-9)
	assert.InDelta(t, 0.3, abs["fieldB"], 1e-9)

	st.cfg.MaxBranching = 1
	pct, _ = st.FieldContributions()
	assert.InDelta(t, -25, pct["fieldA"], 1e-9)
	assert.InDelta(t, 50, pct["fieldB"], 1e-9)
	assert.InDelta(t, 0, pct["fieldC"], 1e-9)
}

func TestFieldContributionsClampsBaseline(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), temporalConfig(), db, nil)
	require.NoError(t, st.ReadState(ctx))
	feed(t, db, "A", 0)
	feed(t, db, "B", 0)
	feed(t, db, "C", -0.00001)

	// The zero baseline is moved to 1e-5.
	pct, _ := st.FieldContributions()
	assert.InDelta(t, 100, pct["fieldA"], 1e-6)
	assert.InDelta(t, 200, pct["fieldC"], 1e-6)
}

func TestFieldContributionsIgnoresUnscoredSwarmsForBaseline(t *testing.T) {
	ctx := context.Background()
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	cfg := temporalConfig()
	cfg.MaxBranching = 1
	st := newState(t, newFakeFields(), cfg, db, nil)
	require.NoError(t, st.ReadState(ctx))

	// C has no results yet.
	feed(t, db, "A", 0.5)
	feed(t, db, "B", 0.2)

	pct, abs := st.FieldContributions()
	assert.InDelta(t, 0, pct["fieldA"], 1e-9)
	assert.InDelta(t, 60, pct["fieldB"], 1e-9)
	assert.InDelta(t, 0.3, abs["fieldB"], 1e-9)
	assert.InDelta(t, 0, pct["fieldC"], 1e-9)
	assert.InDelta(t, 0, abs["fieldC"], 1e-9)
}

func TestMinFieldContributionDropsFields(t *testing.T) {
	ctx := context.Background()
	cfg := temporalConfig()
	cfg.MinFieldContribution = 10
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	st := newState(t, newFakeFields(), cfg, db, nil)
	require.NoError(t, st.ReadState(ctx))

	feed(t, db, "A", 0.5)
	feed(t, db, "B", 0.2)
	feed(t, db, "C", 0.4)
	complete(t, st, "A", "B", "C")
	_, _, err := st.IsSprintActive(ctx, 1)
	require.NoError(t, err)
	// A contributes 0% and is not carried forward.
	assert.Equal(t, []string{"B.C"}, st.AllSwarms(1))
}
