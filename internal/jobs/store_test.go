package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypersearch/internal/model"
	"hypersearch/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	backend := storage.NewMemoryStore()
	require.NoError(t, backend.Init(context.Background()))
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return New(backend, Options{Clock: clock.Now, MaxCASRetries: 1000}), clock
}

func insert(t *testing.T, s *Store, job, hash string) int64 {
	t.Helper()
	id, ours, err := s.InsertModel(context.Background(), NewModel{
		JobID:        job,
		ParamsHash:   "p-" + hash,
		ParticleHash: "q-" + hash,
		Params:       model.ModelParams{ParticleState: model.ParticleState{ID: hash, SwarmID: "A"}},
	})
	require.NoError(t, err)
	require.True(t, ours)
	return id
}

func TestCreateJobOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.CreateJob(ctx, "job", `{"predictedField":"y"}`))
	require.ErrorIs(t, s.CreateJob(ctx, "job", "{}"), ErrJobExists)

	desc, ok, err := s.GetJobField(ctx, "job", model.JobFieldDescription)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"predictedField":"y"}`, desc)

	status, _, err := s.GetJobField(ctx, "job", model.JobFieldStatus)
	require.NoError(t, err)
	assert.Equal(t, string(model.JobNotStarted), status)
}

func TestSetJobFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	fields := map[string]string{model.JobFieldEngStatus: "sprint 0", model.JobFieldStatus: string(model.JobRunning)}

	require.NoError(t, s.SetJobFields(ctx, "job", fields, false))
	require.ErrorIs(t, s.SetJobFields(ctx, "job", fields, false), ErrUnchanged)
	require.NoError(t, s.SetJobFields(ctx, "job", fields, true))

	cur := string(model.JobRunning)
	ok, err := s.SetJobFieldIfEqual(ctx, "job", model.JobFieldStatus, string(model.JobCompleted), &cur)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetJobFieldIfEqual(ctx, "job", model.JobFieldStatus, string(model.JobRunning), &cur)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.ErrorIs(t, s.CancelJob(ctx, "missing", "", ""), ErrJobNotFound)

	require.NoError(t, s.CreateJob(ctx, "job", "{}"))
	cancelled, err := s.IsCancelled(ctx, "job")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, s.CancelJob(ctx, "job", model.CompletionError, "Exiting due to too many model errors"))
	cancelled, err = s.IsCancelled(ctx, "job")
	require.NoError(t, err)
	assert.True(t, cancelled)
	msg, _, err := s.GetJobField(ctx, "job", model.JobFieldCompletionMsg)
	require.NoError(t, err)
	assert.Equal(t, "Exiting due to too many model errors", msg)
}

func TestInsertModelReturnsOwnerOfHash(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := insert(t, s, "job", "a")

	again, ours, err := s.InsertModel(ctx, NewModel{JobID: "job", ParamsHash: "p-a", ParticleHash: "q-other"})
	require.NoError(t, err)
	assert.False(t, ours)
	assert.Equal(t, id, again)

	_, _, err = s.InsertModel(ctx, NewModel{JobID: "job", ParamsHash: "p-new", ParticleHash: "q-a"})
	require.ErrorIs(t, err, ErrDuplicateHash)

	_, err = s.GetModel(ctx, id+100)
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestUpdateModelResultsBumpsCounter(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	id := insert(t, s, "job", "a")

	clock.Advance(time.Minute)
	metric := 0.5
	require.NoError(t, s.UpdateModelResults(ctx, id, Progress{
		Results:    model.ModelResults{Optimize: map[string]float64{"err": 0.5}},
		NumRecords: 10,
		Matured:    true,
		Metric:     &metric,
	}))
	rec, err := s.GetModel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.NumRecords)
	assert.True(t, rec.Matured)
	require.NotNil(t, rec.OptimizedMetric)
	assert.Equal(t, 0.5, *rec.OptimizedMetric)
	assert.True(t, rec.LastUpdate.Equal(clock.Now()))

	counters, err := s.GetModelUpdateCounters(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, []ModelCounter{{ID: id, UpdateCounter: 1}}, counters)
}

func TestConcurrentModelUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := insert(t, s, "job", "a")

	const writers, updates = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				assert.NoError(t, s.UpdateModelResults(ctx, id, Progress{NumRecords: i}))
			}
		}()
	}
	wg.Wait()

	rec, err := s.GetModel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*updates), rec.UpdateCounter)
}

func TestSetModelFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := insert(t, s, "job", "a")
	insert(t, s, "job", "b")

	taken := "p-b"
	require.ErrorIs(t, s.SetModelFields(ctx, a, ModelPatch{ParamsHash: &taken}, false), ErrDuplicateHash)

	fresh, freshParticle := "p-a2", "q-a2"
	require.NoError(t, s.SetModelFields(ctx, a, ModelPatch{ParamsHash: &fresh, ParticleHash: &freshParticle}, false))
	require.ErrorIs(t, s.SetModelFields(ctx, a, ModelPatch{ParamsHash: &fresh}, false), ErrUnchanged)
	require.NoError(t, s.SetModelFields(ctx, a, ModelPatch{ParamsHash: &fresh}, true))

	stop := model.StopKilled
	require.NoError(t, s.SetModelFields(ctx, a, ModelPatch{EngStop: &stop}, false))
	rec, err := s.GetModel(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "p-a2", rec.ParamsHash)
	assert.Equal(t, model.StopKilled, rec.EngStop)

	// The old hash is free again.
	insert(t, s, "job", "a")
}

func TestSetModelCompletedKeepsFirstCompletion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	id := insert(t, s, "job", "a")

	require.NoError(t, s.SetModelCompleted(ctx, id, model.CompletionEOF, "", 1.5))
	require.NoError(t, s.SetModelCompleted(ctx, id, model.CompletionOrphan, "late", 0))

	rec, err := s.GetModel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ModelCompleted, rec.Status)
	assert.Equal(t, model.CompletionEOF, rec.CompletionReason)
	assert.Equal(t, 1.5, rec.CPUTime)
	assert.False(t, rec.EndTime.IsZero())
}

func TestAdoptNextOrphanModel(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	stale := insert(t, s, "job", "a")
	live := insert(t, s, "job", "b")
	done := insert(t, s, "job", "c")
	require.NoError(t, s.SetModelCompleted(ctx, done, model.CompletionEOF, "", 0))

	_, ok, err := s.AdoptNextOrphanModel(ctx, "job", 3*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "nothing is idle yet")

	clock.Advance(4 * time.Minute)
	require.NoError(t, s.UpdateModelResults(ctx, live, Progress{NumRecords: 1}))

	id, ok, err := s.AdoptNextOrphanModel(ctx, "job", 3*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stale, id)

	_, ok, err = s.AdoptNextOrphanModel(ctx, "job", 3*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "an adopted model is not adopted twice")
}

func TestGetCandidateModels(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	ids := []int64{insert(t, s, "job", "a"), insert(t, s, "job", "b"), insert(t, s, "job", "c")}
	for i, m := range []struct {
		metric  float64
		records int
	}{{0.3, 100}, {0.1, 100}, {0.05, 2}} {
		metric := m.metric
		require.NoError(t, s.UpdateModelResults(ctx, ids[i], Progress{NumRecords: m.records, Metric: &metric}))
	}

	got, best, err := s.GetCandidateModels(ctx, "job", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1], ids[0]}, got)
	require.NotNil(t, best)
	assert.Equal(t, 0.1, *best)

	got, best, err = s.GetCandidateModels(ctx, "job", 1000)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Nil(t, best)
}
