package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypersearch/internal/hsstate"
	"hypersearch/internal/jobs"
	"hypersearch/internal/model"
	"hypersearch/internal/permute"
	"hypersearch/internal/runner"
	"hypersearch/internal/search"
	"hypersearch/internal/storage"
	"hypersearch/internal/terminator"
)

const testJob = "job1"

func testDescription(t *testing.T) search.Description {
	t.Helper()
	vars := make(map[string]permute.Variable)
	for _, enc := range []string{"A", "B"} {
		v, err := permute.NewFloat(0, 10, 0, permute.DefaultPSOConfig())
		require.NoError(t, err)
		vars[enc+":x"] = v
	}
	return search.Description{
		PredictedField:        "fa",
		SearchType:            hsstate.SearchTemporal,
		Vars:                  vars,
		EncoderNames:          []string{"A", "B"},
		EncoderFields:         map[string]string{"A": "fa", "B": "fb"},
		PredictedFieldEncoder: "A",
		OptimizeKey:           "err",
		BaseHash:              "base",
	}
}

func testSearchConfig() search.Config {
	cfg := search.DefaultConfig()
	cfg.MinParticlesPerSwarm = 2
	cfg.SpeculativeWaitMax = 0
	cfg.ExitWaitMax = 0
	cfg.Terminator = terminator.Config{
		MaturityWindow: 2,
		MaxGenerations: 3,
		Enabled:        true,
		Milestones:     terminator.DefaultMilestones(),
	}
	return cfg
}

func newStore(t *testing.T) *jobs.Store {
	t.Helper()
	backend := storage.NewMemoryStore()
	require.NoError(t, backend.Init(context.Background()))
	store := jobs.New(backend, jobs.Options{})
	require.NoError(t, store.CreateJob(context.Background(), testJob, "{}"))
	return store
}

func newWorker(t *testing.T, store Store, workerID string) *Worker {
	t.Helper()
	synth, err := runner.NewSynthetic(runner.SyntheticConfig{NumRecords: 40, ReportEvery: 10})
	require.NoError(t, err)
	w, err := New(Config{
		JobID:       testJob,
		WorkerID:    workerID,
		Search:      testSearchConfig(),
		Description: testDescription(t),
		Runner:      synth,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}, store)
	require.NoError(t, err)
	return w
}

func TestWorkerRunsSearchToCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store := newStore(t)
	w := newWorker(t, store, "w1")

	reason, msg, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CompletionEOF, reason)
	assert.NotEmpty(t, msg)

	recs, err := store.ListModels(ctx, testJob)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, len(recs), w.ModelsRun())
	for _, rec := range recs {
		assert.True(t, rec.IsCompleted(), "model %d", rec.ID)
		assert.Equal(t, 40, rec.NumRecords)
		assert.Equal(t, "w1", rec.WorkerID)
	}

	status, _, err := store.GetJobField(ctx, testJob, model.JobFieldStatus)
	require.NoError(t, err)
	assert.Equal(t, string(model.JobCompleted), status)
	got, _, err := store.GetJobField(ctx, testJob, model.JobFieldCompletionReason)
	require.NoError(t, err)
	assert.Equal(t, string(model.CompletionEOF), got)

	res, _, err := hsstate.NewJSONField[model.JobResults](store, testJob, model.JobFieldResults).Load(ctx)
	require.NoError(t, err)
	assert.NotZero(t, res.BestModel)
	require.NotNil(t, res.BestValue)

	snap, _, err := hsstate.NewJSONField[hsstate.Snapshot](store, testJob, model.JobFieldEngWorkerState).Load(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Sprints)
	assert.NotEmpty(t, snap.Swarms)
}

func TestWorkersShareOneJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	store := newStore(t)
	sup := NewSupervisor(SupervisorPolicy{InitialBackoff: time.Millisecond, MaxRestarts: 1}, SupervisorHooks{}, nil)

	workers := []*Worker{newWorker(t, store, "w1"), newWorker(t, store, "w2")}
	results, err := RunPool(ctx, 2, sup, func(i int) (string, RunFunc) {
		return fmt.Sprintf("w%d", i+1), workers[i].Run
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.CompletionEOF, r.Reason)
		assert.Zero(t, r.Restarts)
	}

	recs, err := store.ListModels(ctx, testJob)
	require.NoError(t, err)
	hashes := map[string]int64{}
	for _, rec := range recs {
		assert.True(t, rec.IsCompleted(), "model %d", rec.ID)
		require.NotContains(t, hashes, rec.ParamsHash)
		hashes[rec.ParamsHash] = rec.ID
	}
	assert.Equal(t, len(recs), workers[0].ModelsRun()+workers[1].ModelsRun())
}

func TestSyncModelsRecordsForeignModels(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	w := newWorker(t, store, "w1")

	params := model.ModelParams{
		StructuredParams: map[string]any{"encoders": map[string]any{"A": map[string]any{"x": 1.0}}},
		ParticleState: model.ParticleState{
			ID:      "w9.0",
			SwarmID: "A",
			VarStates: map[string]model.VarState{
				"A:x": {RawPosition: 1.0, Position: 1.0, BestPosition: 1.0},
			},
		},
	}
	id, ours, err := store.InsertModel(ctx, jobs.NewModel{JobID: testJob, Params: params, ParamsHash: "p1", ParticleHash: "q1", WorkerID: "w9"})
	require.NoError(t, err)
	require.True(t, ours)

	require.NoError(t, w.syncModels(ctx))
	info, ok := w.Coordinator().Results().ParticleInfo(id)
	require.True(t, ok)
	assert.False(t, info.Completed)

	metric := 2.0
	require.NoError(t, store.UpdateModelResults(ctx, id, jobs.Progress{
		Results:    model.ModelResults{Optimize: map[string]float64{"err": metric}},
		NumRecords: 10,
		Matured:    true,
		Metric:     &metric,
	}))
	require.NoError(t, store.SetModelCompleted(ctx, id, model.CompletionEOF, "", 1))
	require.NoError(t, w.syncModels(ctx))

	info, ok = w.Coordinator().Results().ParticleInfo(id)
	require.True(t, ok)
	assert.True(t, info.Completed)
	assert.Equal(t, model.Score(2), info.ErrScore)
}
