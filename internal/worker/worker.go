// Package worker runs the search loop of one worker process: it keeps the
// coordinator's view of the job current, inserts the models it proposes
// and runs the ones it owns.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"hypersearch/internal/feed"
	"hypersearch/internal/jobs"
	"hypersearch/internal/metrics"
	"hypersearch/internal/model"
	"hypersearch/internal/runner"
	"hypersearch/internal/search"
)

// Store is everything a worker needs from the job store.
type Store interface {
	search.Store
	search.CandidateStore
	InsertModel(ctx context.Context, m jobs.NewModel) (int64, bool, error)
	GetModels(ctx context.Context, ids []int64) ([]model.ModelRecord, error)
	GetModelUpdateCounters(ctx context.Context, jobID string) ([]jobs.ModelCounter, error)
	UpdateModelResults(ctx context.Context, id int64, p jobs.Progress) error
	SetJobFields(ctx context.Context, jobID string, fields map[string]string, ignoreUnchanged bool) error
}

var _ Store = (*jobs.Store)(nil)

type Config struct {
	JobID       string
	WorkerID    string
	Search      search.Config
	Description search.Description
	Runner      runner.Runner

	// PollInterval paces reads of the job's model counters. 0 polls on
	// every iteration.
	PollInterval    time.Duration
	ChooserInterval time.Duration
	MinNumRecords   int

	Sink    feed.Sink
	Metrics metrics.Collector
	Logger  *slog.Logger
	Clock   func() time.Time
	// Sleep is handed to the coordinator for its waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Worker struct {
	cfg     Config
	store   Store
	coord   *search.Coordinator
	chooser *search.ModelChooser
	poll    *rate.Limiter
	sink    feed.Sink
	metrics metrics.Collector
	logger  *slog.Logger
	clock   func() time.Time

	// counters holds the last update counter seen per model.
	counters map[int64]int64
	ran      int
}

func New(cfg Config, store Store) (*Worker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = feed.Noop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	coord, err := search.New(cfg.Search, cfg.Description, store, search.Options{
		JobID:    cfg.JobID,
		WorkerID: cfg.WorkerID,
		Logger:   logger,
		Metrics:  collector,
		Clock:    clock,
		Sleep:    cfg.Sleep,
	})
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.PollInterval > 0 {
		limit = rate.Every(cfg.PollInterval)
	}
	return &Worker{
		cfg:   cfg,
		store: store,
		coord: coord,
		chooser: search.NewModelChooser(store, cfg.JobID, search.ChooserOptions{
			Interval:      cfg.ChooserInterval,
			MinNumRecords: cfg.MinNumRecords,
			Maximize:      cfg.Description.Maximize,
			Clock:         clock,
			Logger:        logger,
		}),
		poll:     rate.NewLimiter(limit, 1),
		sink:     sink,
		metrics:  collector,
		logger:   logger.With("job", cfg.JobID, "worker", cfg.WorkerID),
		clock:    clock,
		counters: make(map[int64]int64),
	}, nil
}

func (w *Worker) Coordinator() *search.Coordinator { return w.coord }

// ModelsRun is the number of models this worker ran to completion.
func (w *Worker) ModelsRun() int { return w.ran }

// Run loops until the coordinator allows the worker to exit and returns
// the reason it gave.
func (w *Worker) Run(ctx context.Context) (model.CompletionReason, string, error) {
	notStarted := string(model.JobNotStarted)
	if _, err := w.store.SetJobFieldIfEqual(ctx, w.cfg.JobID, model.JobFieldStatus, string(model.JobRunning), &notStarted); err != nil {
		return "", "", err
	}
	w.logger.Info("worker started", "runner", w.cfg.Runner.Name())

	for {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		if err := w.syncModels(ctx); err != nil {
			return "", "", err
		}
		exit, proposals, err := w.coord.CreateModels(ctx, 1)
		if err != nil {
			return "", "", err
		}
		if exit {
			return w.finish(ctx)
		}
		for _, p := range proposals {
			if err := w.insertAndRun(ctx, p); err != nil {
				return "", "", err
			}
		}
		if err := w.chooser.Update(ctx, false); err != nil {
			return "", "", err
		}
	}
}

func (w *Worker) finish(ctx context.Context) (model.CompletionReason, string, error) {
	if err := w.chooser.Update(ctx, true); err != nil {
		return "", "", err
	}
	reason, msg := w.coord.ExitReason()
	if reason == "" {
		reason = model.CompletionEOF
	}
	err := w.store.SetJobFields(ctx, w.cfg.JobID, map[string]string{
		model.JobFieldStatus:           string(model.JobCompleted),
		model.JobFieldCompletionReason: string(reason),
		model.JobFieldCompletionMsg:    msg,
	}, true)
	if err != nil {
		w.logger.Warn("could not record worker completion", "err", err)
	}
	w.logger.Info("worker finished", "reason", reason, "msg", msg, "models_run", w.ran)
	return reason, msg, nil
}

// syncModels feeds every model changed since the last poll into the
// coordinator. Params are passed the first time a model is seen.
func (w *Worker) syncModels(ctx context.Context) error {
	if !w.poll.Allow() {
		return nil
	}
	counters, err := w.store.GetModelUpdateCounters(ctx, w.cfg.JobID)
	if err != nil {
		return fmt.Errorf("poll model counters: %w", err)
	}
	var changed []int64
	for _, c := range counters {
		if seen, ok := w.counters[c.ID]; ok && seen == c.UpdateCounter {
			continue
		}
		changed = append(changed, c.ID)
	}
	if len(changed) == 0 {
		return nil
	}
	recs, err := w.store.GetModels(ctx, changed)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := w.record(rec); err != nil {
			return err
		}
	}
	w.logger.Debug("models synced", "changed", len(changed))
	return nil
}

func (w *Worker) record(rec model.ModelRecord) error {
	p := search.ModelProgress{
		ModelID:          rec.ID,
		ParamsHash:       rec.ParamsHash,
		Results:          rec.Results,
		Completed:        rec.IsCompleted(),
		CompletionReason: rec.CompletionReason,
		Matured:          rec.Matured,
		NumRecords:       rec.NumRecords,
	}
	if _, known := w.coord.Results().ParticleInfo(rec.ID); !known {
		params := rec.Params
		p.Params = &params
	}
	if _, err := w.coord.RecordModelProgress(p); err != nil {
		return fmt.Errorf("record model %d: %w", rec.ID, err)
	}
	w.counters[rec.ID] = rec.UpdateCounter
	return nil
}

func (w *Worker) insertAndRun(ctx context.Context, p search.Proposal) error {
	id, ours, err := w.store.InsertModel(ctx, jobs.NewModel{
		JobID:        w.cfg.JobID,
		Params:       p.Params,
		ParamsHash:   p.ParamsHash,
		ParticleHash: p.ParticleHash,
		WorkerID:     w.cfg.WorkerID,
	})
	if errors.Is(err, jobs.ErrDuplicateHash) {
		w.logger.Debug("particle already has a model", "particle", p.Params.ParticleState.ID,
			"gen", p.Params.ParticleState.GenIdx)
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := w.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if err := w.record(rec); err != nil {
		return err
	}
	if !ours {
		w.logger.Debug("another worker owns these params", "model", id)
		return nil
	}
	return w.runModel(ctx, rec)
}

func (w *Worker) runModel(ctx context.Context, rec model.ModelRecord) error {
	start := w.clock()
	rep := &reporter{w: w, rec: rec}
	reason, msg, err := w.cfg.Runner.Run(ctx, runner.Request{
		JobID:       w.cfg.JobID,
		ModelID:     rec.ID,
		Params:      rec.Params,
		OptimizeKey: w.cfg.Description.OptimizeKey,
	}, rep)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		w.logger.Warn("model run failed", "model", rec.ID, "err", err)
		reason, msg = model.CompletionError, err.Error()
	}

	cpu := w.clock().Sub(start).Seconds()
	if err := w.store.SetModelCompleted(ctx, rec.ID, reason, msg, cpu); err != nil {
		return err
	}
	w.metrics.ModelCompleted(string(reason))
	w.ran++

	final, err := w.store.GetModel(ctx, rec.ID)
	if err != nil {
		return err
	}
	if err := w.record(final); err != nil {
		return err
	}
	w.publish(ctx, final)
	w.logger.Info("model completed", "model", rec.ID, "swarm", rec.Params.ParticleState.SwarmID,
		"reason", final.CompletionReason, "records", final.NumRecords)
	return nil
}

func (w *Worker) publish(ctx context.Context, rec model.ModelRecord) {
	ev := feed.ProgressEvent{
		JobID:            w.cfg.JobID,
		ModelID:          rec.ID,
		WorkerID:         w.cfg.WorkerID,
		SwarmID:          rec.Params.ParticleState.SwarmID,
		GenIdx:           rec.Params.ParticleState.GenIdx,
		NumRecords:       rec.NumRecords,
		Metric:           w.coord.OptimizeMetric(rec.Results),
		Matured:          rec.Matured,
		Completed:        rec.IsCompleted(),
		CompletionReason: rec.CompletionReason,
		Time:             w.clock(),
	}
	if err := w.sink.Publish(ctx, ev); err != nil {
		w.logger.Warn("progress event not published", "model", rec.ID, "err", err)
	}
}

// reporter relays a running model's progress to the store and the
// coordinator.
type reporter struct {
	w   *Worker
	rec model.ModelRecord
}

func (r *reporter) Report(ctx context.Context, p runner.Progress) error {
	res := p.Results
	err := r.w.store.UpdateModelResults(ctx, r.rec.ID, jobs.Progress{
		Results:    res,
		NumRecords: p.NumRecords,
		Matured:    p.Matured,
		Metric:     r.w.coord.ErrScore(&res),
	})
	if err != nil {
		return err
	}
	_, err = r.w.coord.RecordModelProgress(search.ModelProgress{
		ModelID:    r.rec.ID,
		ParamsHash: r.rec.ParamsHash,
		Results:    &res,
		Matured:    p.Matured,
		NumRecords: p.NumRecords,
	})
	if err != nil {
		return err
	}
	r.rec.Results = &res
	r.rec.NumRecords = p.NumRecords
	r.rec.Matured = r.rec.Matured || p.Matured
	r.w.publish(ctx, r.rec)
	return nil
}

func (r *reporter) StopRequested(ctx context.Context) (model.StopReason, error) {
	rec, err := r.w.store.GetModel(ctx, r.rec.ID)
	if err != nil {
		return "", err
	}
	return rec.EngStop, nil
}
