// Package search decides, for one worker, which model to run next, when a
// swarm or sprint is done and when the worker may exit. Workers never talk
// to each other; they share the job store and the swarm state it holds.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"hypersearch/internal/hsstate"
	"hypersearch/internal/jobs"
	"hypersearch/internal/metrics"
	"hypersearch/internal/model"
	"hypersearch/internal/particle"
	"hypersearch/internal/permute"
	"hypersearch/internal/results"
	"hypersearch/internal/terminator"
)

const maxOrphanRehashAttempts = 100

// Store is the part of the job store the coordinator needs.
type Store interface {
	hsstate.JobFields
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	CancelJob(ctx context.Context, jobID string, reason model.CompletionReason, msg string) error
	AdoptNextOrphanModel(ctx context.Context, jobID string, interval time.Duration) (int64, bool, error)
	GetModel(ctx context.Context, id int64) (model.ModelRecord, error)
	SetModelFields(ctx context.Context, id int64, patch jobs.ModelPatch, ignoreUnchanged bool) error
	SetModelCompleted(ctx context.Context, id int64, reason model.CompletionReason, msg string, cpuTime float64) error
}

var _ Store = (*jobs.Store)(nil)

type Options struct {
	JobID    string
	WorkerID string
	Logger   *slog.Logger
	Metrics  metrics.Collector
	Clock    func() time.Time
	// Sleep waits between polls. Nil waits on the wall clock.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Proposal is a model the coordinator wants run.
type Proposal struct {
	Params       model.ModelParams
	ParamsHash   string
	ParticleHash string
}

// ModelProgress is one report about a model, from this worker or another.
// Params are passed only the first time a model is reported.
type ModelProgress struct {
	ModelID          int64
	Params           *model.ModelParams
	ParamsHash       string
	Results          *model.ModelResults
	Completed        bool
	CompletionReason model.CompletionReason
	Matured          bool
	NumRecords       int
}

// Coordinator is the search logic of one worker. It is not safe for
// concurrent use.
type Coordinator struct {
	cfg      Config
	desc     Description
	store    Store
	jobID    string
	workerID string
	logger   *slog.Logger
	metrics  metrics.Collector
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	rng      *rand.Rand

	results *results.DB
	term    *terminator.Terminator
	state   *hsstate.State
	env     particle.Env

	terminated      map[string]struct{}
	cancelled       bool
	errCancelIssued bool
	exitReason      model.CompletionReason
	exitMsg         string
}

func New(cfg Config, desc Description, store Store, opts Options) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := desc.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if opts.JobID == "" || opts.WorkerID == "" {
		return nil, errors.New("job id and worker id are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("job", opts.JobID, "worker", opts.WorkerID)
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	term, err := terminator.New(cfg.Terminator, logger)
	if err != nil {
		return nil, err
	}
	db := results.New(results.Options{
		Maximize:             desc.Maximize,
		MinParticlesPerSwarm: cfg.MinParticlesPerSwarm,
		Logger:               logger,
	})
	c := &Coordinator{
		cfg:        cfg,
		desc:       desc,
		store:      store,
		jobID:      opts.JobID,
		workerID:   opts.WorkerID,
		logger:     logger,
		metrics:    collector,
		clock:      clock,
		sleep:      sleep,
		rng:        rand.New(rand.NewSource(permute.DeriveSeed(cfg.Seed, opts.WorkerID))),
		results:    db,
		term:       term,
		terminated: make(map[string]struct{}),
		env: particle.Env{
			Vars:        desc.Vars,
			Results:     db,
			IDs:         particle.NewIDGenerator(opts.WorkerID, 0),
			Speculative: cfg.SpeculativeParticles,
			Seed:        cfg.Seed,
		},
	}

	doc := hsstate.NewJSONField[hsstate.Snapshot](store, opts.JobID, model.JobFieldEngWorkerState)
	state, err := hsstate.New(desc.stateConfig(cfg), doc, db, hsstate.Options{
		Logger: logger,
		Clock:  clock,
		Killer: c,
		Retry: hsstate.Retry{
			Limiter:     rate.NewLimiter(rate.Every(cfg.StateRetryInterval), 1),
			MaxAttempts: cfg.MaxStateAttempts,
			OnConflict:  func(int) { collector.CASConflict("hsstate") },
		},
	})
	if err != nil {
		return nil, err
	}
	c.state = state
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) randomWait(max time.Duration) time.Duration {
	return time.Duration(c.rng.Float64() * float64(max))
}

func (c *Coordinator) Results() *results.DB { return c.results }

func (c *Coordinator) State() *hsstate.State { return c.state }

// ExitReason explains the last exit decision.
func (c *Coordinator) ExitReason() (model.CompletionReason, string) {
	return c.exitReason, c.exitMsg
}

func (c *Coordinator) setExit(reason model.CompletionReason, msg string) {
	if c.exitReason != "" {
		return
	}
	c.exitReason, c.exitMsg = reason, msg
	c.logger.Info("worker exiting", "reason", reason, "msg", msg)
}

// OptimizeMetric extracts the optimized metric from a results report.
func (c *Coordinator) OptimizeMetric(res *model.ModelResults) *float64 {
	if res == nil || len(res.Optimize) == 0 {
		return nil
	}
	if v, ok := res.Optimize[c.desc.OptimizeKey]; ok {
		return &v
	}
	if len(res.Optimize) == 1 {
		for _, v := range res.Optimize {
			return &v
		}
	}
	return nil
}

// ErrScore is the lower-is-better form of the optimized metric.
func (c *Coordinator) ErrScore(res *model.ModelResults) *float64 {
	v := c.OptimizeMetric(res)
	if v == nil {
		return nil
	}
	score := *v
	if c.desc.Maximize {
		score = -score
	}
	return &score
}

// RecordModelProgress feeds a model report into the results index.
func (c *Coordinator) RecordModelProgress(p ModelProgress) (model.Score, error) {
	return c.results.Update(results.Update{
		ModelID:          p.ModelID,
		Params:           p.Params,
		ParamsHash:       p.ParamsHash,
		Metric:           c.OptimizeMetric(p.Results),
		Completed:        p.Completed,
		CompletionReason: p.CompletionReason,
		Matured:          p.Matured,
		NumRecords:       p.NumRecords,
	})
}

// CreateModels proposes the next model to run. It proposes at most one
// model per call; no proposal with exit unset means try again later.
func (c *Coordinator) CreateModels(ctx context.Context, numModels int) (bool, []Proposal, error) {
	if numModels <= 0 {
		return false, nil, nil
	}
	if err := c.checkForOrphanedModels(ctx); err != nil {
		return false, nil, err
	}
	if c.cfg.MaxModels > 0 && c.results.NumCompletedModels()-c.results.NumErrModels() >= c.cfg.MaxModels {
		c.setExit(model.CompletionEOF, fmt.Sprintf("Reached the maximum of %d models", c.cfg.MaxModels))
		ok, err := c.okToExit(ctx)
		return ok, nil, err
	}

	exit, p, err := c.getCandidateParticleAndSwarm(ctx, "")
	for {
		if err != nil {
			return false, nil, err
		}
		if p == nil {
			if exit {
				ok, err := c.okToExit(ctx)
				return ok, nil, err
			}
			c.metrics.CandidateWait()
			c.logger.Debug("no candidate particle available yet")
			return false, nil, c.sleep(ctx, c.randomWait(c.cfg.SpeculativeWaitMax))
		}
		proposal, ok, err := c.propose(p)
		if err != nil {
			return false, nil, err
		}
		if ok {
			c.metrics.ModelCreated(p.SwarmID())
			return false, []Proposal{proposal}, nil
		}
		c.logger.Info("swarm exhausted its unique positions", "swarm", p.SwarmID(),
			"attempts", c.cfg.MaxUniqueModelAttempts)
		exit, p, err = c.getCandidateParticleAndSwarm(ctx, p.SwarmID())
	}
}

func (c *Coordinator) propose(p *particle.Particle) (Proposal, bool, error) {
	for attempt := 0; attempt < c.cfg.MaxUniqueModelAttempts; attempt++ {
		if attempt > 0 {
			p.Agitate()
		}
		structured := c.structuredParams(p)
		hash, err := ParamsHash(structured, c.desc.BaseHash)
		if err != nil {
			return Proposal{}, false, err
		}
		if c.desc.Filter != nil && !c.desc.Filter(structured) {
			c.logger.Debug("params rejected by filter", "swarm", p.SwarmID(), "attempt", attempt)
			continue
		}
		if id, dup := c.results.ModelIDFromParamsHash(hash); dup {
			c.logger.Debug("params already tried", "swarm", p.SwarmID(), "model", id, "attempt", attempt)
			continue
		}
		state := p.State()
		return Proposal{
			Params:       model.ModelParams{StructuredParams: structured, ParticleState: state},
			ParamsHash:   hash,
			ParticleHash: ParticleHash(state.ID, state.GenIdx),
		}, true, nil
	}
	return Proposal{}, false, nil
}

// structuredParams lays out a particle position over the base params.
// Encoder variables are grouped under "encoders"; every encoder of the
// swarm is present even without variables of its own.
func (c *Coordinator) structuredParams(p *particle.Particle) map[string]any {
	out := make(map[string]any, len(c.desc.BaseParams)+1)
	maps.Copy(out, c.desc.BaseParams)
	encoders := make(map[string]any)
	for _, enc := range particle.EncoderNames(p.SwarmID()) {
		encoders[enc] = map[string]any{}
	}
	for name, v := range p.Position() {
		if !particle.IsEncoderVar(name) {
			out[name] = v
			continue
		}
		enc, param := splitEncoderVar(name)
		m, ok := encoders[enc].(map[string]any)
		if !ok {
			m = map[string]any{}
			encoders[enc] = m
		}
		m[param] = v
	}
	out["encoders"] = encoders
	return out
}

func (c *Coordinator) checkForOrphanedModels(ctx context.Context) error {
	for {
		id, ok, err := c.store.AdoptNextOrphanModel(ctx, c.jobID, c.cfg.ModelOrphanInterval)
		if err != nil {
			return fmt.Errorf("adopt orphan: %w", err)
		}
		if !ok {
			return nil
		}
		c.metrics.OrphanAdopted()
		paramsHash, err := c.rehashOrphan(ctx, id)
		if err != nil {
			return err
		}
		if err := c.store.SetModelCompleted(ctx, id, model.CompletionOrphan, "Orphaned", 0); err != nil {
			return fmt.Errorf("complete orphan %d: %w", id, err)
		}

		u := results.Update{
			ModelID:          id,
			ParamsHash:       paramsHash,
			Completed:        true,
			CompletionReason: model.CompletionOrphan,
			Matured:          true,
		}
		if _, known := c.results.ParticleInfo(id); !known {
			rec, err := c.store.GetModel(ctx, id)
			if err != nil {
				return err
			}
			params := rec.Params
			u.Params = &params
			u.NumRecords = rec.NumRecords
		}
		if _, err := c.results.Update(u); err != nil {
			return err
		}
		c.logger.Info("replaced orphaned model", "model", id)
	}
}

// rehashOrphan frees the hashes of an adopted orphan so a replacement can
// be inserted for the same particle.
func (c *Coordinator) rehashOrphan(ctx context.Context, id int64) (string, error) {
	for attempt := 0; attempt < maxOrphanRehashAttempts; attempt++ {
		paramsHash, particleHash := orphanHashes(id, attempt)
		err := c.store.SetModelFields(ctx, id, jobs.ModelPatch{ParamsHash: &paramsHash, ParticleHash: &particleHash}, true)
		if errors.Is(err, jobs.ErrDuplicateHash) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("rehash orphan %d: %w", id, err)
		}
		return paramsHash, nil
	}
	return "", fmt.Errorf("rehash orphan %d: no free hash after %d attempts", id, maxOrphanRehashAttempts)
}

func (c *Coordinator) numImmature(swarmID string) int {
	return len(c.results.ParticleInfos(results.Filter{SwarmID: swarmID, Matured: results.Flag(false)}))
}

// hsStatePeriodicUpdate reloads the shared state and commits the swarm
// transitions this worker has learned about. Once they are saved, the
// running non-best models of newly completed swarms are killed.
func (c *Coordinator) hsStatePeriodicUpdate(ctx context.Context, exhaustedSwarmID string) error {
	if err := c.state.ReadState(ctx); err != nil {
		return err
	}
	for _, g := range c.results.MaturedSwarmGenerations() {
		dead, err := c.term.RecordDataPoint(g.SwarmID, g.GenIdx, g.BestScore)
		if err != nil {
			return err
		}
		for _, id := range dead {
			c.terminated[id] = struct{}{}
		}
	}

	var completed []string
	err := c.state.Update(ctx, func() error {
		completed = completed[:0]
		mark := func(id string, status hsstate.SwarmStatus) error {
			prev, ok := c.state.SwarmStatus(id)
			if !ok {
				c.logger.Warn("ignoring status of unknown swarm", "swarm", id, "status", status)
				return nil
			}
			if prev == hsstate.SwarmKilled {
				return nil
			}
			if err := c.state.SetSwarmState(id, status); err != nil {
				return err
			}
			if cur, _ := c.state.SwarmStatus(id); cur == hsstate.SwarmCompleted && prev != hsstate.SwarmCompleted {
				completed = append(completed, id)
			}
			return nil
		}

		if exhaustedSwarmID != "" {
			status := hsstate.SwarmCompleted
			if c.numImmature(exhaustedSwarmID) > 0 {
				status = hsstate.SwarmCompleting
			}
			if err := mark(exhaustedSwarmID, status); err != nil {
				return err
			}
		}
		if c.cfg.KillUselessSwarms {
			if err := c.state.KillUselessSwarms(); err != nil {
				return err
			}
		}
		for _, id := range c.state.CompletingSwarms() {
			if c.numImmature(id) == 0 {
				if err := mark(id, hsstate.SwarmCompleted); err != nil {
					return err
				}
			}
		}
		for _, id := range sortedMapKeys(c.terminated) {
			status, ok := c.state.SwarmStatus(id)
			if !ok || (status != hsstate.SwarmActive && status != hsstate.SwarmCompleting) {
				continue
			}
			if err := mark(id, hsstate.SwarmCompleted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range completed {
		c.metrics.SwarmTransition(string(hsstate.SwarmCompleted))
		best, _, err := c.state.BestModelInCompletedSwarm(id)
		if err != nil {
			return err
		}
		for _, info := range c.results.ParticleInfos(results.Filter{SwarmID: id, Completed: results.Flag(false)}) {
			if info.ModelID == best {
				continue
			}
			if err := c.stopModel(ctx, info.ModelID, model.StopKilled); err != nil {
				return err
			}
		}
	}
	return nil
}

// KillSwarmParticles asks every running model of a killed swarm to stop.
func (c *Coordinator) KillSwarmParticles(ctx context.Context, swarmID string) error {
	c.metrics.SwarmTransition(string(hsstate.SwarmKilled))
	for _, info := range c.results.ParticleInfos(results.Filter{SwarmID: swarmID, Completed: results.Flag(false)}) {
		if err := c.stopModel(ctx, info.ModelID, model.StopKilled); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) stopModel(ctx context.Context, id int64, reason model.StopReason) error {
	err := c.store.SetModelFields(ctx, id, jobs.ModelPatch{EngStop: &reason}, true)
	if errors.Is(err, jobs.ErrModelNotFound) {
		c.logger.Warn("cannot stop unknown model", "model", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop model %d: %w", id, err)
	}
	c.logger.Debug("stop signal sent", "model", id, "reason", reason)
	return nil
}

// okToExit holds the worker while models are still maturing, unless the
// job was cancelled. Before allowing the exit it stops every unfinished
// model and publishes the field contributions.
func (c *Coordinator) okToExit(ctx context.Context) (bool, error) {
	if !c.cancelled {
		if immature := c.results.ParticleInfos(results.Filter{Matured: results.Flag(false)}); len(immature) > 0 {
			c.logger.Debug("waiting for models to mature before exiting", "immature", len(immature))
			return false, c.sleep(ctx, c.randomWait(c.cfg.ExitWaitMax))
		}
	}
	for _, info := range c.results.ParticleInfos(results.Filter{Completed: results.Flag(false)}) {
		if err := c.stopModel(ctx, info.ModelID, model.StopStopped); err != nil {
			return false, err
		}
	}
	if err := c.publishFieldContributions(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) publishFieldContributions(ctx context.Context) error {
	pct, abs := c.state.FieldContributions()
	doc := hsstate.NewJSONField[model.JobResults](c.store, c.jobID, model.JobFieldResults)
	_, err := hsstate.Mutate(ctx, doc, hsstate.Retry{MaxAttempts: 1}, nil, func(v *model.JobResults, _ hsstate.Version) (bool, error) {
		if maps.Equal(v.FieldContributions, pct) && maps.Equal(v.AbsoluteFieldContributions, abs) {
			return false, nil
		}
		v.FieldContributions = pct
		v.AbsoluteFieldContributions = abs
		return true, nil
	})
	if errors.Is(err, hsstate.ErrTooManyConflicts) {
		c.metrics.CASConflict("results")
		c.logger.Warn("job results changed concurrently, field contributions not published")
		return nil
	}
	return err
}

func sortedMapKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func splitEncoderVar(name string) (encoder, param string) {
	encoder, param, _ = strings.Cut(name, particle.EncoderSeparator)
	return encoder, param
}
