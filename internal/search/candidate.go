package search

import (
	"context"
	"fmt"
	"sort"

	"hypersearch/internal/model"
	"hypersearch/internal/particle"
	"hypersearch/internal/results"
)

// getCandidateParticleAndSwarm picks the next particle to run. A nil
// particle with exit unset means the worker should wait and ask again.
// exhaustedSwarmID names a swarm that ran out of unique positions.
func (c *Coordinator) getCandidateParticleAndSwarm(ctx context.Context, exhaustedSwarmID string) (bool, *particle.Particle, error) {
	cancelled, err := c.store.IsCancelled(ctx, c.jobID)
	if err != nil {
		return false, nil, fmt.Errorf("read cancel flag: %w", err)
	}
	if cancelled {
		c.cancelled = true
		c.setExit(model.CompletionKilled, "Job was cancelled")
		return true, nil, nil
	}

	if err := c.hsStatePeriodicUpdate(ctx, exhaustedSwarmID); err != nil {
		return false, nil, err
	}

	if exit, err := c.checkErrorRate(ctx); err != nil || exit {
		return exit, nil, err
	}

	if c.state.IsSearchOver() {
		c.setExit(model.CompletionEOF, "Exiting because results did not improve")
		return true, nil, nil
	}

	for sprintIdx := 0; ; sprintIdx++ {
		if sprintIdx > c.state.NumSprints() {
			return false, nil, nil
		}
		active, noMore, err := c.state.IsSprintActive(ctx, sprintIdx)
		if err != nil {
			return false, nil, err
		}
		if noMore {
			if c.state.AnyGoodSprintsActive() {
				return false, nil, nil
			}
			c.setExit(model.CompletionEOF, "Exiting because no more sprints can be created")
			return true, nil, nil
		}
		if !active {
			if !c.cfg.SpeculativeParticles && !c.state.IsSprintCompleted(sprintIdx) {
				return false, nil, nil
			}
			continue
		}

		p, err := c.candidateInSprint(sprintIdx)
		if err != nil {
			return false, nil, err
		}
		if p != nil {
			return false, p, nil
		}
		if !c.cfg.SpeculativeParticles {
			return false, nil, nil
		}
	}
}

func (c *Coordinator) checkErrorRate(ctx context.Context) (bool, error) {
	n := c.results.NumCompletedModels()
	if n <= c.cfg.MinErrSample {
		return false, nil
	}
	errs := c.results.NumErrModels()
	if float64(errs)/float64(n) <= c.cfg.MaxPctErrModels {
		return false, nil
	}
	msg := fmt.Sprintf("Exiting due to too many model errors: %d of %d completed models failed (max %.0f%%)",
		errs, n, c.cfg.MaxPctErrModels*100)
	if !c.errCancelIssued {
		c.errCancelIssued = true
		c.logger.Error("cancelling job", "errors", errs, "completed", n, "err_models", c.results.ErrModelIDs())
		if err := c.store.CancelJob(ctx, c.jobID, model.CompletionError, msg); err != nil {
			return false, fmt.Errorf("cancel job: %w", err)
		}
	}
	c.cancelled = true
	c.setExit(model.CompletionError, msg)
	return true, nil
}

func (c *Coordinator) candidateInSprint(sprintIdx int) (*particle.Particle, error) {
	swarms := c.state.ActiveSwarms(sprintIdx)

	for _, swarmID := range swarms {
		p, err := c.repairHole(swarmID)
		if err != nil || p != nil {
			return p, err
		}
	}

	counts := make(map[string]int, len(swarms))
	for _, id := range swarms {
		counts[id] = c.results.NumModels(id, false)
	}
	ranked := append([]string(nil), swarms...)
	sort.SliceStable(ranked, func(i, j int) bool { return counts[ranked[i]] < counts[ranked[j]] })

	if len(ranked) > 0 && counts[ranked[0]] < c.cfg.MinParticlesPerSwarm {
		return c.freshParticle(ranked[0], sprintIdx)
	}

	for _, swarmID := range ranked {
		p, err := c.evolveParticle(swarmID)
		if err != nil || p != nil {
			return p, err
		}
	}
	return nil, nil
}

// repairHole refills a generation that lost particles to orphaning after
// a later generation was already started.
func (c *Coordinator) repairHole(swarmID string) (*particle.Particle, error) {
	genIdx, ok := c.results.FirstNonFullGeneration(swarmID, c.cfg.MinParticlesPerSwarm)
	if !ok || genIdx >= c.results.HighestGeneration(swarmID) {
		return nil, nil
	}
	pool := c.results.OrphanParticleInfos(swarmID, results.Gen(genIdx))
	if len(pool) == 0 {
		pool = c.results.ParticleInfos(results.Filter{SwarmID: swarmID, GenIdx: results.Gen(genIdx)})
	}
	if len(pool) == 0 {
		return nil, nil
	}
	src := pool[c.rng.Intn(len(pool))]
	c.logger.Info("repairing generation hole", "swarm", swarmID, "gen", genIdx, "from_model", src.ModelID)
	return particle.Clone(c.env, src.State, true)
}

func (c *Coordinator) freshParticle(swarmID string, sprintIdx int) (*particle.Particle, error) {
	var farFrom []model.ParticleState
	for _, info := range c.results.ParticleInfos(results.Filter{SwarmID: swarmID, GenIdx: results.Gen(0)}) {
		farFrom = append(farFrom, info.State)
	}
	p, err := particle.NewFresh(c.env, swarmID, farFrom)
	if err != nil {
		return nil, err
	}
	if sprintIdx == 0 {
		c.logger.Debug("fresh particle", "swarm", swarmID, "particle", p.ID())
		return p, nil
	}

	bestID, _ := c.state.BestModelInCompletedSprint(0)
	if bestID == 0 {
		bestID, _ = c.state.BestModelInSprint(0)
	}
	info, ok := c.results.ParticleInfo(bestID)
	if !ok {
		return p, nil
	}
	if err := p.CopyEncoderStatesFrom(info.State); err != nil {
		return nil, err
	}
	if c.desc.InferenceTypeVar != "" {
		if err := p.CopyVarStatesFrom(info.State, []string{c.desc.InferenceTypeVar}); err != nil {
			return nil, err
		}
	}
	var copied []string
	for name := range info.State.VarStates {
		if particle.IsEncoderVar(name) {
			copied = append(copied, name)
		}
	}
	sort.Strings(copied)
	p.NewPosition(copied)
	c.logger.Debug("fresh particle seeded from sprint 0", "swarm", swarmID, "particle", p.ID(), "base_model", bestID)
	return p, nil
}

// evolveParticle advances a matured particle of the swarm's earliest
// ready generation.
func (c *Coordinator) evolveParticle(swarmID string) (*particle.Particle, error) {
	ready := c.results.ParticleInfos(results.Filter{
		SwarmID:        swarmID,
		Matured:        results.Flag(true),
		LastDescendant: true,
	})
	if len(ready) == 0 {
		return nil, nil
	}
	minGen := ready[0].State.GenIdx
	for _, info := range ready[1:] {
		minGen = min(minGen, info.State.GenIdx)
	}
	if !c.cfg.SpeculativeParticles {
		immature := c.results.ParticleInfos(results.Filter{
			SwarmID: swarmID,
			GenIdx:  results.Gen(minGen),
			Matured: results.Flag(false),
		})
		if len(immature) > 0 {
			return nil, nil
		}
	}
	var atGen []results.ParticleInfo
	for _, info := range ready {
		if info.State.GenIdx == minGen {
			atGen = append(atGen, info)
		}
	}
	src := atGen[c.rng.Intn(len(atGen))]
	c.logger.Debug("evolving particle", "swarm", swarmID, "particle", src.State.ID, "gen", minGen+1)
	return particle.Evolve(c.env, src.State)
}
