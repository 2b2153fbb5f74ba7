// Package terminator decides when a swarm has matured or is clearly losing
// to the other swarms of the search.
package terminator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"hypersearch/internal/model"
)

var ErrNonSequentialGeneration = errors.New("generation out of sequence")

type Config struct {
	// MaturityWindow is the number of generations the running best must stay
	// unchanged before a swarm is considered mature.
	MaturityWindow int
	// MaxGenerations terminates swarms past this generation. 0 disables it.
	MaxGenerations int
	// Enabled turns the trend and cross-swarm checks on.
	Enabled bool
	// Milestones[g] is the tolerance applied to generation g.
	Milestones []float64
}

func DefaultMilestones() []float64 {
	out := make([]float64, 12)
	for g := range out {
		out[g] = 1.0 / float64(g+1)
	}
	return out
}

func DefaultConfig() Config {
	return Config{
		MaturityWindow: 5,
		Enabled:        true,
		Milestones:     DefaultMilestones(),
	}
}

func (c Config) Validate() error {
	if c.MaturityWindow <= 0 {
		return errors.New("maturity window must be > 0")
	}
	if c.MaxGenerations < 0 {
		return errors.New("max generations must be >= 0")
	}
	if len(c.Milestones) == 0 {
		return errors.New("milestones must not be empty")
	}
	return nil
}

type Terminator struct {
	cfg    Config
	logger *slog.Logger

	scores     map[string][]model.Score
	bests      map[string][]model.Score
	terminated map[string]struct{}
}

func New(cfg Config, logger *slog.Logger) (*Terminator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Terminator{
		cfg:        cfg,
		logger:     logger,
		scores:     make(map[string][]model.Score),
		bests:      make(map[string][]model.Score),
		terminated: make(map[string]struct{}),
	}, nil
}

// RecordDataPoint appends the best score of a matured generation and
// returns the swarms that should be terminated as a result, sorted.
func (t *Terminator) RecordDataPoint(swarmID string, generation int, errScore model.Score) ([]string, error) {
	scores := t.scores[swarmID]
	if generation != len(scores) {
		return nil, fmt.Errorf("swarm %s: got generation %d, want %d: %w",
			swarmID, generation, len(scores), ErrNonSequentialGeneration)
	}
	bests := t.bests[swarmID]
	best := errScore
	if len(bests) > 0 {
		best = model.MinScore(errScore, bests[len(bests)-1])
	}
	t.scores[swarmID] = append(scores, errScore)
	t.bests[swarmID] = append(bests, best)

	if generation+1 < t.cfg.MaturityWindow {
		return nil, nil
	}

	decided := make(map[string]struct{})
	if t.cfg.MaxGenerations > 0 && generation > t.cfg.MaxGenerations {
		t.logger.Info("swarm reached max generations", "swarm", swarmID, "generation", generation)
		decided[swarmID] = struct{}{}
	}
	if t.cfg.Enabled {
		for _, id := range t.losingSwarms(generation) {
			decided[id] = struct{}{}
		}
		bests = t.bests[swarmID]
		w := t.cfg.MaturityWindow
		if len(bests) > w && bests[len(bests)-1] == bests[len(bests)-1-w] {
			t.logger.Info("swarm matured", "swarm", swarmID, "generation", generation,
				"best", bests[len(bests)-1].String())
			decided[swarmID] = struct{}{}
		}
	}

	out := make([]string, 0, len(decided))
	for id := range decided {
		t.terminated[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (t *Terminator) tolerance(generation int) float64 {
	if generation >= len(t.cfg.Milestones) {
		return t.cfg.Milestones[len(t.cfg.Milestones)-1]
	}
	return t.cfg.Milestones[generation]
}

func (t *Terminator) losingSwarms(generation int) []string {
	atGen := make(map[string]model.Score)
	best := model.NoScore
	for id, scores := range t.scores {
		if _, done := t.terminated[id]; done {
			continue
		}
		if len(scores) <= generation {
			continue
		}
		atGen[id] = scores[generation]
		best = model.MinScore(best, scores[generation])
	}
	if !best.Valid() {
		return nil
	}
	limit := (1 + t.tolerance(generation)) * best.Float()
	var out []string
	for id, score := range atGen {
		if !score.Valid() || score.Float() > limit {
			t.logger.Info("swarm trails best swarm", "swarm", id, "generation", generation,
				"score", score.String(), "best", best.String())
			out = append(out, id)
		}
	}
	return out
}

func (t *Terminator) NumDataPoints(swarmID string) int {
	return len(t.scores[swarmID])
}

func (t *Terminator) IsTerminated(swarmID string) bool {
	_, ok := t.terminated[swarmID]
	return ok
}
