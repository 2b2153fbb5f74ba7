package permute

import (
	"fmt"
	"math"
	"math/rand"

	"hypersearch/internal/model"
)

// Range is a continuous or integer PSO variable bounded by [Min, Max].
type Range struct {
	min     float64
	max     float64
	step    float64
	integer bool
	cfg     PSOConfig

	position     float64
	velocity     float64
	bestPosition float64
	bestResult   *float64
}

// NewFloat returns a float variable. A step of 0 means the position is not quantized.
func NewFloat(min, max, step float64, cfg PSOConfig) (*Range, error) {
	return newRange(min, max, step, false, cfg)
}

// NewInt returns an integer variable; step defaults to 1.
func NewInt(min, max, step int, cfg PSOConfig) (*Range, error) {
	if step <= 0 {
		step = 1
	}
	return newRange(float64(min), float64(max), float64(step), true, cfg)
}

func newRange(min, max, step float64, integer bool, cfg PSOConfig) (*Range, error) {
	if max < min {
		return nil, fmt.Errorf("max %v must be >= min %v", max, min)
	}
	if step < 0 {
		return nil, fmt.Errorf("step must be >= 0")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Range{
		min:      min,
		max:      max,
		step:     step,
		integer:  integer,
		cfg:      cfg,
		position: (max + min) / 2,
		velocity: (max - min) / 5,
	}
	r.bestPosition = r.quantized()
	return r, nil
}

func (r *Range) Min() float64 { return r.min }
func (r *Range) Max() float64 { return r.max }

func (r *Range) quantized() float64 {
	pos := r.position
	if r.step > 0 {
		steps := math.Round((pos - r.min) / r.step)
		pos = clamp(r.min+steps*r.step, r.min, r.max)
	}
	if r.integer {
		pos = math.Round(pos)
	}
	return pos
}

func (r *Range) export(v float64) any {
	if r.integer {
		return int(v)
	}
	return v
}

func (r *Range) Position() any {
	return r.export(r.quantized())
}

func (r *Range) State() model.VarState {
	var best *float64
	if r.bestResult != nil {
		b := *r.bestResult
		best = &b
	}
	return model.VarState{
		RawPosition:  r.position,
		Position:     r.Position(),
		Velocity:     r.velocity,
		BestPosition: r.export(r.bestPosition),
		BestResult:   best,
	}
}

func (r *Range) SetState(state model.VarState) error {
	pos, err := toFloat(state.RawPosition)
	if err != nil {
		return fmt.Errorf("_position: %w", err)
	}
	best, err := toFloat(state.BestPosition)
	if err != nil {
		return fmt.Errorf("bestPosition: %w", err)
	}
	r.position = pos
	r.velocity = state.Velocity
	r.bestPosition = best
	r.bestResult = nil
	if state.BestResult != nil {
		b := *state.BestResult
		r.bestResult = &b
	}
	return nil
}

func (r *Range) NewPosition(globalBest any, rng *rand.Rand) any {
	lb, ub := r.cfg.RandomLowerBound, r.cfg.RandomUpperBound
	current := r.quantized()
	r.velocity = r.velocity*r.cfg.Inertia +
		uniform(rng, lb, ub)*r.cfg.CogRate*(r.bestPosition-current)
	if globalBest != nil {
		if gb, err := toFloat(globalBest); err == nil {
			r.velocity += uniform(rng, lb, ub) * r.cfg.SocRate * (gb - current)
		}
	}
	r.position = clamp(r.position+r.velocity, r.min, r.max)
	return r.Position()
}

func (r *Range) Agitate() {
	r.velocity *= 1.5 / r.cfg.Inertia
	maxV := (r.max - r.min) / 2
	r.velocity = clamp(r.velocity, -maxV, maxV)
	if r.position == r.max && r.velocity > 0 {
		r.velocity = -r.velocity
	}
	if r.position == r.min && r.velocity < 0 {
		r.velocity = -r.velocity
	}
}

func (r *Range) ResetVelocity(rng *rand.Rand) {
	r.velocity = (r.max - r.min) / 5 * randomSign(rng)
}

// PushAwayFrom moves the position to the grid point with the least
// Gaussian-weighted crowding by others.
func (r *Range) PushAwayFrom(others []any, rng *rand.Rand) {
	if r.max == r.min || len(others) == 0 {
		return
	}
	n := len(others) * 4
	step := (r.max - r.min) / float64(n)
	positions := make([]float64, 0, n+1)
	for i := 0; i < n; i++ {
		positions = append(positions, r.min+float64(i)*step)
	}
	positions = append(positions, r.max)
	weights := make([]float64, len(positions))
	negStepSq := -(step * step)
	for _, o := range others {
		other, err := toFloat(o)
		if err != nil {
			continue
		}
		for i, p := range positions {
			d := other - p
			weights[i] += math.Exp(d * d / negStepSq)
		}
	}
	best := 0
	for i := range weights {
		if weights[i] < weights[best] {
			best = i
		}
	}
	r.position = positions[best]
	r.bestPosition = r.quantized()
	r.velocity *= randomSign(rng)
}

func (r *Range) Clone() Variable {
	c := *r
	if r.bestResult != nil {
		b := *r.bestResult
		c.bestResult = &b
	}
	return &c
}
