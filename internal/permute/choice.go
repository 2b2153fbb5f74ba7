package permute

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"hypersearch/internal/model"
)

const fixEarlyFactor = 0.7

// Choice picks one of a fixed list of values. Its next position is sampled
// with probability inversely related to the mean error seen for each value.
type Choice struct {
	choices  []any
	fixEarly bool

	positionIdx     int
	bestPositionIdx int
	bestResult      *float64
	resultsByChoice [][]float64
}

func NewChoice(choices []any, fixEarly bool) (*Choice, error) {
	if len(choices) == 0 {
		return nil, errors.New("choices must not be empty")
	}
	seen := make(map[string]struct{}, len(choices))
	for _, c := range choices {
		key := ValueKey(c)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate choice %q", key)
		}
		seen[key] = struct{}{}
	}
	return &Choice{
		choices:         append([]any(nil), choices...),
		fixEarly:        fixEarly,
		resultsByChoice: make([][]float64, len(choices)),
	}, nil
}

func (c *Choice) Choices() []any {
	return append([]any(nil), c.choices...)
}

func (c *Choice) indexOf(v any) (int, bool) {
	key := ValueKey(v)
	for i, choice := range c.choices {
		if ValueKey(choice) == key {
			return i, true
		}
	}
	return 0, false
}

func (c *Choice) Position() any {
	return c.choices[c.positionIdx]
}

func (c *Choice) State() model.VarState {
	var best *float64
	if c.bestResult != nil {
		b := *c.bestResult
		best = &b
	}
	return model.VarState{
		RawPosition:  c.Position(),
		Position:     c.Position(),
		BestPosition: c.choices[c.bestPositionIdx],
		BestResult:   best,
	}
}

func (c *Choice) SetState(state model.VarState) error {
	pos, ok := c.indexOf(state.RawPosition)
	if !ok {
		return fmt.Errorf("%w: unknown choice %v", ErrInvalidState, state.RawPosition)
	}
	best, ok := c.indexOf(state.BestPosition)
	if !ok {
		return fmt.Errorf("%w: unknown best choice %v", ErrInvalidState, state.BestPosition)
	}
	c.positionIdx = pos
	c.bestPositionIdx = best
	c.bestResult = nil
	if state.BestResult != nil {
		b := *state.BestResult
		c.bestResult = &b
	}
	return nil
}

// SetResultsPerChoice replaces the observed scores, keyed by ValueKey of the choice.
func (c *Choice) SetResultsPerChoice(results map[string][]float64) {
	c.resultsByChoice = make([][]float64, len(c.choices))
	for key, scores := range results {
		for i, choice := range c.choices {
			if ValueKey(choice) == key {
				c.resultsByChoice[i] = append([]float64(nil), scores...)
				break
			}
		}
	}
}

func (c *Choice) NewPosition(_ any, rng *rand.Rand) any {
	n := len(c.choices)
	means := make([]float64, n)
	known := make([]bool, n)
	var total float64
	var count int
	for i, scores := range c.resultsByChoice {
		if len(scores) == 0 {
			continue
		}
		var sum float64
		for _, s := range scores {
			sum += s
		}
		means[i] = sum / float64(len(scores))
		known[i] = true
		total += sum
		count += len(scores)
	}
	if count == 0 {
		total, count = 1, 1
	}
	overall := total / float64(count)
	maxMean := math.Inf(-1)
	for i := range means {
		if !known[i] {
			means[i] = overall
		}
		if means[i] > maxMean {
			maxMean = means[i]
		}
	}

	weights := make([]float64, n)
	var sum float64
	for i, m := range means {
		w := 1.1*maxMean - m
		if w < 0 {
			w = 0
		}
		if c.fixEarly {
			w = math.Pow(w, float64(count)*fixEarlyFactor/float64(n))
		}
		weights[i] = w
		sum += w
	}
	if sum == 0 {
		sum = 1
	}
	cumulative := make([]float64, n)
	var acc float64
	for i, w := range weights {
		acc += w / sum
		cumulative[i] = acc
	}
	r := rng.Float64() * cumulative[n-1]
	c.positionIdx = n - 1
	for i, edge := range cumulative {
		if r <= edge {
			c.positionIdx = i
			break
		}
	}
	return c.Position()
}

func (c *Choice) Agitate() {}

func (c *Choice) ResetVelocity(_ *rand.Rand) {}

// PushAwayFrom selects the least used choice among others.
func (c *Choice) PushAwayFrom(others []any, _ *rand.Rand) {
	counts := make([]int, len(c.choices))
	for _, o := range others {
		if i, ok := c.indexOf(o); ok {
			counts[i]++
		}
	}
	least := 0
	for i := range counts {
		if counts[i] < counts[least] {
			least = i
		}
	}
	c.positionIdx = least
	c.bestPositionIdx = least
}

func (c *Choice) Clone() Variable {
	out := *c
	out.choices = append([]any(nil), c.choices...)
	out.resultsByChoice = make([][]float64, len(c.resultsByChoice))
	for i, scores := range c.resultsByChoice {
		out.resultsByChoice[i] = append([]float64(nil), scores...)
	}
	if c.bestResult != nil {
		b := *c.bestResult
		out.bestResult = &b
	}
	return &out
}

var _ ChoiceVariable = (*Choice)(nil)
var _ Variable = (*Range)(nil)
