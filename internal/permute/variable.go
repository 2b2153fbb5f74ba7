package permute

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"

	"golang.org/x/exp/constraints"

	"hypersearch/internal/model"
)

// Variable is a single dimension of the search space.
type Variable interface {
	Position() any
	State() model.VarState
	SetState(state model.VarState) error
	// NewPosition moves the variable one PSO step. globalBest is nil when the
	// swarm has no best position yet.
	NewPosition(globalBest any, rng *rand.Rand) any
	Agitate()
	ResetVelocity(rng *rand.Rand)
	PushAwayFrom(others []any, rng *rand.Rand)
	Clone() Variable
}

// ChoiceVariable is a Variable whose next position is drawn from the
// results observed for each of its choices.
type ChoiceVariable interface {
	Variable
	SetResultsPerChoice(results map[string][]float64)
}

var ErrInvalidState = errors.New("invalid variable state")

// PSOConfig tunes the velocity update of numeric variables.
type PSOConfig struct {
	Inertia          float64
	CogRate          float64
	SocRate          float64
	RandomLowerBound float64
	RandomUpperBound float64
}

func DefaultPSOConfig() PSOConfig {
	return PSOConfig{
		Inertia:          0.25,
		CogRate:          0.25,
		SocRate:          1.0,
		RandomLowerBound: 0.8,
		RandomUpperBound: 1.2,
	}
}

func (c PSOConfig) Validate() error {
	if c.Inertia <= 0 {
		return errors.New("inertia must be > 0")
	}
	if c.CogRate < 0 || c.SocRate < 0 {
		return errors.New("cognitive and social rates must be >= 0")
	}
	if c.RandomUpperBound < c.RandomLowerBound {
		return errors.New("random upper bound must be >= lower bound")
	}
	return nil
}

// DeriveSeed mixes a base seed with a list of positions. Particles that were
// pushed away from the same neighbours with the same base seed still get
// the same stream, and any difference in the neighbours changes it.
func DeriveSeed(base int64, parts ...any) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(base, 10)))
	for _, p := range parts {
		_, _ = h.Write([]byte{0})
		_, _ = fmt.Fprint(h, p)
	}
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// ValueKey is the identity used to compare choice values across encodings.
func ValueKey(v any) string {
	return fmt.Sprint(v)
}

func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func randomSign(rng *rand.Rand) float64 {
	if rng.Intn(2) == 0 {
		return 1
	}
	return -1
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("%w: %T is not numeric", ErrInvalidState, v)
	}
}
