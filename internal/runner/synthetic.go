package runner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"hypersearch/internal/model"
	"hypersearch/internal/permute"
)

type SyntheticConfig struct {
	// NumRecords is the length of the simulated data stream.
	NumRecords  int
	ReportEvery int
	// Target is the optimum of every numeric parameter unless Targets names it.
	Target  float64
	Targets map[string]float64
	Weights map[string]float64
	// Noise is the stddev of per-record noise around the true loss.
	Noise float64
	// MaturityWindow is the number of reports the running metric must stay
	// within MaturityTolerance of itself before the model is mature.
	MaturityWindow    int
	MaturityTolerance float64
	// FailParam fails every model whose params carry this key with a true value.
	FailParam string
	// Delay is slept between reports.
	Delay time.Duration
	Seed  int64
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumRecords:        200,
		ReportEvery:       20,
		Target:            5,
		Noise:             0.05,
		MaturityWindow:    3,
		MaturityTolerance: 1e-3,
		Seed:              1,
	}
}

// Synthetic scores models with a quadratic bowl over their numeric
// parameters. Parameters are addressed by their dotted path, with
// encoder parameters shortened to "<encoder>:<param>".
type Synthetic struct {
	cfg SyntheticConfig
}

func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	def := DefaultSyntheticConfig()
	if cfg.NumRecords <= 0 {
		cfg.NumRecords = def.NumRecords
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = def.ReportEvery
	}
	if cfg.MaturityWindow <= 0 {
		cfg.MaturityWindow = def.MaturityWindow
	}
	if cfg.MaturityTolerance <= 0 {
		cfg.MaturityTolerance = def.MaturityTolerance
	}
	if cfg.Noise < 0 {
		return nil, fmt.Errorf("noise must be >= 0, got %v", cfg.Noise)
	}
	return &Synthetic{cfg: cfg}, nil
}

func (*Synthetic) Name() string {
	return "synthetic"
}

// Loss is the noiseless objective of a set of structured params.
func (s *Synthetic) Loss(structured map[string]any) float64 {
	values := numericLeaves(structured)
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var loss float64
	for _, name := range names {
		target := s.cfg.Target
		if t, ok := s.cfg.Targets[name]; ok {
			target = t
		}
		weight := 1.0
		if w, ok := s.cfg.Weights[name]; ok {
			weight = w
		}
		d := values[name] - target
		loss += weight * d * d
	}
	return loss
}

func (s *Synthetic) Run(ctx context.Context, req Request, rep Reporter) (model.CompletionReason, string, error) {
	structured := req.Params.StructuredParams
	if s.cfg.FailParam != "" {
		if v, ok := structured[s.cfg.FailParam].(bool); ok && v {
			return model.CompletionError, fmt.Sprintf("parameter %s forced a failure", s.cfg.FailParam), nil
		}
	}
	key := req.OptimizeKey
	if key == "" {
		key = "loss"
	}
	loss := s.Loss(structured)
	rng := rand.New(rand.NewSource(permute.DeriveSeed(s.cfg.Seed, req.ModelID)))

	var sum float64
	var history []float64
	matured := false
	for n := 1; n <= s.cfg.NumRecords; n++ {
		sum += loss + rng.NormFloat64()*s.cfg.Noise
		if n%s.cfg.ReportEvery != 0 && n != s.cfg.NumRecords {
			continue
		}
		metric := sum / float64(n)
		history = append(history, metric)
		matured = matured || s.settled(history) || n == s.cfg.NumRecords

		err := rep.Report(ctx, Progress{
			Results: model.ModelResults{
				Report:   map[string]float64{"loss": metric, "records": float64(n)},
				Optimize: map[string]float64{key: metric},
			},
			NumRecords: n,
			Matured:    matured,
		})
		if err != nil {
			return "", "", err
		}

		stop, err := rep.StopRequested(ctx)
		if err != nil {
			return "", "", err
		}
		switch stop {
		case model.StopStopped:
			return model.CompletionStopped, "", nil
		case model.StopKilled:
			return model.CompletionKilled, "", nil
		}

		if s.cfg.Delay > 0 {
			t := time.NewTimer(s.cfg.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", "", ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return "", "", err
		}
	}
	return model.CompletionEOF, "", nil
}

func (s *Synthetic) settled(history []float64) bool {
	w := s.cfg.MaturityWindow
	if len(history) <= w {
		return false
	}
	last := history[len(history)-1]
	for _, v := range history[len(history)-1-w:] {
		if math.Abs(v-last) > s.cfg.MaturityTolerance {
			return false
		}
	}
	return true
}

func numericLeaves(structured map[string]any) map[string]float64 {
	out := make(map[string]float64)
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch x := v.(type) {
		case map[string]any:
			for k, child := range x {
				walk(joinPath(prefix, k), child)
			}
		case float64:
			out[prefix] = x
		case float32:
			out[prefix] = float64(x)
		case int:
			out[prefix] = float64(x)
		case int64:
			out[prefix] = float64(x)
		}
	}
	for k, v := range structured {
		walk(k, v)
	}
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	if enc, ok := strings.CutPrefix(prefix, "encoders."); ok && !strings.Contains(enc, ".") {
		return enc + ":" + key
	}
	return prefix + "." + key
}
