package search

import (
	"errors"
	"fmt"
	"time"

	"hypersearch/internal/hsstate"
	"hypersearch/internal/permute"
	"hypersearch/internal/terminator"
)

// Config holds the tuning knobs of a search.
type Config struct {
	MinParticlesPerSwarm   int
	MaxUniqueModelAttempts int
	ModelOrphanInterval    time.Duration
	// MaxPctErrModels is the fraction of erroring models that cancels the
	// job once more than MinErrSample models have completed.
	MaxPctErrModels float64
	MinErrSample    int
	// MaxModels caps the number of successfully completed models. 0 means no cap.
	MaxModels int

	SpeculativeParticles bool
	SpeculativeWaitMax   time.Duration
	ExitWaitMax          time.Duration

	MaxBranching         int
	MinFieldContribution float64
	KillUselessSwarms    bool

	TryAll3FieldCombinations           bool
	TryAll3FieldCombinationsTimestamps bool

	// StateRetryInterval paces shared state reloads after a lost race.
	StateRetryInterval time.Duration
	MaxStateAttempts   int

	Seed       int64
	Terminator terminator.Config
}

func DefaultConfig() Config {
	return Config{
		MinParticlesPerSwarm:   5,
		MaxUniqueModelAttempts: 10,
		ModelOrphanInterval:    180 * time.Second,
		MaxPctErrModels:        0.2,
		MinErrSample:           5,
		SpeculativeWaitMax:     60 * time.Second,
		ExitWaitMax:            5 * time.Second,
		MinFieldContribution:   -1,
		KillUselessSwarms:      true,
		StateRetryInterval:     10 * time.Millisecond,
		MaxStateAttempts:       100,
		Seed:                   42,
		Terminator:             terminator.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.MinParticlesPerSwarm <= 0 {
		return errors.New("min particles per swarm must be > 0")
	}
	if c.MaxUniqueModelAttempts <= 0 {
		return errors.New("max unique model attempts must be > 0")
	}
	if c.ModelOrphanInterval <= 0 {
		return errors.New("model orphan interval must be > 0")
	}
	if c.MaxPctErrModels < 0 || c.MaxPctErrModels > 1 {
		return errors.New("max pct err models must be in [0, 1]")
	}
	if c.MinErrSample < 0 {
		return errors.New("min err sample must be >= 0")
	}
	if c.MaxModels < 0 {
		return errors.New("max models must be >= 0")
	}
	if c.SpeculativeWaitMax < 0 || c.ExitWaitMax < 0 {
		return errors.New("wait limits must be >= 0")
	}
	if c.MaxBranching < 0 {
		return errors.New("max branching must be >= 0")
	}
	if c.MaxStateAttempts < 0 {
		return errors.New("max state attempts must be >= 0")
	}
	if err := c.Terminator.Validate(); err != nil {
		return fmt.Errorf("terminator: %w", err)
	}
	return nil
}

// Filter rejects structured params a search must not run.
type Filter func(structured map[string]any) bool

// Description is a search as resolved from its experiment description.
type Description struct {
	PredictedField string
	SearchType     hsstate.SearchType
	// Vars is the flattened variable set. Encoder variables are named
	// "<encoder>:<param>".
	Vars          map[string]permute.Variable
	EncoderNames  []string
	EncoderFields map[string]string
	// PredictedFieldEncoder is the encoder of the predicted field.
	PredictedFieldEncoder string
	FixedEncoders         []string
	// InferenceTypeVar names a non-encoder variable a later sprint
	// inherits from the best model of sprint 0.
	InferenceTypeVar string

	OptimizeKey string
	Maximize    bool
	ReportKeys  []string

	// BaseParams are merged under every model's structured params.
	BaseParams map[string]any
	// BaseHash identifies the base description in params hashes.
	BaseHash string
	Filter   Filter
}

func (d Description) validate() error {
	if d.OptimizeKey == "" {
		return errors.New("optimize key is required")
	}
	if len(d.EncoderNames) == 0 {
		return errors.New("at least one encoder is required")
	}
	return nil
}

func (d Description) stateConfig(cfg Config) hsstate.Config {
	return hsstate.Config{
		SearchType:                         d.SearchType,
		EncoderNames:                       d.EncoderNames,
		PredictedFieldEncoder:              d.PredictedFieldEncoder,
		FixedEncoders:                      d.FixedEncoders,
		EncoderFields:                      d.EncoderFields,
		MinParticlesPerSwarm:               cfg.MinParticlesPerSwarm,
		MaxBranching:                       cfg.MaxBranching,
		MinFieldContribution:               cfg.MinFieldContribution,
		Speculative:                        cfg.SpeculativeParticles,
		TryAll3FieldCombinations:           cfg.TryAll3FieldCombinations,
		TryAll3FieldCombinationsTimestamps: cfg.TryAll3FieldCombinationsTimestamps,
	}
}
