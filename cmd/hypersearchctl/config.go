package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	ini "github.com/lars-t-hansen/ini"

	"hypersearch/internal/hsstate"
	"hypersearch/internal/permute"
	"hypersearch/internal/search"
	"hypersearch/internal/storage"
)

// Worker defaults read from ~/.hypersearch. Flags override them.
var (
	defaultsParser = ini.NewParser()
	storeSection   = defaultsParser.AddSection("store")
	storeKind      = storeSection.AddString("kind")
	storePath      = storeSection.AddString("path")
	storeDSN       = storeSection.AddString("dsn")
	storeTable     = storeSection.AddString("table")
	kafkaSection   = defaultsParser.AddSection("kafka")
	kafkaBrokers   = kafkaSection.AddString("brokers")
	kafkaTopic     = kafkaSection.AddString("topic")
)

type defaults struct {
	store        storage.Options
	kafkaBrokers string
	kafkaTopic   string
}

func loadDefaults() (defaults, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return defaults{}, nil
	}
	input, err := os.Open(path.Join(path.Clean(home), ".hypersearch"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults{}, nil
		}
		return defaults{}, err
	}
	defer input.Close()
	return parseDefaults(input)
}

func parseDefaults(r io.Reader) (defaults, error) {
	store, err := defaultsParser.Parse(r)
	if err != nil {
		return defaults{}, fmt.Errorf("parse defaults: %w", err)
	}
	value := func(f *ini.Field) string {
		if !f.Present(store) {
			return ""
		}
		return os.ExpandEnv(f.StringVal(store))
	}
	return defaults{
		store: storage.Options{
			Kind:  value(storeKind),
			Path:  value(storePath),
			DSN:   value(storeDSN),
			Table: value(storeTable),
		},
		kafkaBrokers: value(kafkaBrokers),
		kafkaTopic:   value(kafkaTopic),
	}, nil
}

// searchFile is a parsed search description. Variables are rebuilt for
// every worker since they carry particle state.
type searchFile struct {
	predictedField        string
	searchType            hsstate.SearchType
	optimizeKey           string
	maximize              bool
	predictedFieldEncoder string
	inferenceTypeVar      string
	fixedEncoders         []string
	reportKeys            []string
	baseParams            map[string]any
	baseHash              string
	encoderFields         map[string]string
	encoderNames          []string
	vars                  map[string]map[string]any
	config                search.Config
}

func loadSearchFile(path string) (*searchFile, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	sf, err := parseSearchFile(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return sf, data, nil
}

func parseSearchFile(data []byte) (*searchFile, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	sf := &searchFile{
		searchType:    hsstate.SearchTemporal,
		encoderFields: make(map[string]string),
		vars:          make(map[string]map[string]any),
		config:        search.DefaultConfig(),
	}
	if v, ok := asString(raw["predicted_field"]); ok {
		sf.predictedField = v
	}
	if v, ok := asString(raw["search_type"]); ok {
		sf.searchType = hsstate.SearchType(v)
	}
	if v, ok := asString(raw["optimize_key"]); ok {
		sf.optimizeKey = v
	}
	if v, ok := asBool(raw["maximize"]); ok {
		sf.maximize = v
	}
	if v, ok := asString(raw["predicted_field_encoder"]); ok {
		sf.predictedFieldEncoder = v
	}
	if v, ok := asString(raw["inference_type_var"]); ok {
		sf.inferenceTypeVar = v
	}
	sf.fixedEncoders = asStrings(raw["fixed_encoders"])
	sf.reportKeys = asStrings(raw["report_keys"])
	if v, ok := raw["base_params"].(map[string]any); ok {
		sf.baseParams = v
	}
	baseHash, err := search.ParamsHash(sf.baseParams, "")
	if err != nil {
		return nil, err
	}
	sf.baseHash = baseHash

	encoders, _ := raw["encoders"].(map[string]any)
	if len(encoders) == 0 {
		return nil, errors.New("at least one encoder is required")
	}
	for name, v := range encoders {
		if strings.Contains(name, ":") || strings.Contains(name, ".") {
			return nil, fmt.Errorf("encoder name %q must not contain ':' or '.'", name)
		}
		enc, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("encoder %s: expected an object", name)
		}
		field, ok := asString(enc["field"])
		if !ok || field == "" {
			return nil, fmt.Errorf("encoder %s: field is required", name)
		}
		sf.encoderFields[name] = field
		sf.encoderNames = append(sf.encoderNames, name)
		if field == sf.predictedField && sf.predictedFieldEncoder == "" {
			sf.predictedFieldEncoder = name
		}
		params, _ := enc["vars"].(map[string]any)
		for param, pv := range params {
			spec, ok := pv.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("encoder %s var %s: expected an object", name, param)
			}
			sf.vars[name+":"+param] = spec
		}
	}
	sort.Strings(sf.encoderNames)

	others, _ := raw["vars"].(map[string]any)
	for name, pv := range others {
		if strings.Contains(name, ":") {
			return nil, fmt.Errorf("var name %q must not contain ':'", name)
		}
		spec, ok := pv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("var %s: expected an object", name)
		}
		sf.vars[name] = spec
	}

	if cfg, ok := raw["config"].(map[string]any); ok {
		applySearchConfig(&sf.config, cfg)
	}
	if err := sf.config.Validate(); err != nil {
		return nil, err
	}
	// Build once so that bad variables fail at load time.
	if _, err := sf.description(); err != nil {
		return nil, err
	}
	return sf, nil
}

func applySearchConfig(cfg *search.Config, raw map[string]any) {
	if v, ok := asInt(raw["min_particles_per_swarm"]); ok {
		cfg.MinParticlesPerSwarm = v
	}
	if v, ok := asInt(raw["max_unique_model_attempts"]); ok {
		cfg.MaxUniqueModelAttempts = v
	}
	if v, ok := asInt(raw["model_orphan_interval_s"]); ok {
		cfg.ModelOrphanInterval = time.Duration(v) * time.Second
	}
	if v, ok := asFloat64(raw["max_pct_err_models"]); ok {
		cfg.MaxPctErrModels = v
	}
	if v, ok := asInt(raw["min_err_sample"]); ok {
		cfg.MinErrSample = v
	}
	if v, ok := asInt(raw["max_models"]); ok {
		cfg.MaxModels = v
	}
	if v, ok := asBool(raw["speculative_particles"]); ok {
		cfg.SpeculativeParticles = v
	}
	if v, ok := asInt(raw["speculative_wait_max_ms"]); ok {
		cfg.SpeculativeWaitMax = time.Duration(v) * time.Millisecond
	}
	if v, ok := asInt(raw["exit_wait_max_ms"]); ok {
		cfg.ExitWaitMax = time.Duration(v) * time.Millisecond
	}
	if v, ok := asInt(raw["max_branching"]); ok {
		cfg.MaxBranching = v
	}
	if v, ok := asFloat64(raw["min_field_contribution"]); ok {
		cfg.MinFieldContribution = v
	}
	if v, ok := asBool(raw["kill_useless_swarms"]); ok {
		cfg.KillUselessSwarms = v
	}
	if v, ok := asBool(raw["try_all_3_field_combinations"]); ok {
		cfg.TryAll3FieldCombinations = v
	}
	if v, ok := asBool(raw["try_all_3_field_combinations_timestamps"]); ok {
		cfg.TryAll3FieldCombinationsTimestamps = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		cfg.Seed = v
	}
	if v, ok := asInt(raw["maturity_window"]); ok {
		cfg.Terminator.MaturityWindow = v
	}
	if v, ok := asInt(raw["max_generations"]); ok {
		cfg.Terminator.MaxGenerations = v
	}
	if v, ok := asBool(raw["terminator_enabled"]); ok {
		cfg.Terminator.Enabled = v
	}
}

func (sf *searchFile) description() (search.Description, error) {
	pso := permute.DefaultPSOConfig()
	vars := make(map[string]permute.Variable, len(sf.vars))
	for name, spec := range sf.vars {
		v, err := buildVariable(spec, pso)
		if err != nil {
			return search.Description{}, fmt.Errorf("var %s: %w", name, err)
		}
		vars[name] = v
	}
	return search.Description{
		PredictedField:        sf.predictedField,
		SearchType:            sf.searchType,
		Vars:                  vars,
		EncoderNames:          append([]string(nil), sf.encoderNames...),
		EncoderFields:         sf.encoderFields,
		PredictedFieldEncoder: sf.predictedFieldEncoder,
		FixedEncoders:         sf.fixedEncoders,
		InferenceTypeVar:      sf.inferenceTypeVar,
		OptimizeKey:           sf.optimizeKey,
		Maximize:              sf.maximize,
		ReportKeys:            sf.reportKeys,
		BaseParams:            sf.baseParams,
		BaseHash:              sf.baseHash,
	}, nil
}

func buildVariable(spec map[string]any, pso permute.PSOConfig) (permute.Variable, error) {
	var (
		v   permute.Variable
		err error
	)
	kind, _ := asString(spec["type"])
	switch kind {
	case "float":
		lo, _ := asFloat64(spec["min"])
		hi, _ := asFloat64(spec["max"])
		step, _ := asFloat64(spec["step"])
		v, err = permute.NewFloat(lo, hi, step, pso)
	case "int":
		lo, _ := asInt(spec["min"])
		hi, _ := asInt(spec["max"])
		step, _ := asInt(spec["step"])
		v, err = permute.NewInt(lo, hi, step, pso)
	case "choice":
		choices, _ := spec["choices"].([]any)
		fixEarly, _ := asBool(spec["fix_early"])
		v, err = permute.NewChoice(choices, fixEarly)
	default:
		return nil, fmt.Errorf("unknown variable type %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
