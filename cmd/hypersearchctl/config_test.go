package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hypersearch/internal/hsstate"
	"hypersearch/internal/permute"
)

func testSearchPayload() map[string]any {
	return map[string]any{
		"predicted_field": "consumption",
		"search_type":     "temporal",
		"optimize_key":    "err",
		"base_params":     map[string]any{"model": "synthetic"},
		"encoders": map[string]any{
			"consumption": map[string]any{
				"field": "consumption",
				"vars": map[string]any{
					"w": map[string]any{"type": "float", "min": 0, "max": 10},
				},
			},
			"hour": map[string]any{
				"field": "timestamp",
				"vars": map[string]any{
					"n": map[string]any{"type": "int", "min": 1, "max": 9, "step": 1},
				},
			},
		},
		"vars": map[string]any{
			"mode": map[string]any{"type": "choice", "choices": []any{"a", "b"}},
		},
		"config": map[string]any{
			"min_particles_per_swarm": 2,
			"maturity_window":         2,
			"max_generations":         2,
			"speculative_wait_max_ms": 0,
			"exit_wait_max_ms":        0,
			"seed":                    7,
		},
	}
}

func writeSearchFile(t *testing.T, payload map[string]any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	path := filepath.Join(t.TempDir(), "search.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write search file: %v", err)
	}
	return path
}

func TestLoadSearchFileBuildsDescriptionAndConfig(t *testing.T) {
	sf, raw, err := loadSearchFile(writeSearchFile(t, testSearchPayload()))
	if err != nil {
		t.Fatalf("load search file: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected raw description bytes")
	}
	if sf.config.MinParticlesPerSwarm != 2 || sf.config.Terminator.MaturityWindow != 2 ||
		sf.config.Terminator.MaxGenerations != 2 || sf.config.Seed != 7 {
		t.Fatalf("unexpected config: %+v", sf.config)
	}
	if sf.config.SpeculativeWaitMax != 0 || sf.config.ModelOrphanInterval == 0 {
		t.Fatalf("expected overrides on top of defaults, got %+v", sf.config)
	}

	desc, err := sf.description()
	if err != nil {
		t.Fatalf("build description: %v", err)
	}
	if desc.SearchType != hsstate.SearchTemporal || desc.OptimizeKey != "err" {
		t.Fatalf("unexpected description header: %+v", desc)
	}
	if got := strings.Join(desc.EncoderNames, ","); got != "consumption,hour" {
		t.Fatalf("expected sorted encoder names, got %s", got)
	}
	if desc.PredictedFieldEncoder != "consumption" {
		t.Fatalf("expected predicted field encoder to be inferred, got %q", desc.PredictedFieldEncoder)
	}
	for _, name := range []string{"consumption:w", "hour:n", "mode"} {
		if _, ok := desc.Vars[name]; !ok {
			t.Fatalf("expected variable %s, got %v", name, desc.Vars)
		}
	}
	if _, ok := desc.Vars["mode"].(*permute.Choice); !ok {
		t.Fatalf("expected mode to be a choice variable, got %T", desc.Vars["mode"])
	}
	if desc.BaseHash == "" {
		t.Fatal("expected base hash")
	}

	again, err := sf.description()
	if err != nil {
		t.Fatalf("rebuild description: %v", err)
	}
	if again.Vars["hour:n"] == desc.Vars["hour:n"] {
		t.Fatal("expected fresh variables per description")
	}
}

func TestLoadSearchFileRejectsBadInput(t *testing.T) {
	cases := map[string]func(map[string]any){
		"no encoders": func(p map[string]any) { delete(p, "encoders") },
		"bad var type": func(p map[string]any) {
			p["vars"] = map[string]any{"mode": map[string]any{"type": "bogus"}}
		},
		"bad encoder name": func(p map[string]any) {
			p["encoders"] = map[string]any{"a.b": map[string]any{"field": "x"}}
		},
		"missing encoder field": func(p map[string]any) {
			p["encoders"] = map[string]any{"a": map[string]any{}}
		},
		"bad config": func(p map[string]any) {
			p["config"] = map[string]any{"min_particles_per_swarm": 0}
		},
	}
	for name, mutate := range cases {
		payload := testSearchPayload()
		mutate(payload)
		if _, _, err := loadSearchFile(writeSearchFile(t, payload)); err == nil {
			t.Fatalf("%s: expected load to fail", name)
		}
	}
}

func TestParseDefaultsAppliesStoreAndKafka(t *testing.T) {
	t.Setenv("HS_TEST_DIR", "/srv/hs")
	input := strings.NewReader("[store]\nkind=badger\npath=$HS_TEST_DIR/db\n\n[kafka]\nbrokers=k1:9092,k2:9092\ntopic=progress\n")
	def, err := parseDefaults(input)
	if err != nil {
		t.Fatalf("parse defaults: %v", err)
	}
	if def.store.Kind != "badger" || def.store.Path != "/srv/hs/db" || def.store.DSN != "" {
		t.Fatalf("unexpected store defaults: %+v", def.store)
	}
	if def.kafkaBrokers != "k1:9092,k2:9092" || def.kafkaTopic != "progress" {
		t.Fatalf("unexpected kafka defaults: %+v", def)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	def, err := loadDefaults()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if def.store.Kind != "" || def.kafkaBrokers != "" {
		t.Fatalf("expected empty defaults, got %+v", def)
	}
}
