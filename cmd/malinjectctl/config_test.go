package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, payload map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run_config.json")
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRunRequestFromConfig(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"run_id":       "cfg-run",
		"dataset_root": "/data/big2015",
		"dataset_part": "valid",
		"categories":   []any{"1", "4"},
		"split": map[string]any{
			"train": 70,
			"valid": 20,
			"test":  10,
		},
		"elf_paths":               []any{"/bin/true"},
		"episodes":                12,
		"policy":                  "random",
		"value_policy":            "x86-64",
		"reward":                  "evasion-bonus",
		"classifier":              "none",
		"seed":                    99,
		"max_injections":          7,
		"max_sections":            16,
		"invalid_section_penalty": -2.5,
		"write_mutated":           true,
	})

	req, err := loadRunRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load run request: %v", err)
	}
	if req.RunID != "cfg-run" || req.DatasetRoot != "/data/big2015" || req.DatasetPart != "valid" {
		t.Fatalf("unexpected dataset fields: %+v", req)
	}
	if len(req.Categories) != 2 || req.Categories[1] != "4" || len(req.ELFPaths) != 1 {
		t.Fatalf("unexpected list fields: categories=%v elf=%v", req.Categories, req.ELFPaths)
	}
	if req.Split.Train != 70 || req.Split.Valid != 20 || req.Split.Test != 10 {
		t.Fatalf("unexpected split: %+v", req.Split)
	}
	if req.Episodes != 12 || req.Seed != 99 || req.MaxInjections != 7 || req.MaxSections != 16 {
		t.Fatalf("unexpected numeric fields: %+v", req)
	}
	if req.Policy != "random" || req.ValuePolicy != "x86-64" || req.Reward != "evasion-bonus" || req.Classifier != "none" {
		t.Fatalf("unexpected names: %+v", req)
	}
	if req.InvalidSectionPenalty != -2.5 || !req.WriteMutated {
		t.Fatalf("unexpected penalty or mutated flag: %+v", req)
	}
}

func TestLoadRunRequestIgnoresMistypedFields(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"categories": []any{"1", 2},
		"seed":       -1,
		"episodes":   "many",
	})
	req, err := loadRunRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load run request: %v", err)
	}
	if req.Categories != nil || req.Seed != 0 || req.Episodes != 0 {
		t.Fatalf("expected mistyped fields to be skipped, got %+v", req)
	}
}

func TestLoadOrDefaultRunRequest(t *testing.T) {
	req, err := loadOrDefaultRunRequest("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if req.Policy != "" || req.Episodes != 0 {
		t.Fatalf("expected zero request, got %+v", req)
	}
	if _, err := loadOrDefaultRunRequest(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected missing config error")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadOrDefaultRunRequest(bad); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOverrideFromFlagsOnlyTouchesSetFlags(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"policy":         "random",
		"seed":           5,
		"max_injections": 9,
	})
	req, err := loadRunRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load run request: %v", err)
	}
	values := map[string]any{
		"policy":         "sweep",
		"seed":           uint64(42),
		"max-injections": 3,
		"categories":     []string{"2"},
	}
	if err := overrideFromFlags(&req, map[string]bool{"seed": true, "categories": true, "config": true}, values); err != nil {
		t.Fatalf("override: %v", err)
	}
	if req.Policy != "random" || req.MaxInjections != 9 {
		t.Fatalf("unset flags overrode config: %+v", req)
	}
	if req.Seed != 42 || len(req.Categories) != 1 || req.Categories[0] != "2" {
		t.Fatalf("set flags not applied: %+v", req)
	}

	if err := overrideFromFlags(&req, map[string]bool{"bogus": true}, map[string]any{"bogus": 1}); err == nil {
		t.Fatal("expected unsupported flag error")
	}
}
