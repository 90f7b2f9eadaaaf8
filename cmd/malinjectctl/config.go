package main

import (
	"encoding/json"
	"fmt"
	"os"

	api "malinject/pkg/malinject"
)

func loadRunRequestFromConfig(path string) (api.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.RunRequest{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return api.RunRequest{}, fmt.Errorf("decode %s: %w", path, err)
	}

	var req api.RunRequest
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["dataset_root"]); ok {
		req.DatasetRoot = v
	}
	if v, ok := asString(raw["dataset_part"]); ok {
		req.DatasetPart = v
	}
	if v, ok := asStrings(raw["categories"]); ok {
		req.Categories = v
	}
	if split, ok := raw["split"].(map[string]any); ok {
		if v, ok := asFloat64(split["train"]); ok {
			req.Split.Train = v
		}
		if v, ok := asFloat64(split["valid"]); ok {
			req.Split.Valid = v
		}
		if v, ok := asFloat64(split["test"]); ok {
			req.Split.Test = v
		}
	}
	if v, ok := asStrings(raw["elf_paths"]); ok {
		req.ELFPaths = v
	}
	if v, ok := asInt(raw["episodes"]); ok {
		req.Episodes = v
	}
	if v, ok := asString(raw["policy"]); ok {
		req.Policy = v
	}
	if v, ok := asString(raw["value_policy"]); ok {
		req.ValuePolicy = v
	}
	if v, ok := asString(raw["reward"]); ok {
		req.Reward = v
	}
	if v, ok := asString(raw["classifier"]); ok {
		req.Classifier = v
	}
	if v, ok := asUint64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["max_injections"]); ok {
		req.MaxInjections = v
	}
	if v, ok := asInt(raw["max_sections"]); ok {
		req.MaxSections = v
	}
	if v, ok := asFloat64(raw["invalid_section_penalty"]); ok {
		req.InvalidSectionPenalty = v
	}
	if v, ok := asBool(raw["write_mutated"]); ok {
		req.WriteMutated = v
	}
	return req, nil
}

func loadOrDefaultRunRequest(configPath string) (api.RunRequest, error) {
	if configPath == "" {
		return api.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return api.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

// overrideFromFlags applies the values of explicitly set flags on top of a
// config-loaded request.
func overrideFromFlags(req *api.RunRequest, setFlags map[string]bool, values map[string]any) error {
	for name := range setFlags {
		value, ok := values[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			req.RunID = value.(string)
		case "dataset":
			req.DatasetRoot = value.(string)
		case "part":
			req.DatasetPart = value.(string)
		case "categories":
			req.Categories = value.([]string)
		case "train":
			req.Split.Train = value.(float64)
		case "valid":
			req.Split.Valid = value.(float64)
		case "test":
			req.Split.Test = value.(float64)
		case "elf":
			req.ELFPaths = value.([]string)
		case "episodes":
			req.Episodes = value.(int)
		case "policy":
			req.Policy = value.(string)
		case "values":
			req.ValuePolicy = value.(string)
		case "reward":
			req.Reward = value.(string)
		case "classifier":
			req.Classifier = value.(string)
		case "seed":
			req.Seed = value.(uint64)
		case "max-injections":
			req.MaxInjections = value.(int)
		case "max-sections":
			req.MaxSections = value.(int)
		case "penalty":
			req.InvalidSectionPenalty = value.(float64)
		case "write-mutated":
			req.WriteMutated = value.(bool)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
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

func asUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case float64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
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

func asStrings(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
