package main

import (
	"encoding/json"
	"fmt"
	"os"

	"patchevo/internal/nn"
	"patchevo/pkg/patchevo"
)

func loadTrainRequestFromConfig(path string) (patchevo.TrainRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return patchevo.TrainRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return patchevo.TrainRequest{}, err
	}

	var req patchevo.TrainRequest
	if v, ok := asString(raw["sample_dir"]); ok {
		req.SampleDir = v
	}
	if v, ok := asString(raw["output_dir"]); ok {
		req.OutputDir = v
	}
	if v, ok := asInt(raw["generations"]); ok {
		req.Generations = v
	}
	if v, ok := asInt(raw["population"]); ok {
		req.Population = v
	}
	if v, ok := asInt(raw["survivors"]); ok {
		req.Survivors = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asFloat64(raw["crossover_rate"]); ok {
		req.CrossoverRate = &v
	}
	if v, ok := asString(raw["selection"]); ok {
		req.Selection = v
	}
	if v, ok := asString(raw["resume_population_id"]); ok {
		req.ResumePopulationID = v
	}
	if layers, ok := raw["topology"]; ok {
		topology, err := decodeTopology(layers)
		if err != nil {
			return patchevo.TrainRequest{}, err
		}
		req.Topology = topology
	}
	return req, nil
}

func decodeTopology(v any) ([]nn.LayerSpec, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var topology []nn.LayerSpec
	if err := json.Unmarshal(encoded, &topology); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if len(topology) == 0 {
		return nil, fmt.Errorf("topology: at least one layer is required")
	}
	for i, spec := range topology {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("topology layer %d: %w", i, err)
		}
	}
	return topology, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
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

func overrideFromFlags(req *patchevo.TrainRequest, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "pop":
			req.Population = v.(int)
		case "survivors":
			req.Survivors = v.(int)
		case "workers":
			req.Workers = v.(int)
		case "seed":
			req.Seed = v.(int64)
		case "crossover":
			rate := v.(float64)
			req.CrossoverRate = &rate
		case "selection":
			req.Selection = v.(string)
		case "resume":
			req.ResumePopulationID = v.(string)
		}
	}
}

func loadOrDefaultTrainRequest(configPath string) (patchevo.TrainRequest, error) {
	if configPath == "" {
		return patchevo.TrainRequest{}, nil
	}
	req, err := loadTrainRequestFromConfig(configPath)
	if err != nil {
		return patchevo.TrainRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}
