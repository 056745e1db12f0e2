package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadPipelineConfig reads the start config for a pipeline. YAML is a superset
// of JSON, so both formats are accepted. An empty path yields an empty object.
func loadPipelineConfig(path string) (map[string]any, error) {
	conf := map[string]any{}
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	if conf == nil {
		conf = map[string]any{}
	}
	return conf, nil
}
