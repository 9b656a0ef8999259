package ffshare

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileCopyConfig is the YAML shape of one --in/--out entry. Fields mirror
// FileCopy so a job file round-trips losslessly into the same validated
// struct the CLI flags populate.
type FileCopyConfig struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
}

// JobConfig is the optional YAML job file a controller run may load with
// --config, carrying the same fields as the CLI surface so large
// job descriptions don't have to live on one command line. It adds no
// semantics beyond what ControllerConfig/JobSpec already validate; CLI
// flags override file values field-by-field.
type JobConfig struct {
	Frames   string           `yaml:"frames"`
	Exec     string           `yaml:"exec"`
	Args     []string         `yaml:"args"`
	In       []FileCopyConfig `yaml:"in"`
	Out      []FileCopyConfig `yaml:"out"`
	Proxies  []string         `yaml:"proxies"`
	Listen   string           `yaml:"listen"`
	Password string           `yaml:"password"`
}

// LoadJobConfig reads and parses a job file at path.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

// Merge overlays non-zero fields of override onto cfg and returns the
// result, implementing the CLI-flags-override-file-values rule
//. Slice fields are overridden wholesale (a repeated CLI
// flag replaces the file's list, it does not append to it) to keep the
// merge rule easy to reason about.
func (cfg JobConfig) Merge(override JobConfig) JobConfig {
	merged := cfg
	if override.Frames != "" {
		merged.Frames = override.Frames
	}
	if override.Exec != "" {
		merged.Exec = override.Exec
	}
	if len(override.Args) > 0 {
		merged.Args = override.Args
	}
	if len(override.In) > 0 {
		merged.In = override.In
	}
	if len(override.Out) > 0 {
		merged.Out = override.Out
	}
	if len(override.Proxies) > 0 {
		merged.Proxies = override.Proxies
	}
	if override.Listen != "" {
		merged.Listen = override.Listen
	}
	if override.Password != "" {
		merged.Password = override.Password
	}
	return merged
}
