// Package config loads the repository-level engine configuration from
// lumenflow.yaml. Decoding is strict; defaults are applied after decode and
// validated before use.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lumenflow/lumenflow/internal/wu"
)

type Dirs struct {
	WUDir         string `yaml:"wu_dir,omitempty"`
	StampsDir     string `yaml:"stamps_dir,omitempty"`
	StateDir      string `yaml:"state_dir,omitempty"`
	MemoryDir     string `yaml:"memory_dir,omitempty"`
	OperationsDir string `yaml:"operations_dir,omitempty"`
	WorktreesDir  string `yaml:"worktrees_dir,omitempty"`
	ConfigDir     string `yaml:"config_dir,omitempty"`
}

type SignalsConfig struct {
	TTLDays       int `yaml:"ttl_days,omitempty"`
	UnreadTTLDays int `yaml:"unread_ttl_days,omitempty"`
	MaxEntries    int `yaml:"max_entries,omitempty"`
}

type RetryConfig struct {
	WUDoneMaxAttempts   int `yaml:"wu_done_max_attempts,omitempty"`
	RecoveryMaxAttempts int `yaml:"recovery_max_attempts,omitempty"`
}

type ControlPlaneConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
}

type BranchDrift struct {
	Info    int `yaml:"info,omitempty"`
	Warning int `yaml:"warning,omitempty"`
	Max     int `yaml:"max,omitempty"`
}

// File is the engine section of lumenflow.yaml. Lane definitions live in the
// same file but are owned by internal/lane; unknown-field strictness is
// therefore scoped to the `engine:` subtree.
type File struct {
	Engine struct {
		Dirs         Dirs               `yaml:"dirs,omitempty"`
		Signals      SignalsConfig      `yaml:"signals,omitempty"`
		Retry        RetryConfig        `yaml:"retry,omitempty"`
		ControlPlane ControlPlaneConfig `yaml:"control_plane,omitempty"`
		BranchDrift  BranchDrift        `yaml:"branch_drift,omitempty"`
		Remote       string             `yaml:"remote,omitempty"`
	} `yaml:"engine,omitempty"`
}

// Load reads lumenflow.yaml at repoRoot. A missing file yields defaults.
func Load(repoRoot string) (*File, error) {
	b, err := os.ReadFile(filepath.Join(repoRoot, "lumenflow.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &File{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, err
	}
	var cfg File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	// The file also carries the lanes: subtree; only engine: is ours.
	var raw map[string]yaml.Node
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode lumenflow.yaml: %w", err)
	}
	if node, ok := raw["engine"]; ok {
		if err := node.Decode(&cfg.Engine); err != nil {
			return nil, fmt.Errorf("decode lumenflow.yaml engine: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *File) {
	e := &cfg.Engine
	if e.Remote == "" {
		e.Remote = "origin"
	}
	if e.Signals.TTLDays == 0 {
		e.Signals.TTLDays = 7
	}
	if e.Signals.UnreadTTLDays == 0 {
		e.Signals.UnreadTTLDays = 30
	}
	if e.Signals.MaxEntries == 0 {
		e.Signals.MaxEntries = 500
	}
	if e.Retry.WUDoneMaxAttempts == 0 {
		e.Retry.WUDoneMaxAttempts = 5
	}
	if e.Retry.RecoveryMaxAttempts == 0 {
		e.Retry.RecoveryMaxAttempts = 3
	}
	if e.BranchDrift.Info == 0 {
		e.BranchDrift.Info = 10
	}
	if e.BranchDrift.Warning == 0 {
		e.BranchDrift.Warning = 15
	}
	if e.BranchDrift.Max == 0 {
		e.BranchDrift.Max = 20
	}
}

func validate(cfg *File) error {
	e := cfg.Engine
	// Recovery attempt caps are bounded: at least 2 so one zombie pass can
	// retry, at most 10 so loops escalate to a human.
	if e.Retry.RecoveryMaxAttempts < 2 || e.Retry.RecoveryMaxAttempts > 10 {
		return fmt.Errorf("engine.retry.recovery_max_attempts must be in [2,10], got %d", e.Retry.RecoveryMaxAttempts)
	}
	if e.Retry.WUDoneMaxAttempts < 1 {
		return fmt.Errorf("engine.retry.wu_done_max_attempts must be >= 1")
	}
	if e.Signals.TTLDays < 0 || e.Signals.UnreadTTLDays < 0 || e.Signals.MaxEntries < 0 {
		return fmt.Errorf("engine.signals values must be >= 0")
	}
	if e.BranchDrift.Info > e.BranchDrift.Warning || e.BranchDrift.Warning > e.BranchDrift.Max {
		return fmt.Errorf("engine.branch_drift thresholds must be ordered info <= warning <= max")
	}
	return nil
}

// Paths materialises the path factory with any configured overrides.
func (f *File) Paths(repoRoot string) wu.Paths {
	p := wu.DefaultPaths(repoRoot)
	d := f.Engine.Dirs
	if d.WUDir != "" {
		p.WUDir = d.WUDir
	}
	if d.StampsDir != "" {
		p.StampsDir = d.StampsDir
	}
	if d.StateDir != "" {
		p.StateDir = d.StateDir
	}
	if d.MemoryDir != "" {
		p.MemoryDir = d.MemoryDir
	}
	if d.OperationsDir != "" {
		p.OperationsDir = d.OperationsDir
	}
	if d.WorktreesDir != "" {
		p.WorktreesDir = d.WorktreesDir
	}
	if d.ConfigDir != "" {
		p.ConfigDir = d.ConfigDir
	}
	return p
}
