// Package config is the repo-side configuration consumed by the
// execution orchestrator: the coding agent command, the setup/cleanup/
// archive scripts that make up a workspace repo's action chain, and
// optional permission and gate settings. It is distinct from the
// runner-side config in internal/rconfig (device id, managed root,
// control-plane URL), which loads through viper instead.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a repository's `.vkrunner.yml`: the agent command and the
// ordered action chain driving the orchestrator for that repo.
type Config struct {
	Agent       AgentConfig  `yaml:"agent"`
	Settings    Settings     `yaml:"settings"`
	SetupSteps  []ActionStep `yaml:"setup_steps,omitempty"`
	CleanupStep *ActionStep  `yaml:"cleanup_step,omitempty"`
	ArchiveStep *ActionStep  `yaml:"archive_step,omitempty"`
	Gates       []Gate       `yaml:"gates,omitempty"`
	Permissions *Permissions `yaml:"permissions,omitempty"`
	Preamble    string       `yaml:"preamble,omitempty"`
}

// Gate defines a pre-commit quality gate (linter, formatter, type checker, etc.).
type Gate struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// Permissions mirrors the coding agent's own permissions-settings file.
// When set, the runner writes this into each worktree before invoking
// the agent.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// AgentConfig is the coding agent's invocation: command plus fixed args.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Settings are chain-wide defaults.
type Settings struct {
	BranchPrefix string `yaml:"branch_prefix"`
	// RetainOnArchive keeps the repo's worktree on disk after the
	// archive step instead of removing it. Off by default so finished
	// workspaces don't accumulate worktrees unless an operator opts in.
	RetainOnArchive bool `yaml:"retain_on_archive"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ActionStep is one setup_setup_script action in the chain. Parallel
// steps share the same Sequence number; the orchestrator starts every
// step at a given sequence together and waits for all of them before
// advancing to the next sequence, then to the coding agent.
type ActionStep struct {
	Name     string   `yaml:"name"`
	Sequence int      `yaml:"sequence"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args,omitempty"`
}

// DefaultPreamble is prepended to the coding agent's prompt when no
// custom preamble is configured.
const DefaultPreamble = "You are running non-interactively. Do not ask questions or wait for confirmation.\nIf something is unclear, make your best judgement and proceed.\nDo not run git commit — your changes will be committed automatically."

// ResolvePreamble returns the effective preamble for the coding agent step.
func (cfg *Config) ResolvePreamble() string {
	if cfg.Preamble != "" {
		return cfg.Preamble
	}
	return DefaultPreamble
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if cfg.Settings.BranchPrefix == "" {
		cfg.Settings.BranchPrefix = "vkrunner/"
	}
	return &cfg, nil
}

func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}

	names := make(map[string]bool)
	for i, s := range cfg.SetupSteps {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("setup_steps[%d]: name is required", i))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("setup_steps[%d]: duplicate name %q", i, s.Name))
		} else {
			names[s.Name] = true
		}
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("setup_steps[%d] (%s): command is required", i, s.Name))
		}
	}

	errs = append(errs, ValidateGates(cfg.Gates)...)
	return errs
}

// ValidateGates checks that all gates have non-empty names and run commands,
// and that gate names are unique.
func ValidateGates(gates []Gate) []error {
	var errs []error
	names := make(map[string]bool)
	for i, g := range gates {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: name is required", i))
		} else if names[g.Name] {
			errs = append(errs, fmt.Errorf("gates[%d]: duplicate name %q", i, g.Name))
		} else {
			names[g.Name] = true
		}
		if g.Run == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: run is required", i))
		}
	}
	return errs
}

// SetupLevels groups setup steps by Sequence for parallel execution: all
// steps sharing the lowest sequence number run first and in parallel,
// then the next sequence, and so on. If every step is marked with the
// same sequence, all setup actions start independently and the coding
// action starts as soon as they all complete; otherwise steps chain
// sequentially into the coding action one sequence at a time.
func (cfg *Config) SetupLevels() [][]ActionStep {
	if len(cfg.SetupSteps) == 0 {
		return nil
	}
	bySeq := make(map[int][]ActionStep)
	maxSeq := 0
	for _, s := range cfg.SetupSteps {
		bySeq[s.Sequence] = append(bySeq[s.Sequence], s)
		if s.Sequence > maxSeq {
			maxSeq = s.Sequence
		}
	}
	levels := make([][]ActionStep, 0, maxSeq+1)
	for seq := 0; seq <= maxSeq; seq++ {
		if steps, ok := bySeq[seq]; ok {
			levels = append(levels, steps)
		}
	}
	return levels
}
