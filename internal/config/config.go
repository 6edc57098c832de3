// Package config loads the flywheel configuration file. YAML is the primary
// format, JSON is accepted; both decode strictly so a typo'd key fails the
// run instead of silently using a default.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SkillConfig struct {
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	RepoPath string `json:"repo_path,omitempty" yaml:"repo_path,omitempty"`
}

type PathsConfig struct {
	Backlog     string `json:"backlog,omitempty" yaml:"backlog,omitempty"`
	History     string `json:"history,omitempty" yaml:"history,omitempty"`
	TestsDir    string `json:"tests_dir,omitempty" yaml:"tests_dir,omitempty"`
	RunsDir     string `json:"runs_dir,omitempty" yaml:"runs_dir,omitempty"`
	BaselineDir string `json:"baseline_dir,omitempty" yaml:"baseline_dir,omitempty"`
}

type RunnerConfig struct {
	Command         []string `json:"command,omitempty" yaml:"command,omitempty"`
	MaxConcurrent   int      `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	TimeoutMS       int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ShutdownGraceMS int      `json:"shutdown_grace_ms,omitempty" yaml:"shutdown_grace_ms,omitempty"`
}

type FixerConfig struct {
	Command   []string `json:"command,omitempty" yaml:"command,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type MatcherConfig struct {
	Command        []string `json:"command,omitempty" yaml:"command,omitempty"`
	PollIntervalMS int      `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
	TimeoutMS      int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type ScoringConfig struct {
	PassThreshold    float64 `json:"pass_threshold,omitempty" yaml:"pass_threshold,omitempty"`
	SHSMargin        float64 `json:"shs_margin,omitempty" yaml:"shs_margin,omitempty"`
	RatchetThreshold float64 `json:"ratchet_threshold,omitempty" yaml:"ratchet_threshold,omitempty"`
	RatchetStreak    int     `json:"ratchet_streak,omitempty" yaml:"ratchet_streak,omitempty"`
	NoiseDelta       float64 `json:"noise_delta,omitempty" yaml:"noise_delta,omitempty"`
}

type DecisionConfig struct {
	RecentWindow           int     `json:"recent_window,omitempty" yaml:"recent_window,omitempty"`
	RecentPenalty          float64 `json:"recent_penalty,omitempty" yaml:"recent_penalty,omitempty"`
	PersistWindow          int     `json:"persist_window,omitempty" yaml:"persist_window,omitempty"`
	PersistBoost           float64 `json:"persist_boost,omitempty" yaml:"persist_boost,omitempty"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
}

type FeedbackConfig struct {
	ImprovementThreshold int `json:"improvement_threshold,omitempty" yaml:"improvement_threshold,omitempty"`
}

// Config is the flywheel.yaml document.
type Config struct {
	Version  int            `json:"version" yaml:"version"`
	Skill    SkillConfig    `json:"skill,omitempty" yaml:"skill,omitempty"`
	Paths    PathsConfig    `json:"paths,omitempty" yaml:"paths,omitempty"`
	Runner   RunnerConfig   `json:"runner,omitempty" yaml:"runner,omitempty"`
	Fixer    FixerConfig    `json:"fixer,omitempty" yaml:"fixer,omitempty"`
	Matcher  MatcherConfig  `json:"matcher,omitempty" yaml:"matcher,omitempty"`
	Scoring  ScoringConfig  `json:"scoring,omitempty" yaml:"scoring,omitempty"`
	Decision DecisionConfig `json:"decision,omitempty" yaml:"decision,omitempty"`
	Feedback FeedbackConfig `json:"feedback,omitempty" yaml:"feedback,omitempty"`
}

// Load reads, decodes, defaults, and validates the config at path. Command
// argv elements are environment-expanded so machine-local collaborator paths
// can live in the environment (or a .env) instead of the file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	expandCommands(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{Version: 1}
	applyDefaults(cfg)
	return cfg
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Skill.Version) == "" {
		cfg.Skill.Version = "dev"
	}
	if cfg.Paths.Backlog == "" {
		cfg.Paths.Backlog = "data/backlog.json"
	}
	if cfg.Paths.History == "" {
		cfg.Paths.History = "data/history.ndjson"
	}
	if cfg.Paths.TestsDir == "" {
		cfg.Paths.TestsDir = "tests"
	}
	if cfg.Paths.RunsDir == "" {
		cfg.Paths.RunsDir = "runs"
	}
	if cfg.Paths.BaselineDir == "" {
		cfg.Paths.BaselineDir = "baseline"
	}
	if cfg.Runner.MaxConcurrent == 0 {
		cfg.Runner.MaxConcurrent = 6
	}
	if cfg.Runner.TimeoutMS == 0 {
		cfg.Runner.TimeoutMS = 120_000
	}
	if cfg.Runner.ShutdownGraceMS == 0 {
		cfg.Runner.ShutdownGraceMS = 5_000
	}
	if cfg.Fixer.TimeoutMS == 0 {
		cfg.Fixer.TimeoutMS = 1_800_000 // 30 minutes
	}
	if cfg.Matcher.PollIntervalMS == 0 {
		cfg.Matcher.PollIntervalMS = 2_000
	}
	if cfg.Matcher.TimeoutMS == 0 {
		cfg.Matcher.TimeoutMS = 300_000 // 5 minutes
	}
	if cfg.Scoring.PassThreshold == 0 {
		cfg.Scoring.PassThreshold = 0.5
	}
	if cfg.Scoring.SHSMargin == 0 {
		cfg.Scoring.SHSMargin = 1.0
	}
	if cfg.Scoring.RatchetThreshold == 0 {
		cfg.Scoring.RatchetThreshold = 0.7
	}
	if cfg.Scoring.RatchetStreak == 0 {
		cfg.Scoring.RatchetStreak = 3
	}
	if cfg.Scoring.NoiseDelta == 0 {
		cfg.Scoring.NoiseDelta = 0.1
	}
	if cfg.Decision.RecentWindow == 0 {
		cfg.Decision.RecentWindow = 2
	}
	if cfg.Decision.RecentPenalty == 0 {
		cfg.Decision.RecentPenalty = 0.3
	}
	if cfg.Decision.PersistWindow == 0 {
		cfg.Decision.PersistWindow = 3
	}
	if cfg.Decision.PersistBoost == 0 {
		cfg.Decision.PersistBoost = 1.5
	}
	if cfg.Decision.MaxConsecutiveFailures == 0 {
		cfg.Decision.MaxConsecutiveFailures = 3
	}
	if cfg.Feedback.ImprovementThreshold == 0 {
		cfg.Feedback.ImprovementThreshold = 2
	}
}

func expandCommands(cfg *Config) {
	cfg.Runner.Command = expandNonEmpty(cfg.Runner.Command)
	cfg.Fixer.Command = expandNonEmpty(cfg.Fixer.Command)
	cfg.Matcher.Command = expandNonEmpty(cfg.Matcher.Command)
}

func expandNonEmpty(argv []string) []string {
	if len(argv) == 0 {
		return nil
	}
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		if s := strings.TrimSpace(os.ExpandEnv(a)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.Runner.MaxConcurrent < 1 {
		return fmt.Errorf("runner.max_concurrent must be >= 1")
	}
	if cfg.Runner.TimeoutMS < 0 || cfg.Runner.ShutdownGraceMS < 0 {
		return fmt.Errorf("runner timeouts must be >= 0")
	}
	if cfg.Scoring.PassThreshold < 0 || cfg.Scoring.PassThreshold > 1 {
		return fmt.Errorf("scoring.pass_threshold must be in [0,1]")
	}
	if cfg.Scoring.RatchetThreshold < 0 || cfg.Scoring.RatchetThreshold > 1 {
		return fmt.Errorf("scoring.ratchet_threshold must be in [0,1]")
	}
	if cfg.Scoring.RatchetStreak < 1 {
		return fmt.Errorf("scoring.ratchet_streak must be >= 1")
	}
	if cfg.Decision.RecentWindow < 0 || cfg.Decision.PersistWindow < 0 {
		return fmt.Errorf("decision windows must be >= 0")
	}
	if cfg.Decision.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("decision.max_consecutive_failures must be >= 1")
	}
	if cfg.Feedback.ImprovementThreshold < 1 {
		return fmt.Errorf("feedback.improvement_threshold must be >= 1")
	}
	if cfg.Matcher.PollIntervalMS < 1 {
		return fmt.Errorf("matcher.poll_interval_ms must be >= 1")
	}
	return nil
}

// Duration accessors keep millisecond fields readable at call sites.

func (c *Config) RunnerTimeout() time.Duration { return time.Duration(c.Runner.TimeoutMS) * time.Millisecond }

// ShutdownGrace is how long the pool waits for runners after cancellation.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Runner.ShutdownGraceMS) * time.Millisecond
}

func (c *Config) FixerTimeout() time.Duration { return time.Duration(c.Fixer.TimeoutMS) * time.Millisecond }

func (c *Config) MatcherPollInterval() time.Duration {
	return time.Duration(c.Matcher.PollIntervalMS) * time.Millisecond
}

func (c *Config) MatcherTimeout() time.Duration {
	return time.Duration(c.Matcher.TimeoutMS) * time.Millisecond
}
