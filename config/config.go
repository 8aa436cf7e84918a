// Package config loads runtime configuration from SKILLMESH_* environment
// variables.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/logging"
)

// State backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Advisor providers.
const (
	ProviderNone      = ""
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config is the process configuration of a skillmesh host.
type Config struct {
	StateBackend string `env:"SKILLMESH_STATE_BACKEND" envDefault:"memory"`
	SQLitePath   string `env:"SKILLMESH_SQLITE_PATH"   envDefault:"skillmesh.db"`

	ContractDir  string `env:"SKILLMESH_CONTRACT_DIR"  envDefault:"contracts"`
	ArtifactRoot string `env:"SKILLMESH_ARTIFACT_ROOT" envDefault:"artifacts"`
	// RepoRoot enables working-tree diffs for the scope gate and path checks
	// for the grounding gate. Empty disables both.
	RepoRoot  string   `env:"SKILLMESH_REPO_ROOT"`
	ScopeDeny []string `env:"SKILLMESH_SCOPE_DENY" envSeparator:","`

	MaxSteps         int `env:"SKILLMESH_MAX_STEPS"          envDefault:"20"`
	MaxFixIterations int `env:"SKILLMESH_MAX_FIX_ITERATIONS" envDefault:"5"`
	EventCap         int `env:"SKILLMESH_EVENT_CAP"          envDefault:"200"`
	FactCap          int `env:"SKILLMESH_FACT_CAP"           envDefault:"50"`

	LogLevel  string `env:"SKILLMESH_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"SKILLMESH_LOG_FORMAT" envDefault:"json"`

	AdvisorProvider string `env:"SKILLMESH_ADVISOR_PROVIDER"`
	AdvisorModel    string `env:"SKILLMESH_ADVISOR_MODEL"`
	AdvisorBaseURL  string `env:"SKILLMESH_ADVISOR_BASE_URL"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StateBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SKILLMESH_SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.StateBackend))
	}
	if c.ContractDir == "" {
		errs = append(errs, errors.New("SKILLMESH_CONTRACT_DIR must not be empty"))
	}
	if c.MaxSteps < 0 || c.MaxSteps > core.HardStepCap {
		errs = append(errs, fmt.Errorf("max steps %d outside 0..%d", c.MaxSteps, core.HardStepCap))
	}
	if c.MaxFixIterations < 0 {
		errs = append(errs, fmt.Errorf("max fix iterations %d must not be negative", c.MaxFixIterations))
	}
	if c.EventCap < 0 || c.FactCap < 0 {
		errs = append(errs, errors.New("event and fact caps must not be negative"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	switch c.AdvisorProvider {
	case ProviderNone, ProviderAnthropic, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown advisor provider %q", c.AdvisorProvider))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Logger builds the structured logger described by the configuration.
func (c Config) Logger() *logging.SkillMeshLogger {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = logging.LogLevelInfo
	}
	return logging.NewSlogLogger(level, c.LogFormat, false)
}
