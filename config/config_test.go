package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/skillmesh/logging"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.StateBackend)
	assert.Equal(t, "contracts", cfg.ContractDir)
	assert.Equal(t, "artifacts", cfg.ArtifactRoot)
	assert.Equal(t, 20, cfg.MaxSteps)
	assert.Equal(t, 5, cfg.MaxFixIterations)
	assert.Equal(t, 200, cfg.EventCap)
	assert.Equal(t, 50, cfg.FactCap)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.AdvisorProvider)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SKILLMESH_STATE_BACKEND", "sqlite")
	t.Setenv("SKILLMESH_SQLITE_PATH", "/var/lib/skillmesh/state.db")
	t.Setenv("SKILLMESH_MAX_STEPS", "8")
	t.Setenv("SKILLMESH_SCOPE_DENY", "vendor/**,third_party/**")
	t.Setenv("SKILLMESH_LOG_LEVEL", "debug")
	t.Setenv("SKILLMESH_LOG_FORMAT", "text")
	t.Setenv("SKILLMESH_ADVISOR_PROVIDER", "anthropic")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.StateBackend)
	assert.Equal(t, "/var/lib/skillmesh/state.db", cfg.SQLitePath)
	assert.Equal(t, 8, cfg.MaxSteps)
	assert.Equal(t, []string{"vendor/**", "third_party/**"}, cfg.ScopeDeny)
	assert.Equal(t, ProviderAnthropic, cfg.AdvisorProvider)
	assert.NotNil(t, cfg.Logger())
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("SKILLMESH_MAX_STEPS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			StateBackend: BackendMemory,
			ContractDir:  "contracts",
			LogLevel:     "info",
			LogFormat:    "json",
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.StateBackend = "redis" }, want: `unknown state backend "redis"`},
		{name: "sqlite without path", mutate: func(c *Config) { c.StateBackend = BackendSQLite }, want: "SKILLMESH_SQLITE_PATH"},
		{name: "steps above hard cap", mutate: func(c *Config) { c.MaxSteps = 21 }, want: "max steps 21"},
		{name: "negative fix iterations", mutate: func(c *Config) { c.MaxFixIterations = -1 }, want: "max fix iterations"},
		{name: "negative caps", mutate: func(c *Config) { c.FactCap = -1 }, want: "caps must not be negative"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, want: `unknown log level "loud"`},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, want: `unknown log format "xml"`},
		{name: "bad provider", mutate: func(c *Config) { c.AdvisorProvider = "gemini" }, want: `unknown advisor provider "gemini"`},
	}

	require.NoError(t, base().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	c := Config{StateBackend: "x", LogLevel: "y", LogFormat: "z"}
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"state backend", "CONTRACT_DIR", "log level", "log format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoggerFallsBackToInfo(t *testing.T) {
	l := Config{LogLevel: "nonsense", LogFormat: "text"}.Logger()
	require.NotNil(t, l)
	var _ logging.Logger = l
}
