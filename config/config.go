// Package config loads service configuration from the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the planweaved service configuration. Every field binds to a
// PLANWEAVE_* environment variable.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// DatabaseDriver selects the store backend: sqlite, mysql, or memory.
	DatabaseDriver string

	// DatabaseURL is the SQLite path or MySQL DSN.
	DatabaseURL string

	// RedisAddr, when set, stores run events in Redis instead of SQL.
	RedisAddr string

	// LLMProvider selects the model adapter: anthropic, openai, google,
	// or mock (development).
	LLMProvider string

	// LLMAPIKey authenticates against the provider.
	LLMAPIKey string

	// LLMModel overrides the provider's default model.
	LLMModel string

	// LLMBaseURL points the openai adapter at a compatible server.
	LLMBaseURL string

	// LLMRequestsPerSecond caps the process-wide LLM rate. 0 disables.
	LLMRequestsPerSecond float64

	// ConfirmTimeout is the side-effect confirmation window.
	ConfirmTimeout time.Duration

	// MaxPlanningSteps caps planner ReAct iterations.
	MaxPlanningSteps int

	// RunWallClock bounds a single run end to end.
	RunWallClock time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// EnableTestSeedAPI gates the deterministic seeding endpoint.
	EnableTestSeedAPI bool

	// LogLevel sets logrus verbosity (debug, info, warn, error).
	LogLevel string
}

// Load reads configuration from PLANWEAVE_* environment variables with
// development-friendly defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("planweave")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_url", "./planweave.db")
	v.SetDefault("redis_addr", "")
	v.SetDefault("llm_provider", "mock")
	v.SetDefault("llm_api_key", "")
	v.SetDefault("llm_model", "")
	v.SetDefault("llm_base_url", "")
	v.SetDefault("llm_requests_per_second", 0.0)
	v.SetDefault("confirm_timeout", "5m")
	v.SetDefault("max_planning_steps", 50)
	v.SetDefault("run_wall_clock", "1h")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("enable_test_seed_api", false)
	v.SetDefault("log_level", "info")

	cfg := Config{
		ListenAddr:           v.GetString("listen_addr"),
		DatabaseDriver:       strings.ToLower(v.GetString("database_driver")),
		DatabaseURL:          v.GetString("database_url"),
		RedisAddr:            v.GetString("redis_addr"),
		LLMProvider:          strings.ToLower(v.GetString("llm_provider")),
		LLMAPIKey:            v.GetString("llm_api_key"),
		LLMModel:             v.GetString("llm_model"),
		LLMBaseURL:           v.GetString("llm_base_url"),
		LLMRequestsPerSecond: v.GetFloat64("llm_requests_per_second"),
		ConfirmTimeout:       v.GetDuration("confirm_timeout"),
		MaxPlanningSteps:     v.GetInt("max_planning_steps"),
		RunWallClock:         v.GetDuration("run_wall_clock"),
		ShutdownTimeout:      v.GetDuration("shutdown_timeout"),
		EnableTestSeedAPI:    v.GetBool("enable_test_seed_api"),
		LogLevel:             strings.ToLower(v.GetString("log_level")),
	}
	return cfg, nil
}
