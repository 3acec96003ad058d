package config

import (
	"time"

	redisclient "github.com/vietddude/llmbatch/internal/infra/redis"
	"github.com/vietddude/llmbatch/internal/infra/llm"
	"github.com/vietddude/llmbatch/internal/infra/storage/sqlstore"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Run        RunConfig        `yaml:"run"        envPrefix:"RUN_"`
	Input      InputConfig      `yaml:"input"      envPrefix:"INPUT_"`
	LLM        LLMConfig        `yaml:"llm"        envPrefix:"LLM_"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Server     ServerConfig     `yaml:"server"     envPrefix:"SERVER_"`
	Logging    LoggingConfig    `yaml:"logging"    envPrefix:"LOG_"`
}

// RunConfig holds engine settings.
type RunConfig struct {
	Mode                    string        `yaml:"mode"                      env:"MODE"` // sequential, concurrent
	BatchSize               int           `yaml:"batch_size"                env:"BATCH_SIZE"`
	MaxRetries              int           `yaml:"max_retries"               env:"MAX_RETRIES"`
	BackoffBase             time.Duration `yaml:"backoff_base"              env:"BACKOFF_BASE"`
	BackoffMax              time.Duration `yaml:"backoff_max"               env:"BACKOFF_MAX"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold" env:"CIRCUIT_BREAKER_THRESHOLD"`
	CheckpointInterval      int           `yaml:"checkpoint_interval"       env:"CHECKPOINT_INTERVAL"`
	CheckpointPeriod        time.Duration `yaml:"checkpoint_period"         env:"CHECKPOINT_PERIOD"`
	DrainTimeout            time.Duration `yaml:"drain_timeout"             env:"DRAIN_TIMEOUT"` // 0 = wait for in-flight work
	CountExhausted          *bool         `yaml:"count_exhausted"           env:"COUNT_EXHAUSTED"`
	CountParseErrors        *bool         `yaml:"count_parse_errors"        env:"COUNT_PARSE_ERRORS"`
	OnTrip                  string        `yaml:"on_trip"                   env:"ON_TRIP"` // prompt, abort, continue, http
}

// InputConfig holds the unit source.
type InputConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// LLMConfig holds the completion backend and response validation.
type LLMConfig struct {
	Provider        string            `yaml:"provider"          env:"PROVIDER"` // openai, http
	BaseURL         string            `yaml:"base_url"          env:"BASE_URL"`
	APIKey          string            `yaml:"api_key"           env:"API_KEY"`
	Model           string            `yaml:"model"             env:"MODEL"`
	MaxOutputTokens int64             `yaml:"max_output_tokens" env:"MAX_OUTPUT_TOKENS"`
	Timeout         time.Duration     `yaml:"timeout"           env:"TIMEOUT"`
	Headers         map[string]string `yaml:"headers"`
	TextPath        string            `yaml:"text_path"         env:"TEXT_PATH"`
	PromptTemplate  string            `yaml:"prompt_template"   env:"PROMPT_TEMPLATE"`
	ExpectJSON      bool              `yaml:"expect_json"       env:"EXPECT_JSON"`
	RequiredFields  []string          `yaml:"required_fields"   env:"REQUIRED_FIELDS"`
}

// ClientConfig converts to the llm package configuration.
func (c LLMConfig) ClientConfig() llm.Config {
	return llm.Config{
		Provider:        c.Provider,
		BaseURL:         c.BaseURL,
		APIKey:          c.APIKey,
		Model:           c.Model,
		MaxOutputTokens: c.MaxOutputTokens,
		Timeout:         c.Timeout,
		Headers:         c.Headers,
		TextPath:        c.TextPath,
	}
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend  string             `yaml:"backend"  env:"BACKEND"` // file, sqlite, postgres, redis, memory
	Dir      string             `yaml:"dir"      env:"DIR"`
	Database sqlstore.Config    `yaml:"database" envPrefix:"DB_"`
	Redis    redisclient.Config `yaml:"redis"    envPrefix:"REDIS_"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"` // 0 disables the status server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"` // debug, info, warn, error
}
