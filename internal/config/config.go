package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Audio      AudioConfig      `yaml:"audio" mapstructure:"audio"`
	Transcribe TranscribeConfig `yaml:"transcribe" mapstructure:"transcribe"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	CRM        CRMConfig        `yaml:"crm" mapstructure:"crm"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig holds optional postgres connection pool tuning.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// AudioConfig configures raw audio storage.
type AudioConfig struct {
	StoragePath string `yaml:"storage_path" mapstructure:"storage_path"`
}

// TranscribeConfig configures the transcription port. Provider selects
// between the remote Whisper-style API and local CLI inference.
type TranscribeConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Model       string `yaml:"model" mapstructure:"model"`
	LocalBin    string `yaml:"local_bin" mapstructure:"local_bin"`
	LocalModel  string `yaml:"local_model" mapstructure:"local_model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig configures the extraction LLM. Request deadlines come
// from the pipeline step timeout.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// CRMConfig configures the external CRM client and its token cache.
type CRMConfig struct {
	IdentityBaseURL string  `yaml:"identity_base_url" mapstructure:"identity_base_url"`
	APIVersion      string  `yaml:"api_version" mapstructure:"api_version"`
	TokenMarginSecs int     `yaml:"token_margin_secs" mapstructure:"token_margin_secs"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// TokenMargin returns how long before declared expiry a cached token is
// considered stale.
func (c CRMConfig) TokenMargin() time.Duration {
	if c.TokenMarginSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TokenMarginSecs) * time.Second
}

// Timeout returns the per-request deadline for CRM HTTP calls.
func (c CRMConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// PipelineConfig configures orchestrator behavior.
type PipelineConfig struct {
	MaxConcurrent   int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	StepTimeoutSecs int `yaml:"step_timeout_secs" mapstructure:"step_timeout_secs"`
}

// StepTimeout returns the bounded timeout applied to each external call.
func (c PipelineConfig) StepTimeout() time.Duration {
	if c.StepTimeoutSecs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.StepTimeoutSecs) * time.Second
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HERDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "herdsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("audio.storage_path", "./storage/recordings")
	v.SetDefault("transcribe.provider", "local")
	v.SetDefault("transcribe.base_url", "https://api.openai.com/v1")
	v.SetDefault("transcribe.model", "whisper-1")
	v.SetDefault("transcribe.local_bin", "whisper-cli")
	v.SetDefault("transcribe.timeout_secs", 120)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("crm.identity_base_url", "https://login.microsoftonline.com")
	v.SetDefault("crm.api_version", "v9.2")
	v.SetDefault("crm.token_margin_secs", 300)
	v.SetDefault("crm.timeout_secs", 30)
	v.SetDefault("pipeline.max_concurrent", 4)
	v.SetDefault("pipeline.step_timeout_secs", 120)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
