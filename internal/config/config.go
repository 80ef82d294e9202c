// Package config loads the OCR tool configuration from a TOML file, the
// environment, and command-line overrides, and initializes logging.
package config

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/paperless-ocr/internal/apperr"
	"github.com/sells-group/paperless-ocr/internal/resilience"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "PAPERLESS_OCR"

// DefaultAPIBaseURL is the Mistral AI API root.
const DefaultAPIBaseURL = "https://api.mistral.ai"

// appDir is the directory name searched under the user config directories.
const appDir = "paperless-ngx-ocr2"

// LogLevels lists the accepted log_level values.
var LogLevels = []string{"error", "warn", "info", "debug", "trace"}

// Config holds the full application configuration.
type Config struct {
	APIKey         string      `toml:"api_key" mapstructure:"api_key"`
	APIBaseURL     string      `toml:"api_base_url" mapstructure:"api_base_url"`
	TimeoutSeconds int         `toml:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxFileSizeMB  int         `toml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	LogLevel       string      `toml:"log_level" mapstructure:"log_level"`
	LogFormat      string      `toml:"log_format" mapstructure:"log_format"`
	RetryPolicy    RetryPolicy `toml:"retry_policy" mapstructure:"retry_policy"`
}

// RetryPolicy configures the retry loop around each API request.
type RetryPolicy struct {
	MaxRetries         int     `toml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs        int     `toml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs         int     `toml:"max_delay_ms" mapstructure:"max_delay_ms"`
	ExponentialBackoff bool    `toml:"exponential_backoff" mapstructure:"exponential_backoff"`
	JitterFactor       float64 `toml:"jitter_factor" mapstructure:"jitter_factor"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string
	Format  string
	Verbose bool
}

// Overrides carries command-line values that take precedence over the file
// and the environment. Nil fields are not set.
type Overrides struct {
	APIKey     *string
	APIBaseURL *string
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		APIBaseURL:     DefaultAPIBaseURL,
		TimeoutSeconds: 30,
		MaxFileSizeMB:  100,
		LogLevel:       "info",
		LogFormat:      "console",
		RetryPolicy: RetryPolicy{
			MaxRetries:         3,
			BaseDelayMs:        1000,
			MaxDelayMs:         10000,
			ExponentialBackoff: true,
			JitterFactor:       0.1,
		},
	}
}

// Load reads configuration from the given TOML file (or the default search
// path when path is empty), applies environment and command-line overrides,
// and validates the result. Failures are apperr.Config errors.
func Load(path string, ov Overrides) (*Config, error) {
	// A missing .env is not an error; existing variables are never replaced.
	_ = godotenv.Load()

	v := newViper()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, apperr.Wrap(err, apperr.Config, "Config file not found: "+path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Wrap(eris.Wrap(err, "config: read file"), apperr.Config, "Failed to parse config file")
		}
	} else if found := searchConfig(); found != "" {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Wrap(eris.Wrap(err, "config: read file"), apperr.Config, "Failed to parse config file")
		}
	}

	if ov.APIKey != nil {
		v.Set("api_key", *ov.APIKey)
	}
	if ov.APIBaseURL != nil {
		v.Set("api_base_url", *ov.APIBaseURL)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Wrap(eris.Wrap(err, "config: unmarshal"), apperr.Config, "Invalid configuration value")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("timeout_seconds", EnvPrefix+"_TIMEOUT")
	_ = v.BindEnv("max_file_size_mb", EnvPrefix+"_MAX_FILE_SIZE")

	// Defaults
	d := Default()
	v.SetDefault("api_key", "")
	v.SetDefault("api_base_url", d.APIBaseURL)
	v.SetDefault("timeout_seconds", d.TimeoutSeconds)
	v.SetDefault("max_file_size_mb", d.MaxFileSizeMB)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("retry_policy.max_retries", d.RetryPolicy.MaxRetries)
	v.SetDefault("retry_policy.base_delay_ms", d.RetryPolicy.BaseDelayMs)
	v.SetDefault("retry_policy.max_delay_ms", d.RetryPolicy.MaxDelayMs)
	v.SetDefault("retry_policy.exponential_backoff", d.RetryPolicy.ExponentialBackoff)
	v.SetDefault("retry_policy.jitter_factor", d.RetryPolicy.JitterFactor)

	return v
}

// searchConfig returns the first existing config file among ./config.toml,
// $XDG_CONFIG_HOME/<app>/config.toml and ~/.config/<app>/config.toml.
func searchConfig() string {
	candidates := []string{"config.toml"}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, appDir, "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", appDir, "config.toml"))
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && fi.Mode().IsRegular() {
			return c
		}
	}
	return ""
}

// Validate checks the numeric ranges and enumerations. The credential pair
// (api_key, api_base_url) is validated when the pipeline builds its
// credentials, after the input file has been checked.
func (c *Config) Validate() error {
	if c.TimeoutSeconds < 1 || c.TimeoutSeconds > 300 {
		return apperr.New(apperr.Config, "Timeout must be between 1 and 300 seconds")
	}

	if c.MaxFileSizeMB < 1 || c.MaxFileSizeMB > 100 {
		return apperr.New(apperr.Config, "Max file size must be between 1 and 100 MB")
	}

	if !slices.Contains(LogLevels, c.LogLevel) {
		return apperr.Newf(apperr.Config, "Log level must be one of: %s", strings.Join(LogLevels, ", "))
	}

	if c.LogFormat != "console" && c.LogFormat != "json" {
		return apperr.New(apperr.Config, "Log format must be one of: console, json")
	}

	return c.RetryPolicy.Validate()
}

// Validate checks the retry policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 || p.MaxRetries > 10 {
		return apperr.New(apperr.Config, "Max retries must be between 0 and 10")
	}
	if p.BaseDelayMs <= 0 {
		return apperr.New(apperr.Config, "Base delay must be greater than 0")
	}
	if p.MaxDelayMs < p.BaseDelayMs {
		return apperr.New(apperr.Config, "Max delay must be >= base delay")
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return apperr.New(apperr.Config, "Jitter factor must be between 0.0 and 1.0")
	}
	return nil
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MaxFileSizeBytes returns the upload size limit in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// RetryConfig converts the retry policy for the resilience package.
func (c *Config) RetryConfig() resilience.RetryConfig {
	p := c.RetryPolicy
	return resilience.FromPolicy(p.MaxRetries, p.BaseDelayMs, p.MaxDelayMs, p.ExponentialBackoff, p.JitterFactor)
}

// Log returns the logging configuration, with verbose forcing debug.
func (c *Config) Log(verbose bool) LogConfig {
	return LogConfig{Level: c.LogLevel, Format: c.LogFormat, Verbose: verbose}
}

// InitLogger replaces the global zap logger with one writing to w (stderr in
// production). The returned func restores the previous globals.
func InitLogger(cfg LogConfig, w io.Writer) (func(), error) {
	logger, err := NewLogger(cfg, w)
	if err != nil {
		return func() {}, err
	}
	return zap.ReplaceGlobals(logger), nil
}

// NewLogger builds a zap logger that writes to w. Logs never go to stdout.
func NewLogger(cfg LogConfig, w io.Writer) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Verbose {
		level = zapcore.DebugLevel
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(level))
	return zap.New(core), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return level, apperr.Wrap(eris.Wrap(err, "config: parse log level"), apperr.Config, "Invalid log level")
	}
	return level, nil
}
