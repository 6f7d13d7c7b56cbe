package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all dispatcher configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// HTTP / WebSocket bind
	Host string `env:"WS_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"WS_PORT" envDefault:"5001"`

	// Bus
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Station metadata
	SiteInfoPath string `env:"SITE_INFO_PATH" envDefault:"station/site_info.csv"`

	// Windows
	WindowSec  int `env:"WINDOW_SEC" envDefault:"30"`   // live window store
	HistorySec int `env:"HISTORY_SEC" envDefault:"120"` // historical query cap
	SampleRate int `env:"SAMPLE_RATE" envDefault:"100"`

	// Signal pipeline
	LowpassHz    float64       `env:"LOWPASS_HZ" envDefault:"10"`
	FilterOrder  int           `env:"FILTER_ORDER" envDefault:"4"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"100ms"`
	Workers      int           `env:"SP_WORKERS" envDefault:"0"` // 0 = GOMAXPROCS

	// Bus reader
	DiscoveryInterval time.Duration `env:"DISCOVERY_INTERVAL" envDefault:"5s"`
	ReadBlock         time.Duration `env:"READ_BLOCK" envDefault:"100ms"`
	ReadCount         int           `env:"READ_COUNT" envDefault:"100"`

	// Bounded queues (drop-newest on overflow)
	WaveQueue   int `env:"WAVE_QUEUE" envDefault:"4096"`
	TickQueue   int `env:"TICK_QUEUE" envDefault:"64"`
	ClientQueue int `env:"CLIENT_QUEUE" envDefault:"2000"`

	// Clients
	DefaultWidthPx int `env:"DEFAULT_WIDTH_PX" envDefault:"1000"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the bus address in host:port form.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("WS_PORT must be 1-65535, got %d", c.Port)
	}
	if c.WindowSec < 1 {
		return fmt.Errorf("WINDOW_SEC must be > 0, got %d", c.WindowSec)
	}
	if c.HistorySec < c.WindowSec {
		return fmt.Errorf("HISTORY_SEC (%d) must be >= WINDOW_SEC (%d)", c.HistorySec, c.WindowSec)
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("SAMPLE_RATE must be > 0, got %d", c.SampleRate)
	}
	if c.LowpassHz <= 0 || c.LowpassHz > float64(c.SampleRate)/2 {
		return fmt.Errorf("LOWPASS_HZ must be in (0, nyquist], got %g", c.LowpassHz)
	}
	if c.FilterOrder < 1 || c.FilterOrder%2 != 0 {
		return fmt.Errorf("FILTER_ORDER must be a positive even number, got %d", c.FilterOrder)
	}
	if c.ClientQueue < 1 {
		return fmt.Errorf("CLIENT_QUEUE must be > 0, got %d", c.ClientQueue)
	}
	if c.ReadCount < 1 {
		return fmt.Errorf("READ_COUNT must be > 0, got %d", c.ReadCount)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig dumps the effective configuration through the structured logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("redis_addr", c.RedisAddr()).
		Int("redis_db", c.RedisDB).
		Str("site_info", c.SiteInfoPath).
		Int("window_sec", c.WindowSec).
		Int("history_sec", c.HistorySec).
		Int("sample_rate", c.SampleRate).
		Float64("lowpass_hz", c.LowpassHz).
		Dur("tick_interval", c.TickInterval).
		Dur("discovery_interval", c.DiscoveryInterval).
		Int("wave_queue", c.WaveQueue).
		Int("tick_queue", c.TickQueue).
		Int("client_queue", c.ClientQueue).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Dispatcher configuration loaded")
}
