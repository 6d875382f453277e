package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v6"
)

var (
	// ErrMissingToken is returned by Validate when no bot credential is configured.
	ErrMissingToken = errors.New("BOT_TOKEN is required")
	// ErrInvalid wraps every other validation failure.
	ErrInvalid = errors.New("invalid configuration")
)

// Config is loaded once at startup from the environment and never mutated
// afterwards.
type Config struct {
	BotToken         string        `env:"BOT_TOKEN"`
	TelegramEndpoint string        `env:"TELEGRAM_API_ENDPOINT" envDefault:"https://api.telegram.org/bot%s/%s"`
	AdminIDs         []int64       `env:"ADMIN_IDS" envSeparator:","`
	PIDFile          string        `env:"PID_FILE" envDefault:"fantombot.pid"`
	ShutdownGrace    time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

	HTTP HTTPConfig
	Poll PollConfig
	Log  LogConfig
}

type HTTPConfig struct {
	Address        string        `env:"HTTP_ADDRESS" envDefault:"0.0.0.0"`
	Port           int           `env:"PORT" envDefault:"5000"`
	Workers        int           `env:"HTTP_WORKERS" envDefault:"4"`
	RequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"120s"`
	DrainTimeout   time.Duration `env:"HTTP_DRAIN_TIMEOUT" envDefault:"5s"`
}

// Addr returns the host:port the HTTP service binds to.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

type PollConfig struct {
	Timeout     int `env:"POLL_TIMEOUT" envDefault:"30"`
	Limit       int `env:"POLL_LIMIT" envDefault:"100"`
	MaxFailures int `env:"POLL_MAX_FAILURES" envDefault:"0"`
}

type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Format     string `env:"LOG_FORMAT" envDefault:"text"`
	File       string `env:"LOG_FILE" envDefault:"bot.log"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
}

// Load reads the configuration from the process environment. It does not
// validate it; the supervisor does that before starting anything.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate reports the first problem that makes the configuration unusable.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return ErrMissingToken
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: PORT %d out of range", ErrInvalid, c.HTTP.Port)
	}
	if c.HTTP.Workers < 1 {
		return fmt.Errorf("%w: HTTP_WORKERS must be at least 1", ErrInvalid)
	}
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("%w: HTTP_REQUEST_TIMEOUT must be positive", ErrInvalid)
	}
	if c.Poll.Timeout < 0 {
		return fmt.Errorf("%w: POLL_TIMEOUT must not be negative", ErrInvalid)
	}
	if c.Poll.Limit < 1 || c.Poll.Limit > 100 {
		return fmt.Errorf("%w: POLL_LIMIT must be between 1 and 100", ErrInvalid)
	}
	if c.Poll.MaxFailures < 0 {
		return fmt.Errorf("%w: POLL_MAX_FAILURES must not be negative", ErrInvalid)
	}
	return nil
}

// ToMap renders the configuration as a nested map keyed like the environment
// groups, suitable for Flatten.
func ToMap(c *Config) map[string]any {
	admins := make([]string, 0, len(c.AdminIDs))
	for _, id := range c.AdminIDs {
		admins = append(admins, strconv.FormatInt(id, 10))
	}
	return map[string]any{
		"bot_token":         c.BotToken,
		"telegram_endpoint": c.TelegramEndpoint,
		"admin_ids":         admins,
		"pid_file":          c.PIDFile,
		"shutdown_grace":    c.ShutdownGrace.String(),
		"http": map[string]any{
			"address":         c.HTTP.Address,
			"port":            c.HTTP.Port,
			"workers":         c.HTTP.Workers,
			"request_timeout": c.HTTP.RequestTimeout.String(),
			"drain_timeout":   c.HTTP.DrainTimeout.String(),
		},
		"poll": map[string]any{
			"timeout":      c.Poll.Timeout,
			"limit":        c.Poll.Limit,
			"max_failures": c.Poll.MaxFailures,
		},
		"log": map[string]any{
			"level":       c.Log.Level,
			"format":      c.Log.Format,
			"file":        c.Log.File,
			"max_size_mb": c.Log.MaxSizeMB,
			"max_backups": c.Log.MaxBackups,
		},
	}
}

// ListValues returns the flattened configuration, masking secrets when mask is true.
func ListValues(c *Config, mask bool) map[string]any {
	flat := Flatten(ToMap(c))
	if mask {
		return MaskSecrets(flat)
	}
	return flat
}
