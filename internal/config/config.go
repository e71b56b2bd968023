package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile         string        `env:"SALESIQ_DB" envDefault:"salesiq.db"`
	AdminAddr      string        `env:"ADMIN_ADDR" envDefault:"localhost:8081"`
	APIAddr        string        `env:"API_ADDR" envDefault:":8080"`
	BaseURL        string        `env:"BASE_URL" envDefault:"http://localhost:8080"`
	AuthSecret     string        `env:"AUTH_SECRET"`
	TokenExpiry    time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`
	AllowAnonymous bool          `env:"ALLOW_ANONYMOUS_AGENTS" envDefault:"false"`
	// Origins allowed to open the realtime channel. Empty allows any.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1s"`
	HeartbeatMisses       int           `env:"HEARTBEAT_MISSES" envDefault:"5"`
	IdleAfter             time.Duration `env:"IDLE_AFTER" envDefault:"1m"`
	PresenceSweepInterval time.Duration `env:"PRESENCE_SWEEP_INTERVAL" envDefault:"2s"`
	ChatIdleTimeout       time.Duration `env:"CHAT_IDLE_TIMEOUT" envDefault:"30m"`
	ChatSweepInterval     time.Duration `env:"CHAT_SWEEP_INTERVAL" envDefault:"1m"`
	SendTimeout           time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`
	OutboxSize            int           `env:"OUTBOX_SIZE" envDefault:"256"`
	VisitorCacheTTL       time.Duration `env:"VISITOR_CACHE_TTL" envDefault:"5m"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:admin@localhost"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

func Load(cliMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode && !c.AllowAnonymous {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"TOKEN_EXPIRY", c.TokenExpiry},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"IDLE_AFTER", c.IdleAfter},
		{"PRESENCE_SWEEP_INTERVAL", c.PresenceSweepInterval},
		{"CHAT_IDLE_TIMEOUT", c.ChatIdleTimeout},
		{"CHAT_SWEEP_INTERVAL", c.ChatSweepInterval},
		{"SEND_TIMEOUT", c.SendTimeout},
		{"VISITOR_CACHE_TTL", c.VisitorCacheTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be greater than 0", d.name)
		}
	}

	if c.HeartbeatMisses < 3 {
		return fmt.Errorf("HEARTBEAT_MISSES must be at least 3")
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return nil
}

// Level is the parsed LOG_LEVEL.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
