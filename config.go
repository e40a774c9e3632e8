package peerchat

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds connection parameters.
type Config struct {
	Endpoint          string        `env:"PEERCHAT_ENDPOINT"            envDefault:"ws://localhost:8000/api/v1"` // channel base URL; the socket lives at {Endpoint}/chat/ws/{id}
	APIEndpoint       string        `env:"PEERCHAT_API_ENDPOINT"`                                                // REST base URL, derived from Endpoint if empty
	ReconnectDelay    time.Duration `env:"PEERCHAT_RECONNECT_DELAY"     envDefault:"3s"`
	ReconnectMaxDelay time.Duration `env:"PEERCHAT_RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectFixed    bool          `env:"PEERCHAT_RECONNECT_FIXED"` // retry every ReconnectDelay forever instead of backing off
	DialTimeout       time.Duration `env:"PEERCHAT_DIAL_TIMEOUT"        envDefault:"10s"`
	HTTPTimeout       time.Duration `env:"PEERCHAT_HTTP_TIMEOUT"        envDefault:"30s"`
	HistoryLimit      int           `env:"PEERCHAT_HISTORY_LIMIT"       envDefault:"50"`
	SendBuffer        int           `env:"PEERCHAT_SEND_BUFFER"         envDefault:"256"`
}

// DefaultConfig returns the same values LoadConfig uses for unset variables.
func DefaultConfig() Config {
	return Config{
		Endpoint:          "ws://localhost:8000/api/v1",
		ReconnectDelay:    3 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		HTTPTimeout:       30 * time.Second,
		HistoryLimit:      50,
		SendBuffer:        256,
	}
}

// LoadConfig reads configuration from PEERCHAT_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the endpoint and numeric limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint: scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > 100 {
		return fmt.Errorf("history limit must be between 1 and 100, got %d", c.HistoryLimit)
	}
	if c.ReconnectMaxDelay > 0 && c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("reconnect max delay %s is below reconnect delay %s", c.ReconnectMaxDelay, c.ReconnectDelay)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

// channelURL returns the socket URL for id.
func (c Config) channelURL(id Identity) string {
	return strings.TrimRight(c.Endpoint, "/") + "/chat/ws/" + id.String()
}

func resolveAPIBase(cfg Config) string {
	if cfg.APIEndpoint != "" {
		return strings.TrimRight(cfg.APIEndpoint, "/")
	}
	// Derive from the channel endpoint: ws→http, wss→https, same host and path.
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return "http://localhost:8000/api/v1"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
}
