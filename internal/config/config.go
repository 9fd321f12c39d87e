// Package config loads the wsmuxd server configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/wsmux/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	Name         string        `toml:"name"`
	Addr         string        `toml:"addr"`
	Path         string        `toml:"path"`
	Secrets      []string      `toml:"secrets"`
	CorsOrigins  []string      `toml:"cors_origins"`
	TickInterval string        `toml:"tick_interval"`
	MaxInFlight  int           `toml:"max_in_flight"`
	Session      SessionConfig `toml:"session"`
}

// SessionConfig holds transport tuning. Durations use time.ParseDuration
// syntax; empty values keep the defaults.
type SessionConfig struct {
	SecurityMode     string    `toml:"security_mode"`
	HandshakeTimeout string    `toml:"handshake_timeout"`
	ReadTimeout      string    `toml:"read_timeout"`
	WriteTimeout     string    `toml:"write_timeout"`
	PingInterval     string    `toml:"ping_interval"`
	ReadLimit        int64     `toml:"read_limit"`
	TLS              TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "wsmuxd"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9400"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("server config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("server config path must start with /: %q", cfg.Path)
	}
	if cfg.MaxInFlight < 0 {
		return fmt.Errorf("server config max_in_flight must not be negative")
	}
	if _, err := cfg.Ticks(); err != nil {
		return err
	}
	sc, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	return sc.ValidateServerTransport()
}

// Ticks returns the demo publisher period; zero disables it.
func (c ServerConfig) Ticks() (time.Duration, error) {
	d, err := parseDuration("tick_interval", c.TickInterval)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("server config tick_interval must not be negative")
	}
	return d, nil
}

// SessionConfig converts the [session] table into transport policy with
// defaults filled in.
func (c ServerConfig) SessionConfig() (session.Config, error) {
	out := session.DefaultConfig()
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.handshake_timeout", c.Session.HandshakeTimeout, &out.HandshakeTimeout},
		{"session.read_timeout", c.Session.ReadTimeout, &out.ReadTimeout},
		{"session.write_timeout", c.Session.WriteTimeout, &out.WriteTimeout},
		{"session.ping_interval", c.Session.PingInterval, &out.PingInterval},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := parseDuration(f.name, f.raw)
		if err != nil {
			return session.Config{}, err
		}
		*f.dst = d
	}
	if c.Session.ReadLimit > 0 {
		out.ReadLimit = c.Session.ReadLimit
	}
	if mode := strings.TrimSpace(c.Session.SecurityMode); mode != "" {
		out.SecurityMode = session.SecurityMode(mode)
	}
	out.TLS = session.TLSConfig{
		Enabled:  c.Session.TLS.Enabled,
		Mutual:   c.Session.TLS.Mutual,
		CertFile: strings.TrimSpace(c.Session.TLS.CertFile),
		KeyFile:  strings.TrimSpace(c.Session.TLS.KeyFile),
		CAFile:   strings.TrimSpace(c.Session.TLS.CAFile),
	}
	return out.WithDefaults(), nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("server config %s invalid: %w", name, err)
	}
	return d, nil
}
