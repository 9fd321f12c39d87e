package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/wsmux/internal/connection"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/protocol/session"
)

// wsmuxctl config.toml key mapping to connection settings.
type fileConfig struct {
	URL                  string `toml:"url"`
	Secret               string `toml:"secret"`
	Retry                bool   `toml:"retry"`
	Codec                string `toml:"codec"`
	Output               string `toml:"output"`
	ConnectTimeout       string `toml:"connect_timeout"`
	MaxConnectAttempts   int    `toml:"max_connect_attempts"`
	SessionSecurityMode  string `toml:"session_security_mode"`
	SessionTLSEnabled    bool   `toml:"session_tls_enabled"`
	SessionTLSMutual     bool   `toml:"session_tls_mutual"`
	SessionTLSServerName string `toml:"session_tls_server_name"`
	SessionTLSCertFile   string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile    string `toml:"session_tls_key_file"`
	SessionTLSCAFile     string `toml:"session_tls_ca_file"`
}

type clientConfig struct {
	Connection connection.Config
	Output     string
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		Connection: connection.Config{
			URL:    "ws://localhost:9400/ws",
			Retry:  true,
			Codec:  protocol.JSON(),
			Policy: session.DefaultConfig(),
		},
		Output: "json",
	}
}

// wsmuxctl loader for TOML config with default overlay. A missing file at
// the default path yields the defaults.
func loadClientConfig(path string, explicit bool) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return clientConfig{}, fmt.Errorf("load wsmuxctl config: %w", err)
	}

	if meta.IsDefined("url") {
		cfg.Connection.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("secret") {
		cfg.Connection.Secret = raw.Secret
	}
	if meta.IsDefined("retry") {
		cfg.Connection.Retry = raw.Retry
	}
	if meta.IsDefined("codec") {
		codec, err := protocol.CodecByName(raw.Codec)
		if err != nil {
			return clientConfig{}, fmt.Errorf("load wsmuxctl config: %w", err)
		}
		cfg.Connection.Codec = codec
	}
	if meta.IsDefined("output") {
		cfg.Output = strings.ToLower(strings.TrimSpace(raw.Output))
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return clientConfig{}, fmt.Errorf("load wsmuxctl config: connect_timeout: %w", err)
		}
		cfg.Connection.Policy.ConnectTimeout = d
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return clientConfig{}, fmt.Errorf("load wsmuxctl config: max_connect_attempts must not be negative")
		}
		cfg.Connection.Policy.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Connection.Policy.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Connection.Policy.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Connection.Policy.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Connection.Policy.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServerName)
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Connection.Policy.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Connection.Policy.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Connection.Policy.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if _, err := newFormatter(cfg.Output); err != nil {
		return clientConfig{}, fmt.Errorf("load wsmuxctl config: %w", err)
	}
	return cfg, nil
}
