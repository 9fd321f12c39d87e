package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "wsmuxd"
addr = ":9400"
path = "/ws"
secrets = ["change-me"]
cors_origins = ["http://localhost:3000"]
tick_interval = "1s"
max_in_flight = 64

[session]
security_mode = "development"
handshake_timeout = "5s"
read_timeout = "15s"
write_timeout = "15s"
ping_interval = "5s"

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const clientTemplate = `url = "ws://localhost:9400/ws"
secret = "change-me"
retry = true
codec = "json"
output = "json"
connect_timeout = "5s"
max_connect_attempts = 0
session_security_mode = "development"
session_tls_enabled = false
session_tls_mutual = false
session_tls_server_name = ""
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""
`
