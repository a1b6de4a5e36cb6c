package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "echo", "echoctl":
		return echoTemplate, nil
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

const relayTemplate = `name = "relay"
addr = ":9400"
store = "memory"
data_dir = ""
token = "temp-relay-token"
cors_origins = ["http://localhost:3000"]
mail_limit = 1024

[[contacts]]
alias = "alice"
capabilities = ["com::danmuck::echo"]

[[contacts]]
alias = "bob"
capabilities = ["com::danmuck::echo"]
`

const echoTemplate = `store = "~/.echoctl/store"
password = "mysecret"
dn = "alice"
app_capabilities = ["com::danmuck::echo"]
service = "com::danmuck::echo"
relay_url = "http://localhost:9400"
relay_token = "temp-relay-token"
presence_addr = "127.0.0.1:9500"

peer = ""
channel = "message"
messages = ["hi", "bye"]
session_payloads = []

refresh_interval = "3600s"
refresh_fast_retry = "30s"
send_failure_policy = "continue"
`
