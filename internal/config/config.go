package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

type RelayConfig struct {
	Name        string          `toml:"name"`
	Addr        string          `toml:"addr"`
	Store       string          `toml:"store"`
	DataDir     string          `toml:"data_dir"`
	Token       string          `toml:"token"`
	CorsOrigins []string        `toml:"cors_origins"`
	MailLimit   int             `toml:"mail_limit"`
	Contacts    []ContactConfig `toml:"contacts"`
}

// ContactConfig pre-registers a directory entry before its owner enrolls.
type ContactConfig struct {
	Alias        string   `toml:"alias"`
	Capabilities []string `toml:"capabilities"`
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Name:      "relay",
		Addr:      ":9400",
		Store:     StoreMemory,
		MailLimit: 1024,
	}
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if cfg.Store == "" {
		cfg.Store = StoreMemory
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
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

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("relay config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("relay config missing addr")
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreBadger:
		if strings.TrimSpace(cfg.DataDir) == "" {
			return fmt.Errorf("relay config data_dir required for badger store")
		}
	default:
		return fmt.Errorf("relay config unknown store %q", cfg.Store)
	}
	if cfg.MailLimit < 0 {
		return fmt.Errorf("relay config mail_limit must be >= 0")
	}
	seen := make(map[string]struct{}, len(cfg.Contacts))
	for i, c := range cfg.Contacts {
		if err := ValidateContactEntry(c); err != nil {
			return fmt.Errorf("contacts[%d] invalid: %w", i, err)
		}
		if _, dup := seen[c.Alias]; dup {
			return fmt.Errorf("contacts[%d] invalid: duplicate alias %q", i, c.Alias)
		}
		seen[c.Alias] = struct{}{}
	}
	return nil
}

func ValidateContactEntry(c ContactConfig) error {
	alias := strings.TrimSpace(c.Alias)
	if alias == "" {
		return fmt.Errorf("alias is required")
	}
	if strings.ContainsAny(alias, "/ \t") {
		return fmt.Errorf("alias %q contains invalid characters", alias)
	}
	return nil
}
