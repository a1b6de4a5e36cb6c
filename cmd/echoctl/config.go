package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/echoctl/internal/echo"
	"github.com/danmuck/echoctl/internal/messaging"
	"github.com/danmuck/echoctl/internal/provider/local"
)

// runConfig is everything one echoctl process needs.
type runConfig struct {
	Service  echo.ServiceConfig
	Provider local.Config
}

func defaultRunConfig() runConfig {
	return runConfig{
		Service:  echo.DefaultServiceConfig(),
		Provider: local.DefaultConfig(),
	}
}

type fileBackoff struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type fileConfig struct {
	Store           string   `toml:"store"`
	Password        string   `toml:"password"`
	DN              string   `toml:"dn"`
	Addresses       []string `toml:"addresses"`
	AppCapabilities []string `toml:"app_capabilities"`
	Service         string   `toml:"service"`

	Peer            string   `toml:"peer"`
	Channel         string   `toml:"channel"`
	Messages        []string `toml:"messages"`
	SessionPayloads []string `toml:"session_payloads"`

	RefreshInterval  string `toml:"refresh_interval"`
	RefreshFastRetry string `toml:"refresh_fast_retry"`

	SendPriority      int    `toml:"send_priority"`
	SendTimeout       string `toml:"send_timeout"`
	SendPacing        string `toml:"send_pacing"`
	SendFailurePolicy string `toml:"send_failure_policy"`
	PollInterval      string `toml:"poll_interval"`
	Echo              bool   `toml:"echo"`
	AwaitEcho         bool   `toml:"await_echo"`

	ConnectTimeout string      `toml:"connect_timeout"`
	WritePacing    string      `toml:"write_pacing"`
	Linger         string      `toml:"linger"`
	ReadTimeout    string      `toml:"read_timeout"`
	EchoTimeout    string      `toml:"echo_read_timeout"`
	MaxReadBytes   int         `toml:"max_read_bytes"`
	AcceptPause    string      `toml:"accept_pause"`
	Backoff        fileBackoff `toml:"backoff"`

	AdminAddr    string `toml:"admin_addr"`
	RelayURL     string `toml:"relay_url"`
	RelayToken   string `toml:"relay_token"`
	PresenceAddr string `toml:"presence_addr"`
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load echoctl config: %w", err)
	}
	svc := &cfg.Service

	if meta.IsDefined("store") {
		if v := strings.TrimSpace(raw.Store); v != "" {
			svc.StoreName = v
		}
	}
	if meta.IsDefined("password") {
		svc.Password = raw.Password
	}
	if meta.IsDefined("dn") {
		svc.CommonName = strings.TrimSpace(raw.DN)
	}
	if meta.IsDefined("addresses") {
		svc.Addresses = normalizeList(raw.Addresses)
	}
	if meta.IsDefined("app_capabilities") {
		svc.AppCapabilities = normalizeList(raw.AppCapabilities)
	}
	if meta.IsDefined("service") {
		svc.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("peer") {
		svc.Peer = strings.TrimSpace(raw.Peer)
	}
	if meta.IsDefined("channel") {
		ch, err := echo.ParseChannel(raw.Channel)
		if err != nil {
			return runConfig{}, err
		}
		svc.Channel = ch
	}
	if meta.IsDefined("messages") {
		svc.Messages = append([]string(nil), raw.Messages...)
	}
	if meta.IsDefined("session_payloads") {
		svc.SessionPayloads = append([]string(nil), raw.SessionPayloads...)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"refresh_interval", raw.RefreshInterval, &svc.Refresh.BaseInterval},
		{"refresh_fast_retry", raw.RefreshFastRetry, &svc.Refresh.FastRetry},
		{"send_timeout", raw.SendTimeout, &svc.SendTimeout},
		{"send_pacing", raw.SendPacing, &svc.SendPacing},
		{"poll_interval", raw.PollInterval, &svc.PollInterval},
		{"connect_timeout", raw.ConnectTimeout, &svc.Session.ConnectTimeout},
		{"write_pacing", raw.WritePacing, &svc.Session.WritePacing},
		{"linger", raw.Linger, &svc.Session.Linger},
		{"read_timeout", raw.ReadTimeout, &svc.Session.ReadTimeout},
		{"echo_read_timeout", raw.EchoTimeout, &svc.Session.EchoTimeout},
		{"accept_pause", raw.AcceptPause, &svc.Session.AcceptPause},
		{"backoff.initial", raw.Backoff.Initial, &svc.Session.Backoff.InitialDelay},
		{"backoff.max", raw.Backoff.Max, &svc.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("send_priority") {
		svc.SendPriority = raw.SendPriority
	}
	if meta.IsDefined("send_failure_policy") {
		policy, err := messaging.ParseFailurePolicy(raw.SendFailurePolicy)
		if err != nil {
			return runConfig{}, err
		}
		svc.SendFailurePolicy = policy
	}
	if meta.IsDefined("echo") {
		svc.Echo = raw.Echo
	}
	if meta.IsDefined("await_echo") {
		svc.AwaitEcho = raw.AwaitEcho
	}
	if meta.IsDefined("max_read_bytes") {
		svc.Session.MaxReadBytes = raw.MaxReadBytes
	}
	if meta.IsDefined("backoff", "multiplier") {
		svc.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		svc.Session.Backoff.Jitter = raw.Backoff.Jitter
	}
	if meta.IsDefined("admin_addr") {
		svc.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("relay_url") {
		cfg.Provider.RelayURL = strings.TrimSpace(raw.RelayURL)
	}
	if meta.IsDefined("relay_token") {
		cfg.Provider.RelayToken = strings.TrimSpace(raw.RelayToken)
	}
	if meta.IsDefined("presence_addr") {
		cfg.Provider.PresenceAddr = strings.TrimSpace(raw.PresenceAddr)
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
