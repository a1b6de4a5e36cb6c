package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config carries secure-session timing for both client and server roles.
type Config struct {
	ConnectTimeout time.Duration
	WritePacing    time.Duration
	Linger         time.Duration
	ReadTimeout    time.Duration
	EchoTimeout    time.Duration
	MaxReadBytes   int
	AcceptPause    time.Duration
	Backoff        BackoffConfig
}

// DefaultConfig returns the session loop defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WritePacing:    time.Second,
		Linger:         3 * time.Second,
		ReadTimeout:    30 * time.Second,
		EchoTimeout:    5 * time.Second,
		MaxReadBytes:   1024,
		AcceptPause:    time.Second,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be > 0", ErrInvalidConfig)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read_timeout must be > 0", ErrInvalidConfig)
	}
	if c.MaxReadBytes <= 0 {
		return fmt.Errorf("%w: max_read_bytes must be > 0", ErrInvalidConfig)
	}
	if c.WritePacing < 0 || c.Linger < 0 || c.AcceptPause < 0 {
		return fmt.Errorf("%w: pacing durations must be >= 0", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.InitialDelay > c.Backoff.MaxDelay {
		return fmt.Errorf("%w: backoff initial exceeds max", ErrInvalidConfig)
	}
	return nil
}
