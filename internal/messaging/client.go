package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/echoctl/internal/observability"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/rs/zerolog/log"
)

const (
	DefaultService  = "com::danmuck::echo"
	DefaultPriority = 30
	DefaultTimeout  = 2000 * time.Millisecond
	DefaultPacing   = 500 * time.Millisecond
	DefaultPoll     = time.Second
)

var (
	ErrNoPayloads     = errors.New("messaging: no payloads configured")
	ErrServiceMissing = errors.New("messaging: service required")
	ErrUnknownPolicy  = errors.New("messaging: unknown failure policy")
)

// FailurePolicy decides what a send failure does to the client loop.
type FailurePolicy string

const (
	PolicyContinue FailurePolicy = "continue"
	PolicyAbort    FailurePolicy = "abort"
)

// ParseFailurePolicy accepts "", "continue" or "abort".
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyContinue:
		return PolicyContinue, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
	}
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type ClientConfig struct {
	Service  string
	Payloads []string
	Priority int
	Timeout  time.Duration
	Pacing   time.Duration
	Policy   FailurePolicy
	// MaxCycles stops the loop after that many full passes; 0 runs forever.
	MaxCycles int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Service:  DefaultService,
		Priority: DefaultPriority,
		Timeout:  DefaultTimeout,
		Pacing:   DefaultPacing,
		Policy:   PolicyContinue,
	}
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		return ErrServiceMissing
	}
	if len(c.Payloads) == 0 {
		return ErrNoPayloads
	}
	if _, err := ParseFailurePolicy(string(c.Policy)); err != nil {
		return err
	}
	return nil
}

// SendOptions returns the per-message options used for every send.
func (c ClientConfig) SendOptions() provider.SendOptions {
	return provider.SendOptions{Priority: c.Priority, Timeout: c.Timeout, Flush: false}
}

// CycleStats summarizes one pass over the payload list.
type CycleStats struct {
	Cycle  int
	Sent   int
	Failed int
}

// Client is the message-send mode.
type Client struct {
	p    provider.Provider
	to   provider.Contact
	cfg  ClientConfig
	wait WaitFunc
}

func NewClient(p provider.Provider, to provider.Contact, cfg ClientConfig) *Client {
	return &Client{p: p, to: to, cfg: cfg, wait: Sleep}
}

func (c *Client) SetWaitFunc(fn WaitFunc) {
	if fn != nil {
		c.wait = fn
	}
}

// Run sends every payload in order, pausing after each, and repeats until
// ctx is cancelled, MaxCycles is reached, or a send error must propagate.
func (c *Client) Run(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	log.Info().
		Str("to", c.to.Alias).
		Str("service", c.cfg.Service).
		Int("payloads", len(c.cfg.Payloads)).
		Str("policy", string(c.cfg.Policy)).
		Msg("messaging.Client.Run start")

	for cycle := 1; c.cfg.MaxCycles <= 0 || cycle <= c.cfg.MaxCycles; cycle++ {
		stats, err := c.RunCycle(ctx, cycle)
		if err != nil {
			return err
		}
		log.Info().
			Int("cycle", stats.Cycle).
			Int("sent", stats.Sent).
			Int("failed", stats.Failed).
			Msg("messaging.Client cycle complete")
	}
	return nil
}

// RunCycle performs one pass over the payload list.
func (c *Client) RunCycle(ctx context.Context, cycle int) (CycleStats, error) {
	stats := CycleStats{Cycle: cycle}
	opts := c.cfg.SendOptions()
	for i, payload := range c.cfg.Payloads {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		err := c.p.SendMessage(ctx, []byte(payload), c.cfg.Service, c.to, opts)
		observability.RecordMessage("send", err)
		if err != nil {
			stats.Failed++
			if perr := c.onSendError(err, i); perr != nil {
				return stats, perr
			}
		} else {
			stats.Sent++
			log.Debug().Str("to", c.to.Alias).Str("payload", payload).Msg("messaging.Client sent")
		}
		if err := c.wait(ctx, c.cfg.Pacing); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Client) onSendError(err error, index int) error {
	if provider.IsFatal(err) {
		return fmt.Errorf("messaging: send payload %d: %w", index, err)
	}
	if c.cfg.Policy == PolicyAbort {
		return fmt.Errorf("messaging: send payload %d: %w", index, err)
	}
	log.Warn().Err(err).Int("index", index).Msg("messaging.Client send failed")
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
