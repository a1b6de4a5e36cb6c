package securesession

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/echoctl/internal/observability"
	"github.com/danmuck/echoctl/internal/protocol/session"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/rs/zerolog/log"
)

type ClientConfig struct {
	Payloads  []string
	AwaitEcho bool
	Session   session.Config
	// MaxIterations stops after that many connected iterations; 0 runs forever.
	MaxIterations int
}

// Client is the session-client mode.
type Client struct {
	p       provider.Provider
	to      provider.Contact
	cfg     ClientConfig
	wait    WaitFunc
	backoff *session.Backoff
}

func NewClient(p provider.Provider, to provider.Contact, cfg ClientConfig) *Client {
	return &Client{
		p:       p,
		to:      to,
		cfg:     cfg,
		wait:    sleep,
		backoff: session.NewBackoff(cfg.Session.Backoff, rand.New(rand.NewSource(time.Now().UnixNano()))),
	}
}

func (c *Client) SetWaitFunc(fn WaitFunc) {
	if fn != nil {
		c.wait = fn
	}
}

// Run enables presence once and then connects, writes, lingers, and tears
// down one session per iteration until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if len(c.cfg.Payloads) == 0 {
		return fmt.Errorf("securesession: client requires payloads")
	}
	if err := c.cfg.Session.Validate(); err != nil {
		return err
	}
	if err := enablePresence(ctx, c.p, roleClient); err != nil {
		return err
	}
	log.Info().
		Str("to", c.to.Alias).
		Int("payloads", len(c.cfg.Payloads)).
		Bool("await_echo", c.cfg.AwaitEcho).
		Msg("securesession.Client.Run start")

	done := 0
	for c.cfg.MaxIterations <= 0 || done < c.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		connected, err := c.iterate(ctx)
		if err != nil {
			return err
		}
		if connected {
			done++
			c.backoff.Reset()
			continue
		}
		delay := c.backoff.Next()
		log.Warn().
			Int("attempt", c.backoff.Attempt()).
			Dur("retry_in", delay).
			Msg("securesession.Client reconnect backoff")
		if err := c.wait(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// iterate owns one session from construct to release. It reports whether
// the connect succeeded; the error is non-nil only when the loop must stop.
func (c *Client) iterate(ctx context.Context) (bool, error) {
	s, err := c.p.ConstructSession()
	if err != nil {
		if provider.IsFatal(err) {
			return false, fmt.Errorf("securesession: construct: %w", err)
		}
		log.Warn().Err(err).Msg("securesession.Client construct failed")
		return false, nil
	}
	observability.RecordSession(roleClient, "construct")

	if err := s.Connect(ctx, c.to, provider.TransportLossy, c.cfg.Session.ConnectTimeout); err != nil {
		release(c.p, s, roleClient)
		observability.RecordSession(roleClient, "connect_failed")
		if provider.IsFatal(err) {
			return false, fmt.Errorf("securesession: connect %s: %w", c.to.Alias, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		log.Warn().Err(err).Str("to", c.to.Alias).Msg("securesession.Client connect failed")
		return false, nil
	}
	observability.RecordSession(roleClient, "open")
	defer closeAndRelease(c.p, s, roleClient)
	log.Info().Str("session", s.ID()).Str("to", c.to.Alias).Msg("securesession.Client connected")

	for _, payload := range c.cfg.Payloads {
		if err := c.wait(ctx, c.cfg.Session.WritePacing); err != nil {
			return true, err
		}
		if err := s.Write(ctx, []byte(payload)); err != nil {
			log.Warn().Err(err).Str("session", s.ID()).Msg("securesession.Client write failed")
			continue
		}
		log.Debug().Str("session", s.ID()).Str("payload", payload).Msg("securesession.Client wrote")
		if c.cfg.AwaitEcho {
			c.readEcho(ctx, s)
		}
	}
	if err := c.wait(ctx, c.cfg.Session.Linger); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Client) readEcho(ctx context.Context, s provider.Session) {
	reply, err := s.Read(ctx, c.cfg.Session.MaxReadBytes, c.cfg.Session.EchoTimeout)
	if err != nil {
		if kind, ok := provider.KindOf(err); ok && kind == provider.KindTimeout {
			log.Debug().Str("session", s.ID()).Msg("securesession.Client echo read timed out")
			return
		}
		log.Warn().Err(err).Str("session", s.ID()).Msg("securesession.Client echo read failed")
		return
	}
	log.Info().Str("session", s.ID()).Str("text", string(reply)).Msg("securesession.Client echo")
}
