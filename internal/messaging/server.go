package messaging

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/echoctl/internal/observability"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/rs/zerolog/log"
)

type ServerConfig struct {
	Service string
	Poll    time.Duration
	// Echo sends every received message back to its sender.
	Echo     bool
	EchoOpts provider.SendOptions
	// MaxPolls stops the loop after that many polls; 0 runs forever.
	MaxPolls int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Service:  DefaultService,
		Poll:     DefaultPoll,
		EchoOpts: DefaultClientConfig().SendOptions(),
	}
}

// Server is the message-receive mode.
type Server struct {
	p    provider.Provider
	cfg  ServerConfig
	wait WaitFunc

	received atomic.Uint64
	empty    atomic.Uint64
}

func NewServer(p provider.Provider, cfg ServerConfig) *Server {
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	return &Server{p: p, cfg: cfg, wait: Sleep}
}

func (s *Server) SetWaitFunc(fn WaitFunc) {
	if fn != nil {
		s.wait = fn
	}
}

// Received returns how many messages the loop has drained.
func (s *Server) Received() uint64 {
	return s.received.Load()
}

// EmptyPolls returns how many polls found the inbox empty.
func (s *Server) EmptyPolls() uint64 {
	return s.empty.Load()
}

// Run polls until ctx is cancelled. Poll failures are soft.
func (s *Server) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Service) == "" {
		return ErrServiceMissing
	}
	log.Info().
		Str("service", s.cfg.Service).
		Dur("poll", s.cfg.Poll).
		Bool("echo", s.cfg.Echo).
		Msg("messaging.Server.Run start")

	for polls := 1; s.cfg.MaxPolls <= 0 || polls <= s.cfg.MaxPolls; polls++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.PollOnce(ctx)
		if err := s.wait(ctx, s.cfg.Poll); err != nil {
			return err
		}
	}
	return nil
}

// PollOnce drains one inbox batch and returns how many messages it handled.
func (s *Server) PollOnce(ctx context.Context) int {
	msgs, err := s.p.GetMessages(ctx, s.cfg.Service)
	if err != nil {
		if errors.Is(err, provider.ErrNoMessages) {
			s.empty.Add(1)
			log.Debug().Str("service", s.cfg.Service).Msg("messaging.Server inbox empty")
			return 0
		}
		observability.RecordMessage("receive", err)
		log.Warn().Err(err).Str("service", s.cfg.Service).Msg("messaging.Server poll failed")
		return 0
	}
	for _, msg := range msgs {
		s.received.Add(1)
		observability.RecordMessage("receive", nil)
		log.Info().
			Str("from", msg.Sender.Alias).
			Str("service", msg.Service).
			Str("text", string(msg.Payload)).
			Msg("messaging.Server received")
		if s.cfg.Echo {
			s.echo(ctx, msg)
		}
	}
	return len(msgs)
}

func (s *Server) echo(ctx context.Context, msg provider.Message) {
	service := msg.Service
	if service == "" {
		service = s.cfg.Service
	}
	err := s.p.SendMessage(ctx, msg.Payload, service, msg.Sender, s.cfg.EchoOpts)
	observability.RecordMessage("echo", err)
	if err != nil {
		log.Warn().Err(err).Str("to", msg.Sender.Alias).Msg("messaging.Server echo failed")
	}
}
