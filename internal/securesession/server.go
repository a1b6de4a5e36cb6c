package securesession

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/echoctl/internal/observability"
	"github.com/danmuck/echoctl/internal/protocol/session"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/rs/zerolog/log"
)

type ServerConfig struct {
	// Echo keeps reading and writing each chunk back until the peer goes quiet.
	Echo    bool
	Session session.Config
	// MaxAccepts stops after that many accept attempts; 0 runs forever.
	MaxAccepts int
}

// Server is the session-server mode.
type Server struct {
	p    provider.Provider
	cfg  ServerConfig
	wait WaitFunc
}

func NewServer(p provider.Provider, cfg ServerConfig) *Server {
	return &Server{p: p, cfg: cfg, wait: sleep}
}

func (s *Server) SetWaitFunc(fn WaitFunc) {
	if fn != nil {
		s.wait = fn
	}
}

// Run enables presence once and serves one accepted session per iteration.
// Recoverable session errors are logged; any other error is returned.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Session.Validate(); err != nil {
		return err
	}
	if err := enablePresence(ctx, s.p, roleServer); err != nil {
		return err
	}
	log.Info().Bool("echo", s.cfg.Echo).Msg("securesession.Server.Run start")

	for n := 0; s.cfg.MaxAccepts <= 0 || n < s.cfg.MaxAccepts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.ServeOne(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !provider.IsRecoverable(err) {
				return err
			}
			kind, _ := provider.KindOf(err)
			log.Warn().Err(err).Str("kind", string(kind)).Msg("securesession.Server recoverable error")
		}
		if err := s.wait(ctx, s.cfg.Session.AcceptPause); err != nil {
			return err
		}
	}
	return nil
}

// ServeOne constructs a listening session, accepts one peer, and handles it.
// Every session it creates is released before it returns.
func (s *Server) ServeOne(ctx context.Context) error {
	listener, err := s.p.ConstructSession()
	if err != nil {
		return fmt.Errorf("securesession: construct: %w", err)
	}
	observability.RecordSession(roleServer, "construct")

	accepted, err := listener.Accept(ctx)
	release(s.p, listener, roleServer)
	if err != nil {
		return fmt.Errorf("securesession: accept: %w", err)
	}
	observability.RecordSession(roleServer, "open")
	defer closeAndRelease(s.p, accepted, roleServer)

	peer, err := accepted.Peer()
	if err != nil {
		return fmt.Errorf("securesession: peer: %w", err)
	}
	log.Info().Str("session", accepted.ID()).Str("peer", peer.Alias).Msg("securesession.Server accepted")

	if s.cfg.Echo {
		return s.echo(ctx, accepted, peer)
	}
	data, err := accepted.Read(ctx, s.cfg.Session.MaxReadBytes, s.cfg.Session.ReadTimeout)
	if err != nil {
		return fmt.Errorf("securesession: read from %s: %w", peer.Alias, err)
	}
	log.Info().
		Str("session", accepted.ID()).
		Str("peer", peer.Alias).
		Str("text", string(data)).
		Msg("securesession.Server received")
	return nil
}

func (s *Server) echo(ctx context.Context, sess provider.Session, peer provider.Contact) error {
	for {
		data, err := sess.Read(ctx, s.cfg.Session.MaxReadBytes, s.cfg.Session.ReadTimeout)
		if err != nil {
			if kind, ok := provider.KindOf(err); ok && (kind == provider.KindTimeout || kind == provider.KindConnectionReset) {
				log.Debug().Str("session", sess.ID()).Str("kind", string(kind)).Msg("securesession.Server echo ended")
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("securesession: echo read from %s: %w", peer.Alias, err)
		}
		log.Info().Str("peer", peer.Alias).Str("text", string(data)).Msg("securesession.Server echo")
		if err := sess.Write(ctx, data); err != nil {
			return fmt.Errorf("securesession: echo write to %s: %w", peer.Alias, err)
		}
	}
}
