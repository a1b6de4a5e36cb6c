package securesession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/echoctl/internal/observability"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/rs/zerolog/log"
)

const (
	roleClient = "client"
	roleServer = "server"
)

var ErrPresence = errors.New("securesession: enable presence")

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
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

func enablePresence(ctx context.Context, p provider.Provider, role string) error {
	if err := p.EnablePresence(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPresence, err)
	}
	log.Info().Str("role", role).Msg("securesession presence enabled")
	return nil
}

// closeAndRelease closes s and then releases it, even when close fails.
func closeAndRelease(p provider.Provider, s provider.Session, role string) {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Str("session", s.ID()).Str("role", role).Msg("securesession close failed")
	}
	observability.RecordSession(role, "close")
	release(p, s, role)
}

func release(p provider.Provider, s provider.Session, role string) {
	if err := p.ReleaseSession(s); err != nil {
		log.Warn().Err(err).Str("session", s.ID()).Str("role", role).Msg("securesession release failed")
		return
	}
	observability.RecordSession(role, "release")
}
