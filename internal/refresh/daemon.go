// Package refresh keeps identity material current on a self-rescheduling timer.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/echoctl/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseInterval = 3600 * time.Second
	DefaultFastRetry    = 30 * time.Second
)

var ErrSyncRequired = errors.New("refresh: sync func required")

// SyncFunc refreshes identity data once.
type SyncFunc func(ctx context.Context) error

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Config struct {
	BaseInterval time.Duration
	FastRetry    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseInterval: DefaultBaseInterval,
		FastRetry:    DefaultFastRetry,
	}
}

// Status is a snapshot for the admin surface.
type Status struct {
	Runs      uint64
	Failures  uint64
	LastError string
	LastRun   time.Time
	NextDelay time.Duration
}

// Daemon runs sync immediately, then again after BaseInterval on success
// or FastRetry on failure. Failures never stop the loop.
type Daemon struct {
	cfg  Config
	sync SyncFunc
	wait WaitFunc

	mu     sync.RWMutex
	status Status
}

func New(cfg Config, fn SyncFunc) *Daemon {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.FastRetry <= 0 {
		cfg.FastRetry = DefaultFastRetry
	}
	return &Daemon{cfg: cfg, sync: fn, wait: waitTimer}
}

// SetWaitFunc replaces the timer wait; tests use it to observe scheduled delays.
func (d *Daemon) SetWaitFunc(fn WaitFunc) {
	if fn != nil {
		d.wait = fn
	}
}

// Run loops until ctx is cancelled and then returns ctx.Err().
func (d *Daemon) Run(ctx context.Context) error {
	if d.sync == nil {
		return ErrSyncRequired
	}
	log.Info().
		Dur("base", d.cfg.BaseInterval).
		Dur("fast_retry", d.cfg.FastRetry).
		Msg("refresh.Daemon.Run start")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := d.Step(ctx)
		if err := d.wait(ctx, next); err != nil {
			log.Debug().Msg("refresh.Daemon.Run stopped")
			return err
		}
	}
}

// Step runs one sync and returns the delay before the next one.
func (d *Daemon) Step(ctx context.Context) time.Duration {
	err := d.sync(ctx)
	next := d.NextDelay(err)

	d.mu.Lock()
	d.status.Runs++
	d.status.LastRun = time.Now()
	d.status.NextDelay = next
	if err != nil {
		d.status.Failures++
		d.status.LastError = err.Error()
	} else {
		d.status.LastError = ""
	}
	d.mu.Unlock()

	observability.RecordRefresh(err == nil, next)
	if err != nil {
		log.Warn().Err(err).Dur("retry_in", next).Msg("refresh.Daemon sync failed")
	} else {
		log.Debug().Dur("next", next).Msg("refresh.Daemon sync ok")
	}
	return next
}

// NextDelay maps one sync result to the following delay.
func (d *Daemon) NextDelay(err error) time.Duration {
	if err != nil {
		return d.cfg.FastRetry
	}
	return d.cfg.BaseInterval
}

func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func waitTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
