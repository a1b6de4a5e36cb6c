package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/echoctl/internal/identity"
	"github.com/danmuck/echoctl/internal/messaging"
	"github.com/danmuck/echoctl/internal/protocol/session"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/danmuck/echoctl/internal/refresh"
	"github.com/danmuck/echoctl/internal/securesession"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStore      = "~/.echoctl/store"
	DefaultCapability = "com::danmuck::echo"
	csrFileName       = "newkey.smcsr"
)

var ErrInvalidConfig = errors.New("echo: invalid config")

// ServiceConfig configures one orchestrator process.
type ServiceConfig struct {
	StoreName       string
	Password        string
	CommonName      string
	Addresses       []string
	AppCapabilities []string

	Service         string
	Peer            string
	Channel         Channel
	Messages        []string
	SessionPayloads []string

	Refresh refresh.Config

	SendPriority      int
	SendTimeout       time.Duration
	SendPacing        time.Duration
	SendFailurePolicy messaging.FailurePolicy
	PollInterval      time.Duration
	Echo              bool
	AwaitEcho         bool

	Session session.Config

	AdminAddr string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		StoreName:         DefaultStore,
		AppCapabilities:   []string{DefaultCapability},
		Service:           messaging.DefaultService,
		Refresh:           refresh.DefaultConfig(),
		SendPriority:      messaging.DefaultPriority,
		SendTimeout:       messaging.DefaultTimeout,
		SendPacing:        messaging.DefaultPacing,
		SendFailurePolicy: messaging.PolicyContinue,
		PollInterval:      messaging.DefaultPoll,
		Session:           session.DefaultConfig(),
	}
}

// Validate checks knobs that would otherwise fail only after bring-up.
func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.StoreName) == "" {
		return fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cn := c.ResolvedCommonName(); cn == "" || cn == "." || strings.ContainsAny(cn, "/ \t") {
		return fmt.Errorf("%w: dn %q is not a usable alias", ErrInvalidConfig, cn)
	}
	if strings.TrimSpace(c.Service) == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidConfig)
	}
	if c.Refresh.BaseInterval <= 0 || c.Refresh.FastRetry <= 0 {
		return fmt.Errorf("%w: refresh intervals must be > 0", ErrInvalidConfig)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("%w: send_timeout must be > 0", ErrInvalidConfig)
	}
	if c.SendPacing < 0 || c.PollInterval < 0 {
		return fmt.Errorf("%w: pacing must be >= 0", ErrInvalidConfig)
	}
	if _, err := messaging.ParseFailurePolicy(string(c.SendFailurePolicy)); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	_, err := SelectMode(c)
	return err
}

// ResolvedCommonName is the CSR common name: CommonName when set, otherwise
// the key store's directory name.
func (c ServiceConfig) ResolvedCommonName() string {
	if cn := strings.TrimSpace(c.CommonName); cn != "" {
		return cn
	}
	store := strings.TrimRight(strings.TrimSpace(c.StoreName), "/")
	if store == "" || store == "~" {
		return ""
	}
	return filepath.Base(store)
}

// Status is the admin view of a running service.
type Status struct {
	Identity identity.Status `json:"identity"`
	Mode     Mode            `json:"mode"`
	Peer     string          `json:"peer,omitempty"`
	Refresh  refresh.Status  `json:"refresh"`
	Uptime   string          `json:"uptime"`
}

// Service runs the orchestrator lifecycle.
type Service struct {
	cfg      ServiceConfig
	identity *identity.Session
	daemon   *refresh.Daemon
	out      io.Writer
	started  time.Time

	mu      sync.RWMutex
	mode    Mode
	contact provider.Contact

	// modeHook, when set, replaces the mode loops; tests use it to observe dispatch.
	modeHook func(ctx context.Context, mode Mode, to provider.Contact) error
}

func NewService(cfg ServiceConfig, p provider.Provider) *Service {
	idCfg := identity.Config{
		StoreName:       cfg.StoreName,
		Password:        cfg.Password,
		DN:              provider.DistinguishedName{CommonName: cfg.ResolvedCommonName()},
		Addresses:       cfg.Addresses,
		AppCapabilities: cfg.AppCapabilities,
		CSRPath:         csrPath(cfg.StoreName),
	}
	s := &Service{
		cfg:      cfg,
		identity: identity.New(p, idCfg),
		out:      os.Stdout,
		started:  time.Now(),
	}
	s.daemon = refresh.New(cfg.Refresh, s.identity.SyncIdentityData)
	return s
}

// SetOutput redirects the CSR printout emitted when provisioning.
func (s *Service) SetOutput(w io.Writer) {
	if w != nil {
		s.out = w
	}
}

// Run blocks until SIGINT/SIGTERM or a fatal error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext brings the identity up and runs the selected mode until ctx is
// done. Cancellation is a clean shutdown and returns nil.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	mode, _ := SelectMode(s.cfg)
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	defer s.identity.Close()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	adminErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adminErr <- s.serveAdmin(runCtx, s.cfg.AdminAddr)
		}()
	}

	outcome, err := s.bootstrap(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if outcome == identity.OutcomeProvisioned {
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.daemon.Run(runCtx)
	}()

	modeErr := make(chan error, 1)
	go func() {
		modeErr <- s.dispatch(runCtx, mode)
	}()

	select {
	case err := <-modeErr:
		if ctx.Err() != nil {
			log.Info().Str("mode", string(mode)).Msg("echo.Service shutdown")
			return nil
		}
		return err
	case err := <-adminErr:
		cancel()
		<-modeErr
		if err != nil {
			return fmt.Errorf("echo: admin server: %w", err)
		}
		return nil
	}
}

// bootstrap runs identity bring-up; a provisioned store prints its CSR and stops.
func (s *Service) bootstrap(ctx context.Context) (identity.Outcome, error) {
	outcome, err := s.identity.Bringup(ctx)
	if err != nil {
		return "", err
	}
	if outcome == identity.OutcomeProvisioned {
		if csr, ok := s.identity.CSR(); ok {
			fmt.Fprintf(s.out, "%s\n", strings.TrimSpace(csr.Content))
			fmt.Fprintf(s.out, "capabilities: %s\n", strings.Join(csr.Capabilities, ","))
			fmt.Fprintf(s.out, "csr written to %s; enroll it and restart\n", csrPath(s.cfg.StoreName))
		}
		return outcome, nil
	}
	status := s.identity.Status()
	log.Info().
		Str("store", status.StoreName).
		Str("phase", string(status.Phase)).
		Msg("echo.Service.bootstrap ready")
	return outcome, nil
}

func (s *Service) dispatch(ctx context.Context, mode Mode) error {
	var to provider.Contact
	if mode.IsClient() {
		c, err := s.identity.ResolveContact(s.cfg.Peer)
		if err != nil {
			return err
		}
		to = c
		s.mu.Lock()
		s.contact = c
		s.mu.Unlock()
	}
	log.Info().Str("mode", string(mode)).Str("peer", to.Alias).Msg("echo.Service.dispatch")
	if s.modeHook != nil {
		return s.modeHook(ctx, mode, to)
	}

	p := s.identity.Provider()
	switch mode {
	case ModeMessageClient:
		return messaging.NewClient(p, to, s.messageClientConfig()).Run(ctx)
	case ModeMessageServer:
		return messaging.NewServer(p, s.messageServerConfig()).Run(ctx)
	case ModeSessionClient:
		return securesession.NewClient(p, to, securesession.ClientConfig{
			Payloads:  s.cfg.SessionPayloads,
			AwaitEcho: s.cfg.AwaitEcho,
			Session:   s.cfg.Session,
		}).Run(ctx)
	case ModeSessionServer:
		return securesession.NewServer(p, securesession.ServerConfig{
			Echo:    s.cfg.Echo,
			Session: s.cfg.Session,
		}).Run(ctx)
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidConfig, mode)
	}
}

func (s *Service) messageClientConfig() messaging.ClientConfig {
	return messaging.ClientConfig{
		Service:  s.cfg.Service,
		Payloads: s.cfg.Messages,
		Priority: s.cfg.SendPriority,
		Timeout:  s.cfg.SendTimeout,
		Pacing:   s.cfg.SendPacing,
		Policy:   s.cfg.SendFailurePolicy,
	}
}

func (s *Service) messageServerConfig() messaging.ServerConfig {
	return messaging.ServerConfig{
		Service:  s.cfg.Service,
		Poll:     s.cfg.PollInterval,
		Echo:     s.cfg.Echo,
		EchoOpts: s.messageClientConfig().SendOptions(),
	}
}

func (s *Service) Status() Status {
	s.mu.RLock()
	mode := s.mode
	peer := s.contact.Alias
	s.mu.RUnlock()
	return Status{
		Identity: s.identity.Status(),
		Mode:     mode,
		Peer:     peer,
		Refresh:  s.daemon.Status(),
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
	}
}

func (s *Service) Ready() bool {
	return s.identity.IsActive()
}

func csrPath(store string) string {
	dir, err := homedir.Expand(strings.TrimSpace(store))
	if err != nil || dir == "" {
		return ""
	}
	return filepath.Join(dir, csrFileName)
}
