package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/echoctl/internal/auth"
	"github.com/danmuck/echoctl/internal/config"
	"github.com/danmuck/echoctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Server exposes a Store over the relay HTTP API.
type Server struct {
	cfg       config.RelayConfig
	store     Store
	validator auth.Validator
	router    *gin.Engine
	started   time.Time

	// enrollMu serializes read-modify-write on directory entries.
	enrollMu sync.Mutex
	now      func() time.Time
}

func NewServer(cfg config.RelayConfig, store Store) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger(cfg.Name)))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
			AllowMethods: []string{"GET", "POST", "PUT"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	var validator auth.Validator
	if strings.TrimSpace(cfg.Token) != "" {
		validator = auth.StaticToken{Token: cfg.Token}
	}
	s := &Server{
		cfg:       cfg,
		store:     store,
		validator: validator,
		router:    r,
		started:   time.Now(),
		now:       time.Now,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("relay", s.cfg.Name).Str("addr", s.cfg.Addr).Msg("relay.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Str("relay", s.cfg.Name).Msg("relay.Server.Serve stopped")
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"relay":  s.cfg.Name,
		})
	})
	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ready": true, "store": s.cfg.Store})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/")
	api.Use(s.requireToken())
	api.POST("/enroll", s.handleEnroll)
	api.GET("/identity/:alias", s.handleIdentity)
	api.GET("/contacts", s.handleContacts)
	api.POST("/subscriptions/:alias", s.handleSubscribe)
	api.PUT("/presence/:alias", s.handlePutPresence)
	api.GET("/presence/:alias", s.handleGetPresence)
	api.POST("/mail/:alias", s.handlePushMail)
	api.GET("/mail/:alias", s.handleDrainMail)
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.validator == nil {
			c.Next()
			return
		}
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err == nil {
			err = s.validator.Validate(token)
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

// Enroll registers (or re-registers with the same key) the identity in req.
func (s *Server) Enroll(req EnrollRequest) (Identity, error) {
	id, err := ParseEnrollment(req)
	if err != nil {
		return Identity{}, err
	}
	s.enrollMu.Lock()
	defer s.enrollMu.Unlock()

	existing, err := s.store.GetIdentity(id.Alias)
	switch {
	case err == nil:
		if existing.Enrolled() && !bytes.Equal(existing.PublicKey, id.PublicKey) {
			return Identity{}, fmt.Errorf("%w: alias %q enrolled with another key", ErrConflict, id.Alias)
		}
		id.Capabilities = normalizeCapabilities(append(existing.Capabilities, id.Capabilities...))
		id.SubscribedAt = existing.SubscribedAt
		id.Revision = existing.Revision + 1
	case errors.Is(err, ErrNotFound):
		id.Revision = 1
	default:
		return Identity{}, err
	}
	id.EnrolledAt = s.now().UTC()
	if err := s.store.PutIdentity(id); err != nil {
		return Identity{}, err
	}
	log.Info().Str("alias", id.Alias).Str("handle", id.Handle()).Uint64("revision", id.Revision).Msg("relay enrolled")
	return id, nil
}

func (s *Server) handleEnroll(c *gin.Context) {
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	id, err := s.Enroll(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, id)
}

func (s *Server) handleIdentity(c *gin.Context) {
	id, err := s.store.GetIdentity(c.Param("alias"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, id)
}

func (s *Server) handleContacts(c *gin.Context) {
	ids, err := s.store.ListIdentities()
	if err != nil {
		writeError(c, err)
		return
	}
	contacts := make([]Contact, 0, len(ids))
	for _, id := range ids {
		if id.Enrolled() {
			contacts = append(contacts, id.Contact())
		}
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

func (s *Server) handleSubscribe(c *gin.Context) {
	alias := c.Param("alias")
	s.enrollMu.Lock()
	defer s.enrollMu.Unlock()
	id, err := s.enrolled(alias)
	if err != nil {
		writeError(c, err)
		return
	}
	id.SubscribedAt = s.now().UTC()
	if err := s.store.PutIdentity(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePutPresence(c *gin.Context) {
	alias := c.Param("alias")
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Addr) == "" {
		writeError(c, fmt.Errorf("%w: addr required", ErrBadRequest))
		return
	}
	if _, err := s.enrolled(alias); err != nil {
		writeError(c, err)
		return
	}
	p := Presence{Alias: alias, Addr: strings.TrimSpace(req.Addr), UpdatedAt: s.now().UTC()}
	if err := s.store.PutPresence(p); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetPresence(c *gin.Context) {
	p, err := s.store.GetPresence(c.Param("alias"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handlePushMail queues mail for an enrolled recipient. The sender must be
// enrolled too; with one shared bearer token the relay cannot tell callers
// apart, so From is only as trustworthy as the token holders.
func (s *Server) handlePushMail(c *gin.Context) {
	to := c.Param("alias")
	var req mailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if strings.TrimSpace(req.Service) == "" || strings.TrimSpace(req.From) == "" {
		writeError(c, fmt.Errorf("%w: from and service required", ErrBadRequest))
		return
	}
	from := strings.TrimSpace(req.From)
	if _, err := s.enrolled(from); err != nil {
		writeError(c, fmt.Errorf("sender: %w", err))
		return
	}
	if _, err := s.enrolled(to); err != nil {
		writeError(c, err)
		return
	}
	m, err := s.store.PushMail(Mail{
		From:     from,
		To:       to,
		Service:  req.Service,
		Payload:  req.Payload,
		Priority: req.Priority,
		SentAt:   s.now().UTC(),
	}, s.cfg.MailLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": m.ID})
}

func (s *Server) handleDrainMail(c *gin.Context) {
	msgs, err := s.store.DrainMail(c.Param("alias"), c.Query("service"))
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []Mail{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) enrolled(alias string) (Identity, error) {
	id, err := s.store.GetIdentity(alias)
	if err != nil {
		return Identity{}, err
	}
	if !id.Enrolled() {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotEnrolled, alias)
	}
	return id, nil
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotEnrolled):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrMailboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
