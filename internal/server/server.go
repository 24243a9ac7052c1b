// Package server exposes the sync engine over HTTP: a JSON API for triggering
// syncs and editing settings, a GitHub webhook and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	gosync "sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/schaermu/cfgsyncd/internal/activation"
	"github.com/schaermu/cfgsyncd/internal/config"
	"github.com/schaermu/cfgsyncd/internal/settings"
	cfgsync "github.com/schaermu/cfgsyncd/internal/sync"
)

// Syncer runs sync cycles. *sync.Engine is the production implementation.
type Syncer interface {
	Sync(ctx context.Context) (*cfgsync.Result, error)
	WorkDir() string
}

// Server implements the HTTP server
type Server struct {
	cfg    *config.Config
	engine Syncer
	store  settings.Store
	logger *slog.Logger

	secret   []byte
	accounts gin.Accounts

	// baseCtx outlives single requests so a shared sync is not cancelled
	// when the client that started it disconnects.
	baseCtx context.Context
	group   singleflight.Group

	syncMu      gosync.Mutex // guards syncRunning and syncPending
	syncRunning bool         // whether a webhook sync is currently in progress
	syncPending bool         // whether another sync is needed after the current one
	debounce    *debouncer

	statusMu gosync.RWMutex
	last     *syncStatus
}

// syncStatus is the outcome of the most recent sync, whatever triggered it.
type syncStatus struct {
	Trigger    string          `json:"trigger"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Result     *cfgsync.Result `json:"result,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// NewServer creates a new HTTP server. Secrets referenced by the config are
// read once here.
func NewServer(cfg *config.Config, engine Syncer, store settings.Store, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		logger:  logger,
		baseCtx: context.Background(),
		debounce: &debouncer{
			delay: 2 * time.Second,
		},
	}

	if cfg.WebhookEnabled() {
		secret, err := readSecret(cfg.Serve.GitHubWebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = secret
	}

	if cfg.Serve.APICredentialsFile != "" {
		creds, err := readSecret(cfg.Serve.APICredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read API credentials: %w", err)
		}
		user, pass, ok := strings.Cut(string(creds), ":")
		if !ok || user == "" || pass == "" {
			return nil, errors.New("API credentials must have the form user:password")
		}
		s.accounts = gin.Accounts{user: pass}
	}

	return s, nil
}

// readSecret reads a file and trims surrounding whitespace and newlines.
func readSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery(), requestLogger(s.logger))

	if len(s.cfg.Serve.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.Serve.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	if s.accounts != nil {
		api.Use(gin.BasicAuth(s.accounts))
	}
	api.POST("/sync", s.handleSync)
	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)
	api.POST("/settings/test", s.handleTestSettings)
	api.GET("/status", s.handleStatus)

	if s.secret != nil {
		router.POST("/webhook/github", s.handleWebhook)
	}

	return router
}

// Start serves HTTP until ctx is cancelled. An initial sync runs in the
// background so the settings API is reachable even when it fails.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	ln, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Sync requests are bounded by the git command timeout instead.
		WriteTimeout:   0,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	s.logger.Info("performing initial sync")
	go s.performSync(ctx, "startup")

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			"addr", ln.Addr().String(),
			"socket_activated", activated,
			"webhook", s.secret != nil)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSync runs one sync and records its outcome for /api/status.
func (s *Server) runSync(ctx context.Context, trigger string) (*cfgsync.Result, error) {
	res, err := s.engine.Sync(ctx)

	st := &syncStatus{
		Trigger:    trigger,
		Success:    err == nil,
		Result:     res,
		FinishedAt: time.Now(),
	}
	if err != nil {
		st.Error = err.Error()
		st.Kind = cfgsync.KindOf(err).String()
	}

	s.statusMu.Lock()
	s.last = st
	s.statusMu.Unlock()

	return res, err
}

// syncShared coalesces concurrent API requests into a single sync.
func (s *Server) syncShared() (*cfgsync.Result, error) {
	v, err, shared := s.group.Do("sync", func() (any, error) {
		return s.runSync(s.baseCtx, "api")
	})
	if shared {
		s.logger.Debug("joined running sync")
	}
	res, _ := v.(*cfgsync.Result)
	return res, err
}

func (s *Server) lastStatus() *syncStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.last
}
