// Package server exposes the gateway's HTTP surface: the native Anthropic
// Messages endpoint, the OpenAI-compatible Chat Completions endpoint, and
// a handful of introspection routes.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/claude-box/internal/auth"
	"github.com/tingly-dev/claude-box/internal/client"
	"github.com/tingly-dev/claude-box/internal/config"
	"github.com/tingly-dev/claude-box/internal/constant"
	"github.com/tingly-dev/claude-box/internal/db"
	"github.com/tingly-dev/claude-box/internal/normalize"
	"github.com/tingly-dev/claude-box/internal/obs/otel"
	"github.com/tingly-dev/claude-box/internal/registry"
	"github.com/tingly-dev/claude-box/internal/server/middleware"
	"github.com/tingly-dev/claude-box/internal/thinking"
)

// Server is the HTTP gateway.
type Server struct {
	config     *config.AppConfig
	authMgr    *auth.Manager
	registry   *registry.Registry
	normalizer *normalize.Normalizer
	cache      *thinking.Cache

	pool      *client.TransportPool
	anthropic *client.AnthropicClient

	engine     *gin.Engine
	httpServer *http.Server
	watcher    *config.ProviderWatcher
	errorMW    *middleware.ErrorLog

	tracker    *otel.TokenTracker
	usageStore *db.UsageStore

	host    string
	version string
}

// Option configures the server.
type Option func(*Server)

// WithHost sets the listen host. Empty means localhost.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithTracker attaches an OTel usage tracker.
func WithTracker(tracker *otel.TokenTracker) Option {
	return func(s *Server) { s.tracker = tracker }
}

// WithUsageStore attaches the persistent usage ledger.
func WithUsageStore(store *db.UsageStore) Option {
	return func(s *Server) { s.usageStore = store }
}

// WithAnthropicClient overrides the upstream client. Used by tests.
func WithAnthropicClient(c *client.AnthropicClient) Option {
	return func(s *Server) { s.anthropic = c }
}

// NewServer wires the gateway together.
func NewServer(cfg *config.AppConfig, authMgr *auth.Manager, opts ...Option) *Server {
	cache := thinking.NewDefaultCache()
	pool := client.NewTransportPool()

	s := &Server{
		config:     cfg,
		authMgr:    authMgr,
		registry:   registry.New(cfg.Providers().List()),
		normalizer: normalize.New(cache),
		cache:      cache,
		pool:       pool,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.anthropic == nil {
		var clientOpts []client.AnthropicOption
		if proxyURL := cfg.Server().GetProxyURL(); proxyURL != "" {
			clientOpts = append(clientOpts, client.WithProxy(proxyURL))
		}
		s.anthropic = client.NewAnthropicClient(pool, clientOpts...)
	}

	if !cfg.GetDebug() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()

	errorLogPath := filepath.Join(constant.GetLogDir(cfg.ConfigDir()), constant.ErrorLogFileName)
	s.errorMW = middleware.NewErrorLog(errorLogPath, 10)
	if filter := cfg.Server().GetErrorLogFilter(); filter != "" {
		if err := s.errorMW.SetFilterExpression(filter); err != nil {
			logrus.Warnf("invalid error log filter %q, using default: %v", filter, err)
		}
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.setupProviderWatcher()

	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(s.errorMW.Middleware())
	s.engine.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.Health)
	s.engine.GET("/auth/status", s.AuthStatus)

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", s.ListModels)
		v1.GET("/models/:id", s.GetModel)
		v1.POST("/messages", s.Messages)
		v1.POST("/messages/count_tokens", s.CountTokens)
		v1.POST("/chat/completions", s.ChatCompletions)
	}
}

// setupProviderWatcher hot-reloads the registry when providers.yaml
// changes on disk.
func (s *Server) setupProviderWatcher() {
	watcher, err := config.NewProviderWatcher(s.config.Providers())
	if err != nil {
		logrus.Warnf("provider hot-reload disabled: %v", err)
		return
	}
	watcher.AddCallback(func(providers []config.Provider) {
		s.registry.SetProviders(providers)
		logrus.Infof("provider config reloaded, %d providers", len(providers))
	})
	s.watcher = watcher
}

// Start begins serving and blocks until the listener fails or the server
// is stopped.
func (s *Server) Start(port int) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logrus.Warnf("failed to start provider watcher: %v", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", s.host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	serverError := make(chan error, 1)
	go func() {
		serverError <- s.httpServer.ListenAndServe()
	}()

	if err := waitForPort(addr, 2*time.Second); err != nil {
		select {
		case e := <-serverError:
			return e
		default:
			return fmt.Errorf("timeout: server did not start on %s: %v", addr, err)
		}
	}

	logrus.Infof("listening on %s", addr)
	return <-serverError
}

// waitForPort polls until the listener accepts connections.
func waitForPort(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("port %s not reachable", addr)
}

// GetRouter exposes the gin engine for handler tests.
func (s *Server) GetRouter() *gin.Engine {
	return s.engine
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.errorMW != nil {
		s.errorMW.Stop()
	}
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
