// Package server exposes the daemon's admin surface: health, metrics, and the
// session discovery endpoints the embedding process uses to feed the
// registry. The outer TLS/WebSocket front-end is not part of this process.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/amoylab/rendez/internal/broker"
	"github.com/amoylab/rendez/internal/registry"
	"github.com/amoylab/rendez/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	logger   *zap.Logger
	registry *registry.Registry
	broker   *broker.Broker
	metrics  *metrics.Metrics
}

func New(logger *zap.Logger, reg *registry.Registry, b *broker.Broker, m *metrics.Metrics) *Server {
	return &Server{
		logger:   logger.Named("admin"),
		registry: reg,
		broker:   b,
		metrics:  m,
	}
}

// Router builds the admin route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.HTTPHandler()))
	}

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions", s.handleRegisterSession)
		api.DELETE("/sessions", s.handleUnregisterSession)
		api.POST("/sessions/resolve", s.handleResolveSession)
	}
	return router
}

// Run serves the admin surface until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("admin server started", zap.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rendezvous_socket": s.broker.SocketPath(),
		"pending_handoffs":  s.broker.PendingCount(),
		"sessions":          s.registry.Len(),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List())
}

type registerSessionRequest struct {
	Endpoint  string   `json:"endpoint" binding:"required"`
	Workspace []string `json:"workspace"`
}

func (s *Server) handleRegisterSession(c *gin.Context) {
	var req registerSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.registry.Register(registry.Session{
		Endpoint:  req.Endpoint,
		Workspace: req.Workspace,
	})
	c.JSON(http.StatusCreated, gin.H{"endpoint": req.Endpoint})
}

func (s *Server) handleUnregisterSession(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	s.registry.Unregister(endpoint)
	c.Status(http.StatusNoContent)
}

type resolveSessionRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) handleResolveSession(c *gin.Context) {
	var req resolveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	endpoint, ok := s.registry.BestLiveSessionForFile(c.Request.Context(), req.Path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live session for path"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": endpoint})
}
