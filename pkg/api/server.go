// Package api exposes the HTTP ingress surface: message trigger intake,
// the per-conversation pause switch, run supersession, and health and
// metrics endpoints. Handlers are thin; all semantics live in the queue,
// pause, and dedup packages.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/queue"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolReporter exposes worker pool health.
type PoolReporter interface {
	Health() *queue.PoolHealth
}

// Producer is the trigger intake the server forwards new messages to.
type Producer interface {
	OnNewMessage(ctx context.Context, params queue.NewMessageParams) error
	Supersede(ctx context.Context, conversationID string, direction models.Direction) error
}

// Pauser controls the per-conversation kill switch.
type Pauser interface {
	Pause(ctx context.Context, conversationID string, until *time.Time) error
	Resume(ctx context.Context, conversationID string) error
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfg      config.ServerConfig
	producer Producer
	pauser   Pauser
	db       Pinger
	pool     PoolReporter
}

// NewServer creates the API server. db and pool may be nil; the health
// endpoints then skip the corresponding checks.
func NewServer(cfg config.ServerConfig, producer Producer, pauser Pauser, db Pinger, pool PoolReporter) *Server {
	return &Server{
		cfg:      cfg,
		producer: producer,
		pauser:   pauser,
		db:       db,
		pool:     pool,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	router.GET("/health", s.healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/triggers", s.createTriggerHandler)
		v1.POST("/conversations/:id/pause", s.pauseHandler)
		v1.POST("/conversations/:id/resume", s.resumeHandler)
		v1.POST("/conversations/:id/supersede", s.supersedeHandler)
		v1.GET("/system/health", s.systemHealthHandler)
	}
	return router
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
