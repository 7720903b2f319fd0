// Package control serves the local HTTP API used to inspect and drive a
// running monitor.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/logging"
	"github.com/ppiankov/changebell/internal/monitor"
	"github.com/ppiankov/changebell/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Monitor is the part of the monitor the API exposes.
type Monitor interface {
	Status() monitor.Status
	Checking() bool
	CheckNow(ctx context.Context) (*monitor.CycleReport, error)
	TestNotification(ctx context.Context) error
	Config() *config.Config
	UpdateConfig(ctx context.Context, patch config.Patch) (*config.Config, error)
}

// History lists recorded notifications.
type History interface {
	RecentDeliveries(ctx context.Context, limit int) ([]store.Delivery, error)
}

// Server wraps the gin engine with the daemon's lifetime.
type Server struct {
	handler *Handler
	engine  *gin.Engine
	log     logging.Logger
}

// NewServer builds the engine with all routes. history may be nil.
// Background checks started through the API run with ctx.
func NewServer(ctx context.Context, m Monitor, history History, log logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	log = log.With(logging.String("comp", "control"))
	h := &Handler{monitor: m, history: history, log: log, ctx: ctx}

	r := gin.New()
	r.Use(requestLogger(log))
	r.Use(gin.Recovery())
	setupRoutes(r, h)

	return &Server{handler: h, engine: r, log: log}
}

func setupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/history", h.History)
	r.POST("/check", h.Check)
	r.POST("/test-notification", h.TestNotification)
	r.GET("/config", h.GetConfig)
	r.PATCH("/config", h.PatchConfig)
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Wait blocks until background checks started through the API finish.
func (s *Server) Wait() { s.handler.wg.Wait() }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control api listening", logging.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
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
		s.log.Info("control api stopped")
		return nil
	}
}

func requestLogger(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			logging.String("method", c.Request.Method),
			logging.String("path", c.Request.URL.Path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("took", time.Since(start)),
		)
	}
}
