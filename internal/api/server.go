package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"trade-replicator/internal/capture"
	"trade-replicator/internal/config"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/symbols"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Deps are the components the HTTP surface exposes. Adapter is nil on worker-only processes.
type Deps struct {
	Role        string
	Ledger      *ledger.Ledger
	Adapter     *capture.Adapter
	Mapper      *symbols.Mapper
	Concurrency int
}

// APIServer provides the capture ingress and the ledger review endpoints.
type APIServer struct {
	server    *http.Server
	handler   *Handler
	logger    *zap.Logger
	StartTime time.Time
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(cfg *config.Config, deps Deps, logger *zap.Logger) *APIServer {
	logger = logger.Named("api-server")
	s := &APIServer{
		logger:    logger,
		StartTime: time.Now().UTC(),
	}
	s.handler = &Handler{
		logger:  logger,
		deps:    deps,
		secret:  []byte(cfg.Capture.Secret),
		started: s.StartTime,
	}

	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(logger))
	s.handler.Load(g)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *APIServer) Handler() http.Handler { return s.server.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *APIServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
