// Package api exposes the status and control HTTP surface: health,
// Prometheus metrics, loop stats, mode control, and SEMI_AUTO
// confirmations.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/advisor"
	"github.com/fibflow/fibflow/internal/config"
	"github.com/fibflow/fibflow/internal/engine"
	"github.com/fibflow/fibflow/internal/ensemble"
	"github.com/fibflow/fibflow/internal/market"
	"github.com/fibflow/fibflow/internal/mode"
	"github.com/fibflow/fibflow/internal/risk"
)

// Server is the REST control surface for the trading loop.
type Server struct {
	router *gin.Engine
	mgr    *mode.Manager
	eng    *engine.Engine
	risk   *risk.Manager
	cache  *market.Cache
	orch   *ensemble.Orchestrator
	adv    *advisor.Advisor
	addr   string
	server *http.Server
	logger zerolog.Logger
}

// Deps bundles the server's collaborators.
type Deps struct {
	Manager  *mode.Manager
	Engine   *engine.Engine
	Risk     *risk.Manager
	Cache    *market.Cache
	Ensemble *ensemble.Orchestrator
	Advisor  *advisor.Advisor
}

// NewServer builds the API server and its routes.
func NewServer(cfg config.APIConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		mgr:    deps.Manager,
		eng:    deps.Engine,
		risk:   deps.Risk,
		cache:  deps.Cache,
		orch:   deps.Ensemble,
		adv:    deps.Advisor,
		addr:   cfg.GetAPIAddr(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/stats", s.handleStats)
		v1.GET("/mode", s.handleGetMode)
		v1.POST("/mode", s.handleSetMode)
		v1.GET("/confirmations", s.handleListConfirmations)
		v1.POST("/confirmations/:id", s.handleConfirm)
		v1.GET("/trades", s.handleOpenTrades)
		v1.GET("/trades/history", s.handleTradeHistory)
		v1.GET("/risk", s.handleRisk)
		v1.GET("/providers", s.handleProviders)
		v1.POST("/sentiment", s.handleSentiment)
		v1.POST("/emergency-stop", s.handleEmergencyStop)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs each request with latency and status.
func LoggerMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
