package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/loomwatch/internal/auth"
	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// detachedTimeout bounds a fire-and-forget device write.
const detachedTimeout = 30 * time.Second

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	issuer *auth.Issuer
	logger *zap.Logger
	server *http.Server
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, issuer *auth.Issuer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		issuer: issuer,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getSystemStatus)

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			// Read operations: public
			devices.GET("", s.listDevices)
			devices.GET("/:key", s.getDevice)

			// Write operations: operator
			devices.POST("/:key/target", s.issuer.Middleware(auth.RoleOperator), s.setTarget)
			devices.POST("/:key/reset", s.issuer.Middleware(auth.RoleOperator), s.resetCounter)
			devices.POST("/:key/end-shift", s.issuer.Middleware(auth.RoleOperator), s.endShift)
		}

		// ==================== REGISTRY (OPERATOR) ====================
		registry := v1.Group("/registry")
		registry.Use(s.issuer.Middleware(auth.RoleOperator))
		{
			registry.POST("/reload", s.reloadRegistry)
		}
	}
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// detach runs fn after the response has been sent. Failures are logged only.
func (s *Server) detach(action, device string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Error("Detached device command failed",
				zap.String("action", action),
				zap.String("device", device),
				zap.Error(err))
		}
	}()
}
