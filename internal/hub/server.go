package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/loomwatch/internal/api/rest"
	"github.com/KevinKickass/loomwatch/internal/auth"
	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server exposes the hub's websocket endpoints over HTTP.
type Server struct {
	router *gin.Engine
	hub    *Hub
	issuer *auth.Issuer
	logger *zap.Logger
	server *http.Server
}

func NewServer(cfg config.HubConfig, hub *Hub, issuer *auth.Issuer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		hub:    hub,
		issuer: issuer,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting hub server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Hub server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down hub server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(rest.LoggerMiddleware(s.logger))

	s.router.GET("/health", s.healthCheck)

	s.router.GET("/ws/telar", func(c *gin.Context) {
		ServeWs(s.hub, s.issuer, EndpointTelar, c.Writer, c.Request)
	})
	s.router.GET("/ws/supervisor", func(c *gin.Context) {
		ServeWs(s.hub, s.issuer, EndpointSupervisor, c.Writer, c.Request)
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"connected_clients": s.hub.ClientCount(),
		"timestamp":         time.Now().Unix(),
	})
}
