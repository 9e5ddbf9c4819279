// Package api is the HTTP surface: the inbound webhook (§6), a
// read-only dashboard WebSocket forwarding Event Bus traffic, and a
// JWT-authenticated admin control surface over EnabledStrategy,
// Overrides and Favorite. Grounded on api/tactics.go's gin.H error/
// response shape and ShouldBindJSON validation pattern, generalized
// from tactic CRUD to the webhook/admin/dashboard surface this system
// needs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"optionflow/config"
	"optionflow/engine"
	"optionflow/eventbus"
	"optionflow/logger"
)

// Server wires the gin router to the Engine/Scheduler/Event Bus.
type Server struct {
	cfg   *config.Config
	eng   *engine.Engine
	sched *engine.Scheduler
	bus   *eventbus.Bus

	router *gin.Engine
	http   *http.Server

	upgrader websocket.Upgrader
}

func New(cfg *config.Config, eng *engine.Engine, sched *engine.Scheduler, bus *eventbus.Bus) *Server {
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg: cfg, eng: eng, sched: sched, bus: bus,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard is read-only and same-origin in the reference
			// deployment; a reverse proxy in front of this process is
			// expected to enforce origin policy for cross-origin cases.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.router.Use(gin.Recovery(), requestLogger())
	s.registerRoutes()

	s.http = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.router,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.POST("/webhook", s.handleWebhook)
	s.router.GET("/dashboard/ws", s.handleDashboardWS)
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	admin := s.router.Group("/admin", jwtAuth(s.cfg.JWTSigningKey))
	{
		admin.GET("/strategies", s.handleListStrategies)
		admin.POST("/strategies/enable", s.handleEnableStrategy)
		admin.POST("/strategies/disable", s.handleDisableStrategy)

		admin.GET("/overrides", s.handleGetOverrides)
		admin.POST("/overrides", s.handleSetOverrides)

		admin.GET("/favorites", s.handleListFavorites)
		admin.POST("/favorites", s.handleCreateFavorite)
		admin.DELETE("/favorites/:id", s.handleDeleteFavorite)
	}
}

// Run starts the HTTP listener; it blocks until the server is shut down
// or ListenAndServe fails for a reason other than a clean Shutdown.
func (s *Server) Run() error {
	logger.Infof("api: listening on %s", s.cfg.HTTPAddr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests with a bounded deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("api: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
