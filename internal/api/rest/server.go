package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/api/websocket"
	"github.com/KevinKickass/OpenScheduleCore/internal/auth"
	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Fan-outs wait for every node, so writes get more room than reads.
		WriteTimeout: cfg.Cloud.RequestTimeout*2 + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
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
	s.router.GET("/metrics", s.metrics)

	requireAuth := s.authService.AuthMiddleware()

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ENDPOINTS (PUBLIC) ====================
		authPublic := v1.Group("/auth")
		{
			authPublic.POST("/login", s.login)
			authPublic.POST("/refresh", s.refreshToken)
		}

		// ==================== AUTH ENDPOINTS (AUTHENTICATED) ====================
		authProtected := v1.Group("/auth")
		authProtected.Use(requireAuth)
		{
			authProtected.POST("/logout", s.logout)
			authProtected.POST("/logout-all", s.logoutEverywhere)
			authProtected.GET("/me", s.getCurrentUser)
		}

		// ==================== USER MANAGEMENT (ADMIN ONLY) ====================
		users := v1.Group("/users")
		users.Use(requireAuth)
		users.Use(auth.RequirePermission(auth.PermAdmin))
		{
			users.POST("", s.createUser)
			users.GET("", s.listUsers)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(requireAuth)
		system.Use(auth.RequirePermission(auth.PermViewSchedules))
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== SCHEDULES ====================
		schedules := v1.Group("/schedules")
		schedules.Use(requireAuth)
		{
			read := auth.RequirePermission(auth.PermViewSchedules)
			write := auth.RequirePermission(auth.PermEditSchedules)

			schedules.GET("", read, s.listSchedules)
			schedules.GET("/devices", read, s.availableDevices)
			schedules.GET("/:id", read, s.getSchedule)
			schedules.GET("/:id/operations", read, s.listOperations)

			schedules.POST("", write, s.createSchedule)
			schedules.POST("/refresh", write, s.refreshSchedules)
			schedules.PUT("/:id", write, s.updateSchedule)
			schedules.DELETE("/:id", write, s.deleteSchedule)
			schedules.POST("/:id/remove-nodes", write, s.removeScheduleNodes)
			schedules.POST("/:id/enable", write, s.enableSchedule)
			schedules.POST("/:id/disable", write, s.disableSchedule)
		}

		// ==================== NODES ====================
		nodes := v1.Group("/nodes")
		nodes.Use(requireAuth)
		{
			nodes.GET("", auth.RequirePermission(auth.PermViewSchedules), s.listNodes)
			nodes.GET("/:id", auth.RequirePermission(auth.PermViewSchedules), s.getNode)
			nodes.POST("/refresh", auth.RequirePermission(auth.PermEditSchedules), s.refreshSchedules)
			nodes.POST("/:id/refresh", auth.RequirePermission(auth.PermEditSchedules), s.refreshNode)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", requireAuth, auth.RequirePermission(auth.PermViewSchedules), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}
