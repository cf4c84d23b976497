package server

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"canvas-backend/internal/auth"
	"canvas-backend/internal/cache"
	"canvas-backend/internal/config"
	"canvas-backend/internal/directory"
	"canvas-backend/internal/handler"
	"canvas-backend/internal/hub"
)

// Server wires the Fiber app over the session directory and the hub.
type Server struct {
	app             *fiber.App
	cfg             *config.Config
	db              *gorm.DB
	hub             *hub.Hub
	sessionHandler  *handler.SessionHandler
	canvasWSHandler *handler.CanvasWSHandler
	healthHandler   *handler.HealthHandler
	jwtManager      *auth.JWTManager
}

// New builds the server. db and redis may be nil; the directory then runs on
// the in-memory store and strokes are not mirrored.
func New(cfg *config.Config, db *gorm.DB, redis *cache.RedisClient) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "Canvas Session Gateway",
		ServerHeader:    "Fiber",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Prefork:         false, // incompatible with WebSocket session state
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
	})

	var store directory.Store
	if db != nil {
		store = directory.NewGormStore(db)
	} else {
		log.Println("[Server] No database configured, session directory runs in memory")
		store = directory.NewMemoryStore()
	}
	dir := directory.New(store, cfg.Session.DirectoryTimeout, cfg.Session.FreshnessWindow)

	// a typed nil must not end up inside the Mirror interface
	var mirror hub.Mirror
	if redis != nil {
		mirror = redis
	}
	h := hub.New(cfg.Session, dir, mirror)
	dir.SetLiveCounter(h)

	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret)
	}

	return &Server{
		app:             app,
		cfg:             cfg,
		db:              db,
		hub:             h,
		sessionHandler:  handler.NewSessionHandler(dir, h, redis),
		canvasWSHandler: handler.NewCanvasWSHandler(h, cfg),
		healthHandler:   handler.NewHealthHandler(db, redis, h),
		jwtManager:      jwtManager,
	}
}

// SetupMiddleware installs recover, logging and CORS.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs all REST and WebSocket routes.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// session creation is the only write amplifier worth limiting
	createLimiter := limiter.New(limiter.Config{
		Max:        30,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	sessionGroup := s.app.Group("/api/sessions", s.identityMiddleware())
	sessionGroup.Post("", createLimiter, s.sessionHandler.CreateSession)
	sessionGroup.Get("", s.sessionHandler.ListSessions)
	sessionGroup.Get("/:sessionId", s.sessionHandler.GetSession)
	sessionGroup.Get("/:sessionId/participants", s.sessionHandler.GetParticipants)
	sessionGroup.Get("/:sessionId/strokes", s.sessionHandler.GetStrokes)

	s.app.Get("/ws/canvas/:sessionId", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		sessionID := c.Params("sessionId")
		if sessionID == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		userID, displayName, ok := s.resolveIdentity(c)
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		if displayName == "" {
			displayName = userID
		}

		// resume watermark: last sequence the client already holds
		var watermark uint64
		if since := c.Query("since"); since != "" {
			if v, err := strconv.ParseUint(since, 10, 64); err == nil {
				watermark = v
			}
		}

		c.Locals("sessionId", sessionID)
		c.Locals("userId", userID)
		c.Locals("displayName", displayName)
		c.Locals("watermark", watermark)

		return c.Next()
	}, websocket.New(s.canvasWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// identityMiddleware resolves the caller identity for REST routes. Identity is
// optional here; handlers that need it validate the userId themselves.
func (s *Server) identityMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID, displayName, ok := s.resolveIdentity(c); ok {
			c.Locals("userId", userID)
			c.Locals("displayName", displayName)
		}
		return c.Next()
	}
}

// resolveIdentity extracts the caller identity. With a JWT secret configured
// the access_token cookie is authoritative; otherwise the opaque userId/name
// query parameters from the upstream identity subsystem are trusted as-is.
func (s *Server) resolveIdentity(c *fiber.Ctx) (userID, displayName string, ok bool) {
	if s.jwtManager != nil {
		accessToken := c.Cookies("access_token")
		if accessToken == "" {
			return "", "", false
		}
		claims, err := s.jwtManager.ValidateAccessToken(accessToken)
		if err != nil {
			return "", "", false
		}
		return claims.UserID, claims.DisplayName, true
	}

	userID = c.Query("userId")
	if userID == "" {
		return "", "", false
	}
	return userID, c.Query("name"), true
}

// Start runs the server until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("[Server] Shutting down...")
		s.hub.Shutdown()
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("[Server] Canvas Session Gateway starting on %s", s.cfg.Server.Port)
	log.Printf("[Server] WebSocket endpoint: ws://localhost%s/ws/canvas/:sessionId", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the hub and the HTTP listener.
func (s *Server) Shutdown() error {
	s.hub.Shutdown()
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
