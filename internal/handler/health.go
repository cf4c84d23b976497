package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"canvas-backend/internal/cache"
	"canvas-backend/internal/hub"
)

// HealthHandler reports component health. The database and Redis are both
// optional; a missing component reports not_configured rather than unhealthy.
type HealthHandler struct {
	db    *gorm.DB
	redis *cache.RedisClient
	hub   *hub.Hub
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(db *gorm.DB, redis *cache.RedisClient, h *hub.Hub) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, hub: h}
}

// ComponentCheck is one component's status.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status       string                    `json:"status"`
	Timestamp    string                    `json:"timestamp"`
	LiveSessions int                       `json:"liveSessions"`
	Checks       map[string]ComponentCheck `json:"checks"`
}

// Check reports overall health (DB + Redis + live session count).
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:       "healthy",
		Timestamp:    time.Now().Format(time.RFC3339),
		LiveSessions: len(h.hub.LiveSessionIDs()),
		Checks:       make(map[string]ComponentCheck),
	}

	if h.db != nil {
		dbStart := time.Now()
		sqlDB, err := h.db.DB()
		if err != nil {
			response.Status = "unhealthy"
			response.Checks["database"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "failed to get database connection",
			}
		} else if err := sqlDB.Ping(); err != nil {
			response.Status = "unhealthy"
			response.Checks["database"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "database ping failed",
			}
		} else {
			response.Checks["database"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(dbStart).String(),
			}
		}
	} else {
		response.Checks["database"] = ComponentCheck{Status: "not_configured"}
	}

	if h.redis != nil {
		redisStart := time.Now()
		if err := h.redis.Health(c.Context()); err != nil {
			// the stroke mirror is an optimization, not a dependency
			response.Checks["redis"] = ComponentCheck{
				Status: "degraded",
				Error:  "redis ping failed",
			}
		} else {
			response.Checks["redis"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(redisStart).String(),
			}
		}
	} else {
		response.Checks["redis"] = ComponentCheck{Status: "not_configured"}
	}

	statusCode := fiber.StatusOK
	if response.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(response)
}

// Liveness is the process liveness probe.
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Readiness reports ready once the directory's backing store answers.
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
		}
		if err := sqlDB.Ping(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
		}
	}
	return c.SendString("READY")
}
