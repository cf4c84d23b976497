package handler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"canvas-backend/internal/cache"
	"canvas-backend/internal/directory"
	"canvas-backend/internal/hub"
	"canvas-backend/internal/model"
	"canvas-backend/internal/presence"
)

// SessionHandler serves the REST surface of the session directory plus the
// polling fallbacks for participants and strokes.
type SessionHandler struct {
	dir   *directory.Directory
	hub   *hub.Hub
	redis *cache.RedisClient
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(dir *directory.Directory, h *hub.Hub, redis *cache.RedisClient) *SessionHandler {
	return &SessionHandler{dir: dir, hub: h, redis: redis}
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	DisplayName   string `json:"displayName"`
	CreatorUserID string `json:"creatorUserId"`
}

// CreateSession creates a session and spawns its coordinator so the idle
// lifecycle starts immediately.
func (h *SessionHandler) CreateSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.DisplayName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "displayName is required"})
	}

	creator := req.CreatorUserID
	if val, ok := c.Locals("userId").(string); ok && val != "" {
		creator = val
	}
	if creator == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "creatorUserId is required"})
	}

	session, shareRef, err := h.dir.CreateSession(c.Context(), req.DisplayName, creator)
	if err != nil {
		if errors.Is(err, directory.ErrStorageUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":     "session storage unavailable, retry later",
				"retryable": true,
			})
		}
		log.Printf("[Session] Create failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create session"})
	}

	h.hub.Ensure(c.Context(), session.ID)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session":  session,
		"shareRef": shareRef,
	})
}

// ListSessions returns active sessions, most recently active first.
func (h *SessionHandler) ListSessions(c *fiber.Ctx) error {
	sessions, err := h.dir.ListActiveSessions(c.Context())
	if err != nil {
		if errors.Is(err, directory.ErrStorageUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":     "session storage unavailable, retry later",
				"retryable": true,
			})
		}
		log.Printf("[Session] List failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list sessions"})
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

// GetSession resolves one session id.
func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	session, ok := h.resolve(c)
	if !ok {
		return nil
	}
	return c.JSON(fiber.Map{
		"session":  session,
		"shareRef": model.ShareReference(session.ID),
	})
}

// GetParticipants is the polling fallback for the live collaborator list.
func (h *SessionHandler) GetParticipants(c *fiber.Ctx) error {
	session, ok := h.resolve(c)
	if !ok {
		return nil
	}

	participants := []presence.Participant{}
	if coord, ok := h.hub.Get(session.ID); ok {
		participants = coord.Participants()
	}
	return c.JSON(fiber.Map{"participants": participants})
}

// GetStrokes returns the retained stroke window for an initial paint without
// a WebSocket. Falls back to the Redis mirror when the session is not live.
func (h *SessionHandler) GetStrokes(c *fiber.Ctx) error {
	session, ok := h.resolve(c)
	if !ok {
		return nil
	}

	var events []model.StrokeEvent
	if coord, ok := h.hub.Get(session.ID); ok {
		events = coord.Snapshot()
	} else if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		events, _ = h.redis.GetStrokes(ctx, session.ID)
	}
	if events == nil {
		events = []model.StrokeEvent{}
	}
	return c.JSON(fiber.Map{"events": events})
}

// resolve loads the session for the :sessionId param. On failure it writes
// the error response and reports false.
func (h *SessionHandler) resolve(c *fiber.Ctx) (*model.Session, bool) {
	sessionID := c.Params("sessionId")
	session, err := h.dir.GetSession(c.Context(), sessionID)
	if err == nil {
		return session, true
	}
	if errors.Is(err, directory.ErrSessionNotFound) {
		c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	} else if errors.Is(err, directory.ErrStorageUnavailable) {
		c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":     "session storage unavailable, retry later",
			"retryable": true,
		})
	} else {
		c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to resolve session"})
	}
	return nil, false
}
