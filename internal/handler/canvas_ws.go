package handler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"canvas-backend/internal/config"
	"canvas-backend/internal/hub"
	"canvas-backend/internal/model"
)

// CanvasWSHandler attaches WebSocket connections to session coordinators and
// pumps inbound frames into them. All ordering and fanout lives in the hub;
// this layer only decodes frames and maps read errors to a disconnect.
type CanvasWSHandler struct {
	hub *hub.Hub
	cfg *config.Config
}

// NewCanvasWSHandler creates a CanvasWSHandler.
func NewCanvasWSHandler(h *hub.Hub, cfg *config.Config) *CanvasWSHandler {
	return &CanvasWSHandler{hub: h, cfg: cfg}
}

// HandleWebSocket handles one canvas connection for its whole lifetime.
func (h *CanvasWSHandler) HandleWebSocket(c *websocket.Conn) {
	sessionID, ok1 := c.Locals("sessionId").(string)
	userID, ok2 := c.Locals("userId").(string)
	displayName, ok3 := c.Locals("displayName").(string)
	if !ok1 || !ok2 || !ok3 || sessionID == "" || userID == "" {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","code":"invalid_session","message":"missing identity"}`))
		c.Close()
		return
	}

	watermark, _ := c.Locals("watermark").(uint64)

	client := hub.NewClient(userID, displayName, c,
		h.cfg.Session.OutboundQueueSize,
		h.cfg.Session.PresenceDropMark,
		h.cfg.WebSocket.WriteTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	coord, err := h.hub.Connect(ctx, sessionID, client, watermark)
	cancel()
	if err != nil {
		log.Printf("[CanvasWS] Connect rejected: session=%s user=%s err=%v", sessionID, userID, err)
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","code":"session_not_found","message":"session is not available"}`))
		c.Close()
		return
	}

	log.Printf("[CanvasWS] Client connected: session=%s user=%s", sessionID, userID)

	defer func() {
		coord.Disconnect(userID, client)
		client.Close()
		log.Printf("[CanvasWS] Client disconnected: session=%s user=%s", sessionID, userID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			return
		}

		var frame hub.InboundFrame
		if err := json.Unmarshal(msgBytes, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case model.FrameStroke:
			if frame.Stroke != nil {
				coord.Stroke(userID, *frame.Stroke)
			}
		case model.FrameHeartbeat:
			coord.Heartbeat(userID)
		case model.FramePing:
			// ping doubles as a liveness signal
			coord.Heartbeat(userID)
			client.Pong()
		case model.FrameRename:
			if frame.NewName != "" {
				coord.Rename(userID, frame.NewName)
			}
		case model.FrameClear:
			coord.Clear(userID)
		case model.FrameLeave:
			coord.Leave(userID)
			return
		}
	}
}
