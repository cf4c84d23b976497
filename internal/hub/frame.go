package hub

import (
	"encoding/json"
	"log"

	"canvas-backend/internal/model"
	"canvas-backend/internal/presence"
)

// Frame is the JSON envelope for every message on the canvas WebSocket,
// both directions.
type Frame struct {
	Type string `json:"type"`

	// presence events
	Participant  *presence.Participant  `json:"participant,omitempty"`
	Participants []presence.Participant `json:"participants,omitempty"`

	// live stroke fan-out
	Stroke *model.StrokeEvent `json:"stroke,omitempty"`

	// replay for new/reconnecting clients
	Events    []model.StrokeEvent `json:"events,omitempty"`
	Watermark uint64              `json:"watermark,omitempty"`

	// errors
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// StrokeRequest is the client-submitted body of a stroke frame. Sequence and
// timestamp are assigned server-side; nothing here is trusted for ordering.
type StrokeRequest struct {
	StrokeID  string        `json:"strokeId"`
	Points    []model.Point `json:"points"`
	Color     string        `json:"color"`
	BrushSize float64       `json:"brushSize"`
	End       bool          `json:"end,omitempty"`
}

// InboundFrame is what clients send: a type plus the fields that type uses.
type InboundFrame struct {
	Type    string         `json:"type"`
	Stroke  *StrokeRequest `json:"stroke,omitempty"`
	NewName string         `json:"newName,omitempty"`
}

func mustMarshal(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// frames are built from our own types; a marshal failure is a bug
		log.Printf("[Hub] Failed to marshal %s frame: %v", f.Type, err)
		return []byte(`{"type":"error","code":"internal"}`)
	}
	return data
}
