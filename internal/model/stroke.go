package model

import "time"

// Point is one sampled position of a stroke. Pressure is optional.
type Point struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Pressure *float64 `json:"pressure,omitempty"`
}

// StrokeEvent is one atomic increment of drawing data. Sequence numbers are
// assigned by the session coordinator, never by clients; events sharing a
// StrokeID belong to one continuous pen-down-to-pen-up gesture and are
// reconstructed by grouping on StrokeID in sequence order.
type StrokeEvent struct {
	Sequence     uint64    `json:"seq"`
	AuthorUserID string    `json:"authorUserId"`
	StrokeID     string    `json:"strokeId"`
	Points       []Point   `json:"points"`
	Color        string    `json:"color"`
	BrushSize    float64   `json:"brushSize"`
	End          bool      `json:"end,omitempty"` // pen-up marker closing the stroke
	Timestamp    time.Time `json:"timestamp"`
}
