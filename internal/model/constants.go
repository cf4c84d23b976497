package model

// SessionState is the coordinator lifecycle for one canvas session.
// A session id is never dead from a client's perspective: Closed only means
// the in-memory state was reclaimed and any join re-activates it.
type SessionState int

const (
	StateEmpty SessionState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame types on the canvas WebSocket, both directions.
const (
	FrameJoined    = "joined"
	FrameLeft      = "left"
	FrameRenamed   = "renamed"
	FrameStroke    = "stroke"
	FrameReplay    = "replay"
	FrameClear     = "clear"
	FrameError     = "error"
	FramePong      = "pong"
	FrameHeartbeat = "heartbeat"
	FrameRename    = "rename"
	FrameLeave     = "leave"
	FramePing      = "ping"
)
