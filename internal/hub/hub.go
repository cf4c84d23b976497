package hub

import (
	"context"
	"errors"
	"log"
	"sync"

	"canvas-backend/internal/config"
	"canvas-backend/internal/directory"
	"canvas-backend/internal/model"
)

// Mirror is the durable stroke mirror behind coordinators, satisfied by
// *cache.RedisClient. Pass nil to run without one.
type Mirror interface {
	AddStroke(ctx context.Context, sessionID string, ev model.StrokeEvent) error
	GetStrokes(ctx context.Context, sessionID string) ([]model.StrokeEvent, error)
	ClearSession(ctx context.Context, sessionID string) error
}

// Hub maps session ids to their live coordinators. Sessions are fully
// independent resource domains: the hub lock only guards the map, never the
// per-session hot path.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Coordinator

	cfg    config.SessionConfig
	dir    *directory.Directory
	mirror Mirror
}

// New creates a hub. mirror may be nil; the stroke mirror is then disabled
// and re-activated sessions start from an empty canvas.
func New(cfg config.SessionConfig, dir *directory.Directory, mirror Mirror) *Hub {
	return &Hub{
		sessions: make(map[string]*Coordinator),
		cfg:      cfg,
		dir:      dir,
		mirror:   mirror,
	}
}

// GetOrCreate resolves a session id to its live coordinator, spawning one if
// the session is currently Closed or was never activated. The id must exist
// in the directory; re-joining a Closed session is a normal transition.
func (h *Hub) GetOrCreate(ctx context.Context, sessionID string) (*Coordinator, error) {
	if _, err := h.dir.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	h.mu.RLock()
	c, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok && c.State() != model.StateClosed {
		return c, nil
	}

	// fetch the mirror outside the lock; a slow fetch for one session must
	// not stall joins into every other session
	var seed []model.StrokeEvent
	if h.mirror != nil {
		if events, err := h.mirror.GetStrokes(ctx, sessionID); err == nil {
			seed = events
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// a concurrent caller may have spawned it while we were fetching
	if c, ok := h.sessions[sessionID]; ok && c.State() != model.StateClosed {
		return c, nil
	}

	c = newCoordinator(sessionID, h, h.cfg, h.dir, h.mirror)
	if len(seed) > 0 {
		c.log.Seed(seed)
		log.Printf("[Hub] Seeded session %s with %d mirrored events", sessionID, len(seed))
	}
	h.sessions[sessionID] = c
	log.Printf("[Hub] Spawned coordinator for session %s", sessionID)
	return c, nil
}

// Ensure spawns a coordinator for a freshly created session so the idle
// lifecycle starts counting even before the first join.
func (h *Hub) Ensure(ctx context.Context, sessionID string) {
	if _, err := h.GetOrCreate(ctx, sessionID); err != nil {
		log.Printf("[Hub] Failed to ensure session %s: %v", sessionID, err)
	}
}

// Connect joins a client into a session, retrying once if the join races
// with an idle teardown (the coordinator closes between lookup and join).
func (h *Hub) Connect(ctx context.Context, sessionID string, client *Client, watermark uint64) (*Coordinator, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c, err := h.GetOrCreate(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := c.Join(client, watermark); err != nil {
			if errors.Is(err, errClosed) {
				continue
			}
			return nil, err
		}
		return c, nil
	}
	return nil, errClosed
}

// Get returns the live coordinator for a session, if any.
func (h *Hub) Get(sessionID string) (*Coordinator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.sessions[sessionID]
	return c, ok
}

// remove unregisters a coordinator, called by the coordinator itself when it
// closes. The pointer comparison guards against removing a replacement.
func (h *Hub) remove(sessionID string, c *Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.sessions[sessionID]; ok && current == c {
		delete(h.sessions, sessionID)
	}
}

// LiveSessionIDs returns ids of sessions with connected participants.
// Implements directory.LiveCounter.
func (h *Hub) LiveSessionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for id, c := range h.sessions {
		if c.ParticipantCount() > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown cancels every live coordinator. Connections unwind through their
// read loops.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.sessions {
		c.cancel()
		delete(h.sessions, id)
	}
	log.Printf("[Hub] Shutdown complete")
}
