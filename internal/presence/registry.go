package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Participant is a user's live membership record within one session.
type Participant struct {
	UserID          string    `json:"userId"`
	DisplayName     string    `json:"displayName"`
	Color           string    `json:"color"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// palette of stable participant colors. A user's color is a deterministic
// hash of userID+sessionID, so the same user keeps the same color across
// reconnects within a session without any persistent storage.
var palette = []string{
	"#ef4444", "#f97316", "#f59e0b", "#84cc16",
	"#10b981", "#06b6d4", "#3b82f6", "#8b5cf6",
	"#d946ef", "#ec4899", "#14b8a6", "#6366f1",
}

// ColorFor derives the stable palette color for a user within a session.
func ColorFor(userID, sessionID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte(sessionID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Registry is the authoritative membership list for one session. Mutations
// are serialized by the owning session coordinator; the lock guards read
// snapshots taken from outside it.
type Registry struct {
	mu        sync.RWMutex
	sessionID string
	expiry    time.Duration
	members   map[string]*Participant
}

// New creates a registry for a session. heartbeatInterval is the expected
// client heartbeat cadence; entries silent for 3x that interval expire.
func New(sessionID string, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		sessionID: sessionID,
		expiry:    3 * heartbeatInterval,
		members:   make(map[string]*Participant),
	}
}

// Join registers a user, assigning the deterministic color. A duplicate join
// (reconnect) refreshes the heartbeat and display name but keeps the original
// join time. Returns the member record and whether it is a new membership.
func (r *Registry) Join(userID, displayName string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if p, ok := r.members[userID]; ok {
		p.DisplayName = displayName
		p.LastHeartbeatAt = now
		return *p, false
	}

	p := &Participant{
		UserID:          userID,
		DisplayName:     displayName,
		Color:           ColorFor(userID, r.sessionID),
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	r.members[userID] = p
	return *p, true
}

// Heartbeat refreshes a member's liveness. Returns false for unknown users.
func (r *Registry) Heartbeat(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[userID]
	if !ok {
		return false
	}
	p.LastHeartbeatAt = time.Now()
	return true
}

// Rename updates a member's display name. Returns the updated record.
func (r *Registry) Rename(userID, newDisplayName string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[userID]
	if !ok {
		return Participant{}, false
	}
	p.DisplayName = newDisplayName
	return *p, true
}

// Leave removes a member explicitly, short-circuiting heartbeat expiry.
func (r *Registry) Leave(userID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[userID]
	if !ok {
		return Participant{}, false
	}
	delete(r.members, userID)
	return *p, true
}

// Expire removes members whose heartbeat is older than the expiry window and
// returns them, each exactly once.
func (r *Registry) Expire(now time.Time) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Participant
	for userID, p := range r.members {
		if now.Sub(p.LastHeartbeatAt) > r.expiry {
			expired = append(expired, *p)
			delete(r.members, userID)
		}
	}
	return expired
}

// List returns a snapshot of current members ordered by join time.
func (r *Registry) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len returns the number of current members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
