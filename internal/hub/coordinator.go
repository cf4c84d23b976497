package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"canvas-backend/internal/config"
	"canvas-backend/internal/directory"
	"canvas-backend/internal/model"
	"canvas-backend/internal/presence"
	"canvas-backend/internal/strokelog"
)

// errClosed is returned when a command races with coordinator teardown.
// Callers recover by re-resolving the session through the hub, which spawns
// a fresh coordinator.
var errClosed = errors.New("session coordinator closed")

// how often directory activity is flushed at most
const touchCoalesce = 3 * time.Second

// Coordinator owns all live state for one session: the presence registry, the
// stroke log and the connected clients. Every mutating operation flows
// through one command channel consumed by a single goroutine, which is what
// gives stroke events their total order without trusting client clocks.
type Coordinator struct {
	sessionID string
	hub       *Hub
	cfg       config.SessionConfig
	dir       *directory.Directory
	mirror    Mirror

	registry *presence.Registry
	log      *strokelog.Log

	// owned by the run goroutine
	clients   map[string]*Client
	buckets   map[string]*tokenBucket
	lastTouch time.Time

	commands  chan command
	idleTimer *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.RWMutex
	state model.SessionState
}

type command interface{}

type joinCmd struct {
	client    *Client
	watermark uint64
	reply     chan error
}

type strokeCmd struct {
	userID string
	req    StrokeRequest
}

type heartbeatCmd struct{ userID string }

type renameCmd struct {
	userID  string
	newName string
}

type leaveCmd struct{ userID string }

type disconnectCmd struct {
	userID string
	client *Client
}

type clearCmd struct{ userID string }

func newCoordinator(sessionID string, hub *Hub, cfg config.SessionConfig, dir *directory.Directory, mirror Mirror) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sessionID: sessionID,
		hub:       hub,
		cfg:       cfg,
		dir:       dir,
		mirror:    mirror,
		registry:  presence.New(sessionID, cfg.HeartbeatInterval),
		log:       strokelog.New(cfg.LogRetention),
		clients:   make(map[string]*Client),
		buckets:   make(map[string]*tokenBucket),
		commands:  make(chan command, 64),
		// a session with zero joins still times out into Closed
		idleTimer: time.NewTimer(cfg.IdleTimeout),
		ctx:       ctx,
		cancel:    cancel,
		state:     model.StateEmpty,
	}
	go c.run()
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() model.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s model.SessionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Printf("[Session %s] %s -> %s", c.sessionID, prev, s)
	}
}

// Participants returns the current membership snapshot, join order.
func (c *Coordinator) Participants() []presence.Participant {
	return c.registry.List()
}

// ParticipantCount returns the current member count.
func (c *Coordinator) ParticipantCount() int {
	return c.registry.Len()
}

// Snapshot returns the retained stroke window.
func (c *Coordinator) Snapshot() []model.StrokeEvent {
	return c.log.SnapshotAll()
}

// LastSeq returns the highest assigned sequence number.
func (c *Coordinator) LastSeq() uint64 {
	return c.log.LastSeq()
}

// Join registers a client and blocks until the coordinator has queued its
// replay and presence snapshot. The replay frame is enqueued before any live
// frame can follow, so the client never observes event N+1 before N.
func (c *Coordinator) Join(client *Client, watermark uint64) error {
	cmd := joinCmd{client: client, watermark: watermark, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.ctx.Done():
		return errClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.ctx.Done():
		return errClosed
	}
}

// Stroke submits a stroke event for sequencing and fan-out.
func (c *Coordinator) Stroke(userID string, req StrokeRequest) {
	c.send(strokeCmd{userID: userID, req: req})
}

// Heartbeat refreshes a participant's liveness.
func (c *Coordinator) Heartbeat(userID string) {
	c.send(heartbeatCmd{userID: userID})
}

// Rename changes a participant's display name and advertises it.
func (c *Coordinator) Rename(userID, newName string) {
	c.send(renameCmd{userID: userID, newName: newName})
}

// Leave removes a participant explicitly, faster than heartbeat expiry.
func (c *Coordinator) Leave(userID string) {
	c.send(leaveCmd{userID: userID})
}

// Disconnect reports a dropped connection without an explicit leave. The
// participant stays registered until heartbeat expiry removes it.
func (c *Coordinator) Disconnect(userID string, client *Client) {
	c.send(disconnectCmd{userID: userID, client: client})
}

// Clear wipes the session canvas for everyone.
func (c *Coordinator) Clear(userID string) {
	c.send(clearCmd{userID: userID})
}

func (c *Coordinator) send(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.ctx.Done():
	}
}

// run is the single consumer of all mutating operations for this session.
func (c *Coordinator) run() {
	sweep := time.NewTicker(c.cfg.HeartbeatInterval / 2)
	defer sweep.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.commands:
			c.handle(cmd)
		case now := <-sweep.C:
			c.sweepExpired(now)
		case <-c.idleTimer.C:
			c.closeIfIdle()
		}
	}
}

func (c *Coordinator) handle(cmd command) {
	switch cmd := cmd.(type) {
	case joinCmd:
		cmd.reply <- c.handleJoin(cmd.client, cmd.watermark)
	case strokeCmd:
		c.handleStroke(cmd.userID, cmd.req)
	case heartbeatCmd:
		if c.registry.Heartbeat(cmd.userID) {
			c.touchActivity()
		}
	case renameCmd:
		c.handleRename(cmd.userID, cmd.newName)
	case leaveCmd:
		c.handleLeave(cmd.userID)
	case disconnectCmd:
		c.handleDisconnect(cmd.userID, cmd.client)
	case clearCmd:
		c.handleClear(cmd.userID)
	}
}

func (c *Coordinator) handleJoin(client *Client, watermark uint64) error {
	member, fresh := c.registry.Join(client.UserID, client.DisplayName)

	// a reconnect replaces the user's previous connection
	if old, ok := c.clients[client.UserID]; ok && old != client {
		old.Close()
	}
	c.clients[client.UserID] = client
	go client.writePump()

	// replay strictly before anything live
	events := c.log.RecentSince(watermark)
	replay := mustMarshal(Frame{
		Type:      model.FrameReplay,
		Events:    events,
		Watermark: c.log.LastSeq(),
	})
	if err := client.enqueue(classControl, replay); err != nil {
		c.dropClient(client.UserID, "replay overflow")
		return err
	}

	joined := mustMarshal(Frame{
		Type:         model.FrameJoined,
		Participant:  &member,
		Participants: c.registry.List(),
	})
	if err := client.enqueue(classControl, joined); err != nil {
		c.dropClient(client.UserID, "join overflow")
		return err
	}

	if fresh {
		c.broadcast(classPresence, mustMarshal(Frame{
			Type:        model.FrameJoined,
			Participant: &member,
		}), client.UserID)
	}

	c.idleTimer.Stop()
	c.setState(model.StateActive)
	c.touchActivity()
	log.Printf("[Session %s] %s joined (watermark=%d, members=%d)",
		c.sessionID, client.UserID, watermark, c.registry.Len())
	return nil
}

func (c *Coordinator) handleStroke(userID string, req StrokeRequest) {
	client, ok := c.clients[userID]
	if !ok {
		return
	}

	bucket, ok := c.buckets[userID]
	if !ok {
		bucket = newTokenBucket(c.cfg.StrokeRatePerSec, c.cfg.StrokeBurst)
		c.buckets[userID] = bucket
	}
	// a stroke already in progress is never cut mid-gesture
	if !bucket.allow(time.Now()) && !c.log.IsOpen(req.StrokeID) {
		client.enqueue(classControl, mustMarshal(Frame{
			Type:    model.FrameError,
			Code:    "rate_limited",
			Message: ErrRateLimited.Error(),
		}))
		return
	}

	ev := c.log.Append(userID, req.StrokeID, req.Points, req.Color, req.BrushSize, req.End)
	c.broadcast(classStroke, mustMarshal(Frame{
		Type:   model.FrameStroke,
		Stroke: &ev,
	}), "")

	if c.mirror != nil {
		go func(ev model.StrokeEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c.mirror.AddStroke(ctx, c.sessionID, ev)
		}(ev)
	}
	c.touchActivity()
}

func (c *Coordinator) handleRename(userID, newName string) {
	p, ok := c.registry.Rename(userID, newName)
	if !ok {
		return
	}
	if client, ok := c.clients[userID]; ok {
		client.DisplayName = newName
	}
	c.broadcast(classPresence, mustMarshal(Frame{
		Type:        model.FrameRenamed,
		Participant: &p,
	}), "")
	c.touchActivity()
}

func (c *Coordinator) handleLeave(userID string) {
	p, ok := c.registry.Leave(userID)
	if !ok {
		return
	}
	c.log.CloseAuthorStrokes(userID)
	if client, ok := c.clients[userID]; ok {
		client.Close()
		delete(c.clients, userID)
	}
	delete(c.buckets, userID)

	c.broadcast(classPresence, mustMarshal(Frame{
		Type:        model.FrameLeft,
		Participant: &p,
	}), "")
	log.Printf("[Session %s] %s left (members=%d)", c.sessionID, userID, c.registry.Len())
	c.touchActivity()
	c.drainIfEmpty()
}

func (c *Coordinator) handleDisconnect(userID string, client *Client) {
	// only unmap if this is still the user's current connection; a reconnect
	// may already have replaced it
	if current, ok := c.clients[userID]; ok && current == client {
		delete(c.clients, userID)
	}
	client.Close()
	// the registry entry stays until heartbeat expiry: membership is derived
	// from liveness, never from client self-report
}

func (c *Coordinator) handleClear(userID string) {
	if _, ok := c.clients[userID]; !ok {
		return
	}
	c.log.Clear()
	if c.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c.mirror.ClearSession(ctx, c.sessionID)
		}()
	}
	c.broadcast(classStroke, mustMarshal(Frame{Type: model.FrameClear}), "")
	log.Printf("[Session %s] Canvas cleared by %s", c.sessionID, userID)
	c.touchActivity()
}

// sweepExpired removes participants silent for 3x the heartbeat interval,
// emitting exactly one left event each.
func (c *Coordinator) sweepExpired(now time.Time) {
	expired := c.registry.Expire(now)
	for _, p := range expired {
		c.log.CloseAuthorStrokes(p.UserID)
		if client, ok := c.clients[p.UserID]; ok {
			client.Close()
			delete(c.clients, p.UserID)
		}
		delete(c.buckets, p.UserID)
		participant := p
		c.broadcast(classPresence, mustMarshal(Frame{
			Type:        model.FrameLeft,
			Participant: &participant,
		}), "")
		log.Printf("[Session %s] %s expired after heartbeat silence", c.sessionID, p.UserID)
	}
	if len(expired) > 0 {
		c.drainIfEmpty()
	}
}

// drainIfEmpty starts the idle timer once the last participant is gone.
// A brief mass-disconnect re-enters Active on the next join instead of
// tearing the session down.
func (c *Coordinator) drainIfEmpty() {
	if c.registry.Len() != 0 || len(c.clients) != 0 {
		return
	}
	c.setState(model.StateDraining)
	c.idleTimer.Stop()
	c.idleTimer.Reset(c.cfg.IdleTimeout)
}

// closeIfIdle finishes the Draining (or never-joined Empty) lifecycle:
// release in-memory state, mark the directory entry inactive and unregister
// from the hub. The session id stays joinable; a later join builds a fresh
// coordinator seeded from the Redis mirror.
func (c *Coordinator) closeIfIdle() {
	if c.registry.Len() != 0 || len(c.clients) != 0 {
		return
	}
	c.setState(model.StateClosed)
	c.dir.MarkInactive(c.sessionID)
	c.hub.remove(c.sessionID, c)
	c.cancel()
	log.Printf("[Session %s] Closed after idle timeout", c.sessionID)
}

// broadcast fans a frame out to every connected client (minus exclude) in
// publish order. A client that cannot absorb a critical frame is dropped,
// never allowed to stall the rest of the session.
func (c *Coordinator) broadcast(class frameClass, data []byte, exclude string) {
	var dropped []string
	for userID, client := range c.clients {
		if userID == exclude {
			continue
		}
		if err := client.enqueue(class, data); err != nil {
			dropped = append(dropped, userID)
		}
	}
	for _, userID := range dropped {
		c.dropClient(userID, "outbound backlog over hard cap")
	}
}

func (c *Coordinator) dropClient(userID, reason string) {
	client, ok := c.clients[userID]
	if !ok {
		return
	}
	log.Printf("[Session %s] Dropping %s: %s", c.sessionID, userID, reason)
	client.Close()
	delete(c.clients, userID)
	// presence expires through the heartbeat path, same as any lost connection
}

// touchActivity records directory activity, coalesced so chatty sessions do
// not hammer the store.
func (c *Coordinator) touchActivity() {
	now := time.Now()
	if now.Sub(c.lastTouch) < touchCoalesce {
		return
	}
	c.lastTouch = now
	go c.dir.TouchActivity(c.sessionID)
}
