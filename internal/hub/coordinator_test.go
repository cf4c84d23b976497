package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-backend/internal/config"
	"canvas-backend/internal/directory"
	"canvas-backend/internal/model"
)

// fakeConn records written frames. An optional gate blocks writes to simulate
// a slow client.
type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	gate   chan struct{}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	var fr Frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) ofType(frameType string) []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Frame
	for _, fr := range f.frames {
		if fr.Type == frameType {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatInterval: 40 * time.Millisecond,
		IdleTimeout:       60 * time.Millisecond,
		FreshnessWindow:   30 * time.Minute,
		LogRetention:      1000,
		OutboundQueueSize: 256,
		PresenceDropMark:  192,
		StrokeRatePerSec:  1000,
		StrokeBurst:       1000,
		DirectoryTimeout:  time.Second,
	}
}

func newTestHub(t *testing.T, cfg config.SessionConfig) (*Hub, *directory.Directory, string) {
	t.Helper()
	dir := directory.New(directory.NewMemoryStore(), time.Second, 30*time.Minute)
	h := New(cfg, dir, nil)
	dir.SetLiveCounter(h)
	t.Cleanup(h.Shutdown)

	s, _, err := dir.CreateSession(context.Background(), "sketch1", "alice")
	require.NoError(t, err)
	return h, dir, s.ID
}

func joinClient(t *testing.T, c *Coordinator, cfg config.SessionConfig, userID, name string, watermark uint64) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	client := NewClient(userID, name, conn, cfg.OutboundQueueSize, cfg.PresenceDropMark, 0)
	require.NoError(t, c.Join(client, watermark))
	return client, conn
}

func TestJoinStrokeReplayScenario(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, connA := joinClient(t, coord, cfg, "alice", "Alice", 0)
	coord.Stroke("alice", StrokeRequest{
		StrokeID:  "s1",
		Points:    []model.Point{{X: 0, Y: 0}, {X: 10, Y: 10}},
		Color:     "#8b5cf6",
		BrushSize: 5,
		End:       true,
	})

	// alice sees her own stroke with its assigned sequence
	require.Eventually(t, func() bool {
		return len(connA.ofType(model.FrameStroke)) == 1
	}, time.Second, 5*time.Millisecond)
	liveSeq := connA.ofType(model.FrameStroke)[0].Stroke.Sequence

	// bob joins with no watermark and replays the same stroke
	_, connB := joinClient(t, coord, cfg, "bob", "Bob", 0)
	require.Eventually(t, func() bool {
		return len(connB.ofType(model.FrameReplay)) == 1
	}, time.Second, 5*time.Millisecond)

	replay := connB.ofType(model.FrameReplay)[0]
	require.Len(t, replay.Events, 1)
	ev := replay.Events[0]
	assert.Equal(t, liveSeq, ev.Sequence)
	assert.Equal(t, "s1", ev.StrokeID)
	assert.Equal(t, "alice", ev.AuthorUserID)
	require.Len(t, ev.Points, 2)
	assert.Equal(t, 0.0, ev.Points[0].X)
	assert.Equal(t, 10.0, ev.Points[1].Y)
	assert.Equal(t, "#8b5cf6", ev.Color)

	// bob's joined snapshot lists both members with deterministic colors
	joined := connB.ofType(model.FrameJoined)
	require.NotEmpty(t, joined)
	require.Len(t, joined[0].Participants, 2)
	assert.NotEmpty(t, joined[0].Participant.Color)
}

func TestConcurrentStrokesObserveIdenticalOrder(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, connA := joinClient(t, coord, cfg, "alice", "Alice", 0)
	_, connB := joinClient(t, coord, cfg, "bob", "Bob", 0)

	const perUser = 50
	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				coord.Stroke(user, StrokeRequest{
					StrokeID:  user + "-stroke",
					Points:    []model.Point{{X: float64(i), Y: float64(i)}},
					Color:     "#000",
					BrushSize: 3,
					End:       i == perUser-1,
				})
			}
		}(user)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(connA.ofType(model.FrameStroke)) == 2*perUser &&
			len(connB.ofType(model.FrameStroke)) == 2*perUser
	}, 2*time.Second, 5*time.Millisecond)

	seqsOf := func(conn *fakeConn) []uint64 {
		var out []uint64
		for _, fr := range conn.ofType(model.FrameStroke) {
			out = append(out, fr.Stroke.Sequence)
		}
		return out
	}

	seqA := seqsOf(connA)
	seqB := seqsOf(connB)
	require.Equal(t, seqA, seqB)
	for i := 1; i < len(seqA); i++ {
		require.Greater(t, seqA[i], seqA[i-1], "sequence must be strictly increasing")
	}
}

func TestHeartbeatExpiryEmitsSingleLeft(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, _ = joinClient(t, coord, cfg, "alice", "Alice", 0)
	_, connB := joinClient(t, coord, cfg, "bob", "Bob", 0)

	// bob keeps heartbeating, alice goes silent
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				coord.Heartbeat("bob")
			}
		}
	}()

	require.Eventually(t, func() bool {
		return len(connB.ofType(model.FrameLeft)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// exactly one left event, for alice
	time.Sleep(3 * cfg.HeartbeatInterval)
	lefts := connB.ofType(model.FrameLeft)
	require.Len(t, lefts, 1)
	assert.Equal(t, "alice", lefts[0].Participant.UserID)

	// a later joiner does not see alice
	_, connC := joinClient(t, coord, cfg, "carol", "Carol", 0)
	require.Eventually(t, func() bool {
		return len(connC.ofType(model.FrameJoined)) >= 1
	}, time.Second, 5*time.Millisecond)
	for _, p := range connC.ofType(model.FrameJoined)[0].Participants {
		assert.NotEqual(t, "alice", p.UserID)
	}
}

func TestExplicitLeaveIsImmediate(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, _ = joinClient(t, coord, cfg, "alice", "Alice", 0)
	_, connB := joinClient(t, coord, cfg, "bob", "Bob", 0)

	coord.Leave("alice")
	require.Eventually(t, func() bool {
		return len(connB.ofType(model.FrameLeft)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, coord.ParticipantCount())
}

func TestRenameBroadcast(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, _ = joinClient(t, coord, cfg, "alice", "Alice", 0)
	_, connB := joinClient(t, coord, cfg, "bob", "Bob", 0)

	coord.Rename("alice", "Alicia")
	require.Eventually(t, func() bool {
		return len(connB.ofType(model.FrameRenamed)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Alicia", connB.ofType(model.FrameRenamed)[0].Participant.DisplayName)
}

func TestIdleTimeoutClosesAndRejoinReactivates(t *testing.T) {
	cfg := testSessionConfig()
	h, dir, sessionID := newTestHub(t, cfg)

	// spawn with zero joins, wait past idle timeout
	h.Ensure(context.Background(), sessionID)
	coord, ok := h.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, model.StateEmpty, coord.State())

	require.Eventually(t, func() bool {
		_, live := h.Get(sessionID)
		return !live
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StateClosed, coord.State())

	// directory entry survives, marked inactive
	s, err := dir.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.False(t, s.IsActive)

	// rejoining the same id yields a fresh Active session with no history
	coord2, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)
	_, _ = joinClient(t, coord2, cfg, "alice", "Alice", 0)
	assert.Equal(t, model.StateActive, coord2.State())
	assert.Empty(t, coord2.Snapshot())
}

func TestDrainingReentersActiveOnJoin(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, _ = joinClient(t, coord, cfg, "alice", "Alice", 0)
	coord.Leave("alice")
	require.Eventually(t, func() bool {
		return coord.State() == model.StateDraining
	}, time.Second, 5*time.Millisecond)

	// mass-disconnect recovery: the very same coordinator re-activates
	_, _ = joinClient(t, coord, cfg, "alice", "Alice", 0)
	require.Eventually(t, func() bool {
		return coord.State() == model.StateActive
	}, time.Second, 5*time.Millisecond)
}

func TestSlowClientIsDroppedNotBlocking(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	cfg.OutboundQueueSize = 4
	cfg.PresenceDropMark = 2
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	gate := make(chan struct{})
	defer close(gate)
	slowConn := &fakeConn{gate: gate}
	slow := NewClient("slow", "Slow", slowConn, cfg.OutboundQueueSize, cfg.PresenceDropMark, 0)
	require.NoError(t, coord.Join(slow, 0))

	_, connB := joinClient(t, coord, cfg, "bob", "Bob", 0)

	// flood past the slow client's hard cap
	for i := 0; i < 20; i++ {
		coord.Stroke("bob", StrokeRequest{
			StrokeID:  "b1",
			Points:    []model.Point{{X: float64(i)}},
			Color:     "#000",
			BrushSize: 3,
			End:       i == 19,
		})
	}

	// the healthy client keeps receiving everything, the slow one is cut
	require.Eventually(t, func() bool {
		return len(connB.ofType(model.FrameStroke)) == 20
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		select {
		case <-slow.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStrokeRateLimitSparesOpenStrokes(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	cfg.StrokeRatePerSec = 1
	cfg.StrokeBurst = 2
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, connA := joinClient(t, coord, cfg, "alice", "Alice", 0)

	// burst of 2 allowed, the 2nd stays open
	coord.Stroke("alice", StrokeRequest{StrokeID: "s1", Points: []model.Point{{X: 1}}, End: true})
	coord.Stroke("alice", StrokeRequest{StrokeID: "s2", Points: []model.Point{{X: 2}}})
	// continuation of the open stroke is never cut
	coord.Stroke("alice", StrokeRequest{StrokeID: "s2", Points: []model.Point{{X: 3}}, End: true})
	// a brand-new stroke past the burst allowance is rejected
	coord.Stroke("alice", StrokeRequest{StrokeID: "s3", Points: []model.Point{{X: 4}}, End: true})

	require.Eventually(t, func() bool {
		return len(connA.ofType(model.FrameError)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "rate_limited", connA.ofType(model.FrameError)[0].Code)
	assert.Len(t, connA.ofType(model.FrameStroke), 3)
}

func TestClearWipesCanvas(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute
	h, _, sessionID := newTestHub(t, cfg)

	coord, err := h.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)

	_, connA := joinClient(t, coord, cfg, "alice", "Alice", 0)
	coord.Stroke("alice", StrokeRequest{StrokeID: "s1", Points: []model.Point{{X: 1}}, End: true})
	coord.Clear("alice")

	require.Eventually(t, func() bool {
		return len(connA.ofType(model.FrameClear)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, coord.Snapshot())
}

func TestGetOrCreateUnknownSession(t *testing.T) {
	cfg := testSessionConfig()
	h, _, _ := newTestHub(t, cfg)

	_, err := h.GetOrCreate(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, directory.ErrSessionNotFound)
}

// fakeMirror serves canned stroke history. GetStrokes for the gated session
// blocks until the gate opens, simulating a slow mirror fetch.
type fakeMirror struct {
	mu      sync.Mutex
	events  map[string][]model.StrokeEvent
	gateFor string
	gate    chan struct{}
}

func (m *fakeMirror) AddStroke(_ context.Context, sessionID string, ev model.StrokeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string][]model.StrokeEvent)
	}
	m.events[sessionID] = append(m.events[sessionID], ev)
	return nil
}

func (m *fakeMirror) GetStrokes(_ context.Context, sessionID string) ([]model.StrokeEvent, error) {
	if m.gateFor == sessionID && m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[sessionID], nil
}

func (m *fakeMirror) ClearSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, sessionID)
	return nil
}

func TestSlowMirrorFetchDoesNotStallOtherSessions(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = time.Minute

	dir := directory.New(directory.NewMemoryStore(), time.Second, 30*time.Minute)
	slow, _, err := dir.CreateSession(context.Background(), "slow", "alice")
	require.NoError(t, err)
	fast, _, err := dir.CreateSession(context.Background(), "fast", "bob")
	require.NoError(t, err)

	mirror := &fakeMirror{
		events: map[string][]model.StrokeEvent{
			slow.ID: {
				{Sequence: 1, AuthorUserID: "alice", StrokeID: "s1", Points: []model.Point{{X: 1}}, End: true},
				{Sequence: 2, AuthorUserID: "alice", StrokeID: "s2", Points: []model.Point{{X: 2}}, End: true},
			},
		},
		gateFor: slow.ID,
		gate:    make(chan struct{}),
	}
	h := New(cfg, dir, mirror)
	dir.SetLiveCounter(h)
	t.Cleanup(h.Shutdown)

	slowDone := make(chan *Coordinator, 1)
	go func() {
		c, err := h.GetOrCreate(context.Background(), slow.ID)
		require.NoError(t, err)
		slowDone <- c
	}()

	// the other session must spawn while the slow fetch is still blocked
	fastDone := make(chan struct{})
	go func() {
		_, err := h.GetOrCreate(context.Background(), fast.ID)
		require.NoError(t, err)
		close(fastDone)
	}()
	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("spawning an unrelated session blocked on another session's mirror fetch")
	}

	close(mirror.gate)
	select {
	case c := <-slowDone:
		// seeded before the coordinator became visible
		assert.Equal(t, uint64(2), c.LastSeq())
		assert.Len(t, c.Snapshot(), 2)
	case <-time.After(time.Second):
		t.Fatal("gated session never finished spawning")
	}
}
