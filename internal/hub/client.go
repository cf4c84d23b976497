package hub

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Conn is the slice of the WebSocket connection the client needs; satisfied
// by *websocket.Conn and by fakes in tests.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var (
	// ErrBackpressured means a client's outbound queue overflowed with
	// critical frames pending; the client is dropped rather than stalling
	// the session's fan-out.
	ErrBackpressured = errors.New("client backpressured")
	// ErrRateLimited means a user exceeded the stroke submission rate.
	ErrRateLimited = errors.New("stroke rate limited")
)

// frameClass decides the drop policy under backpressure: presence frames are
// shed first, stroke and control frames never.
type frameClass int

const (
	classControl frameClass = iota
	classStroke
	classPresence
)

type outFrame struct {
	class frameClass
	data  []byte
}

// Client is one live transport connection into a session. It owns a bounded
// outbound queue drained by a dedicated writer goroutine so one slow client
// can never block the session's broadcast fan-out.
type Client struct {
	UserID      string
	DisplayName string

	conn             Conn
	send             chan outFrame
	presenceDropMark int
	writeTimeout     time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded WebSocket connection.
func NewClient(userID, displayName string, conn Conn, queueSize, presenceDropMark int, writeTimeout time.Duration) *Client {
	return &Client{
		UserID:           userID,
		DisplayName:      displayName,
		conn:             conn,
		send:             make(chan outFrame, queueSize),
		presenceDropMark: presenceDropMark,
		writeTimeout:     writeTimeout,
		done:             make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. Presence frames are dropped silently
// once the queue passes the drop mark; stroke/control frames that cannot be
// queued at all report ErrBackpressured.
func (c *Client) enqueue(class frameClass, data []byte) error {
	if class == classPresence && len(c.send) >= c.presenceDropMark {
		return nil
	}
	select {
	case c.send <- outFrame{class: class, data: data}:
		return nil
	case <-c.done:
		return nil
	default:
		if class == classPresence {
			return nil
		}
		return ErrBackpressured
	}
}

// Pong answers an application-level ping. Queued as a control frame so it
// cannot overtake already-queued strokes.
func (c *Client) Pong() {
	c.enqueue(classControl, []byte(`{"type":"pong"}`))
}

// writePump drains the outbound queue onto the wire in enqueue order.
// Runs as its own goroutine for the lifetime of the connection.
func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				log.Printf("[Client %s] Write failed: %v", c.UserID, err)
				c.Close()
				return
			}
		}
	}
}

// Close tears the connection down exactly once. The read loop in the handler
// observes the closed socket and unwinds.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Done reports connection teardown.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
