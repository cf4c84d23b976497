package strokelog

import (
	"sync"
	"time"

	"canvas-backend/internal/model"
)

// Log is the ordered recent history of stroke events for one session and the
// sole sequencing authority for it. Appends are serialized by the owning
// session coordinator; the internal lock only guards read snapshots taken
// outside the coordinator goroutine.
type Log struct {
	mu        sync.RWMutex
	retention int
	nextSeq   uint64
	events    []model.StrokeEvent
	open      map[string]string // strokeID -> author, strokes without a pen-up yet
}

// New creates a log retaining at most retention events. Events belonging to a
// still-open stroke are pinned past retention so late joiners can always
// reconstruct an in-progress gesture.
func New(retention int) *Log {
	if retention <= 0 {
		retention = 1000
	}
	return &Log{
		retention: retention,
		open:      make(map[string]string),
	}
}

// Append assigns the next sequence number and stores the event.
func (l *Log) Append(authorUserID, strokeID string, points []model.Point, color string, brushSize float64, end bool) model.StrokeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	ev := model.StrokeEvent{
		Sequence:     l.nextSeq,
		AuthorUserID: authorUserID,
		StrokeID:     strokeID,
		Points:       points,
		Color:        color,
		BrushSize:    brushSize,
		End:          end,
		Timestamp:    time.Now(),
	}
	l.events = append(l.events, ev)

	if end {
		delete(l.open, strokeID)
	} else {
		l.open[strokeID] = authorUserID
	}

	l.evictLocked()
	return ev
}

// evictLocked drops oldest events above retention, skipping events of
// still-open strokes. If everything old is pinned the log may temporarily
// exceed retention.
func (l *Log) evictLocked() {
	excess := len(l.events) - l.retention
	if excess <= 0 {
		return
	}

	kept := l.events[:0]
	for _, ev := range l.events {
		if excess > 0 {
			if _, pinned := l.open[ev.StrokeID]; !pinned {
				excess--
				continue
			}
		}
		kept = append(kept, ev)
	}
	l.events = kept
}

// CloseAuthorStrokes force-closes all open strokes by an author, used when the
// author disconnects without a pen-up. Returns the closed stroke ids.
func (l *Log) CloseAuthorStrokes(authorUserID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var closed []string
	for strokeID, author := range l.open {
		if author == authorUserID {
			closed = append(closed, strokeID)
			delete(l.open, strokeID)
		}
	}
	if len(closed) > 0 {
		l.evictLocked()
	}
	return closed
}

// IsOpen reports whether a stroke id has been appended without a pen-up yet.
func (l *Log) IsOpen(strokeID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.open[strokeID]
	return ok
}

// RecentSince returns events with a sequence strictly greater than the given
// watermark, in order. Watermark 0 returns the full retained window.
func (l *Log) RecentSince(seq uint64) []model.StrokeEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// events are ordered; find the first one past the watermark
	i := 0
	for ; i < len(l.events); i++ {
		if l.events[i].Sequence > seq {
			break
		}
	}
	out := make([]model.StrokeEvent, len(l.events)-i)
	copy(out, l.events[i:])
	return out
}

// SnapshotAll returns the full retained window for a brand-new client.
func (l *Log) SnapshotAll() []model.StrokeEvent {
	return l.RecentSince(0)
}

// Seed restores events produced by an earlier incarnation of this session,
// typically from the Redis mirror after a Closed session re-activates.
// Sequence assignment resumes after the highest restored sequence, and
// strokes restored without a pen-up regain their eviction pin.
func (l *Log) Seed(events []model.StrokeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.open = make(map[string]string)
	for _, ev := range events {
		if ev.Sequence > l.nextSeq {
			l.nextSeq = ev.Sequence
		}
		if ev.End {
			delete(l.open, ev.StrokeID)
		} else {
			l.open[ev.StrokeID] = ev.AuthorUserID
		}
	}
	l.events = append([]model.StrokeEvent(nil), events...)
	l.evictLocked()
}

// Clear wipes the retained window and open-stroke pins. Sequence numbers keep
// increasing so watermarks held by clients stay valid.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = nil
	l.open = make(map[string]string)
}

// LastSeq returns the highest sequence assigned so far.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
