package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"canvas-backend/internal/model"
)

// LiveCounter reports live hub state so listing can treat sessions with
// connected participants as active regardless of their stored activity time.
type LiveCounter interface {
	LiveSessionIDs() []string
}

// Directory creates, lists and resolves canvas sessions. Every call against
// the backing store is bounded by a timeout; failures surface as
// ErrStorageUnavailable so callers can retry with backoff.
type Directory struct {
	store           Store
	timeout         time.Duration
	freshnessWindow time.Duration
	live            LiveCounter
}

// New creates a Directory over the given store.
func New(store Store, timeout, freshnessWindow time.Duration) *Directory {
	return &Directory{
		store:           store,
		timeout:         timeout,
		freshnessWindow: freshnessWindow,
	}
}

// SetLiveCounter wires the hub in after construction (the hub itself depends
// on the directory).
func (d *Directory) SetLiveCounter(live LiveCounter) {
	d.live = live
}

// CreateSession persists a new session record and returns it with its
// deterministic share reference.
func (d *Directory) CreateSession(ctx context.Context, displayName, creatorUserID string) (*model.Session, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	now := time.Now()
	s := &model.Session{
		ID:             uuid.New().String(),
		DisplayName:    displayName,
		CreatorUserID:  creatorUserID,
		IsActive:       true,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := d.store.Create(ctx, s); err != nil {
		return nil, "", d.storageErr(err)
	}
	log.Printf("[Directory] Created session %s (%q) by %s", s.ID, displayName, creatorUserID)
	return s, model.ShareReference(s.ID), nil
}

// GetSession resolves a session id. Closed sessions still resolve; rejoining
// one re-activates it transparently.
func (d *Directory) GetSession(ctx context.Context, id string) (*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	s, err := d.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, d.storageErr(err)
	}
	return s, nil
}

// ListActiveSessions returns a snapshot of active sessions, most recently
// active first. Active means last activity within the freshness window OR
// live participants connected right now.
func (d *Directory) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	sessions, err := d.store.ListActiveSince(ctx, time.Now().Add(-d.freshnessWindow))
	if err != nil {
		return nil, d.storageErr(err)
	}

	if d.live == nil {
		return sessions, nil
	}

	seen := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		seen[s.ID] = true
	}
	var missing []string
	for _, id := range d.live.LiveSessionIDs() {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		extra, err := d.store.ListByIDs(ctx, missing)
		if err != nil {
			// live sessions are advisory here; the fresh snapshot still stands
			log.Printf("[Directory] Failed to resolve live sessions: %v", err)
		} else {
			sessions = append(sessions, extra...)
			sortByActivity(sessions)
		}
	}
	return sessions, nil
}

// TouchActivity records activity on a session. Called by coordinators on
// stroke and presence traffic; failures are logged, not propagated, since the
// live session keeps working without the directory.
func (d *Directory) TouchActivity(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.store.Touch(ctx, id, time.Now()); err != nil {
		log.Printf("[Directory] Failed to touch session %s: %v", id, err)
	}
}

// MarkInactive flags a closed session. The record is never deleted, so the id
// keeps resolving and a later join recreates the live session.
func (d *Directory) MarkInactive(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.store.SetActive(ctx, id, false); err != nil {
		log.Printf("[Directory] Failed to mark session %s inactive: %v", id, err)
	}
}

func (d *Directory) storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
