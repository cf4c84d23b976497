package directory

import (
	"context"
	"errors"
	"time"

	"canvas-backend/internal/model"
)

var (
	// ErrSessionNotFound means the session id does not resolve. Clients
	// recover by re-querying the directory.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageUnavailable means the backing store failed or timed out.
	// Retryable with backoff.
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// Store persists session directory records. Implementations: gormStore
// (Postgres) and memoryStore (tests, no-DB dev mode).
type Store interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	// ListActiveSince returns sessions with last activity at or after the
	// cutoff, most recently active first.
	ListActiveSince(ctx context.Context, cutoff time.Time) ([]model.Session, error)
	// ListByIDs returns the sessions for the given ids, skipping unknown ones.
	ListByIDs(ctx context.Context, ids []string) ([]model.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
}
