package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-backend/internal/model"
)

func newTestDirectory() *Directory {
	return New(NewMemoryStore(), time.Second, 30*time.Minute)
}

func TestCreateAndGetSession(t *testing.T) {
	d := newTestDirectory()

	s, shareRef, err := d.CreateSession(context.Background(), "sketch1", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "/canvas/"+s.ID, shareRef)
	assert.Equal(t, "sketch1", s.DisplayName)
	assert.Equal(t, "alice", s.CreatorUserID)
	assert.True(t, s.IsActive)

	got, err := d.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	d := newTestDirectory()

	_, err := d.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestShareReferenceIsDeterministic(t *testing.T) {
	assert.Equal(t, model.ShareReference("abc"), model.ShareReference("abc"))
	assert.Equal(t, "/canvas/abc", model.ShareReference("abc"))
}

func TestListActiveSessionsOrdering(t *testing.T) {
	d := newTestDirectory()

	s1, _, err := d.CreateSession(context.Background(), "old", "alice")
	require.NoError(t, err)
	s2, _, err := d.CreateSession(context.Background(), "new", "bob")
	require.NoError(t, err)

	// s2 is touched later, so it must come first
	d.TouchActivity(s1.ID)
	time.Sleep(2 * time.Millisecond)
	d.TouchActivity(s2.ID)

	sessions, err := d.ListActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, s2.ID, sessions[0].ID)
	assert.Equal(t, s1.ID, sessions[1].ID)
}

type staticLive struct{ ids []string }

func (s staticLive) LiveSessionIDs() []string { return s.ids }

func TestListIncludesLiveButStaleSessions(t *testing.T) {
	store := NewMemoryStore()
	d := New(store, time.Second, 30*time.Minute)

	stale := &model.Session{
		ID:             "stale-but-live",
		DisplayName:    "doodle",
		CreatorUserID:  "alice",
		IsActive:       true,
		CreatedAt:      time.Now().Add(-2 * time.Hour),
		LastActivityAt: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), stale))

	sessions, err := d.ListActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)

	d.SetLiveCounter(staticLive{ids: []string{"stale-but-live"}})
	sessions, err = d.ListActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "stale-but-live", sessions[0].ID)
}

type failingStore struct{ Store }

func (f failingStore) Create(context.Context, *model.Session) error {
	return errors.New("connection refused")
}

func TestCreateSurfacesStorageUnavailable(t *testing.T) {
	d := New(failingStore{NewMemoryStore()}, time.Second, 30*time.Minute)

	_, _, err := d.CreateSession(context.Background(), "sketch1", "alice")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestMarkInactiveKeepsSessionResolvable(t *testing.T) {
	d := newTestDirectory()

	s, _, err := d.CreateSession(context.Background(), "sketch1", "alice")
	require.NoError(t, err)

	d.MarkInactive(s.ID)

	got, err := d.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}
