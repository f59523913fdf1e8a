package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/larkcoder/larkcoder/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestSessions(t *testing.T) {
	t.Run("create and get", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		created, err := s.CreateSession(ctx, Session{
			ID:            "s1",
			ChatID:        "oc_1",
			ThreadID:      "om_root",
			CreatorID:     "ou_1",
			InitialPrompt: "fix the build",
			WorkingDir:    "/tmp/wk/s1",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusIdle, created.Status)
		assert.NotEmpty(t, created.CreatedAt)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "oc_1", got.ChatID)
		assert.Equal(t, "fix the build", got.InitialPrompt)
	})

	t.Run("get not found", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.GetSession(context.Background(), "nope")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("find by thread prefers latest", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateSession(ctx, Session{ID: "s1", ChatID: "oc_1", ThreadID: "om_a"})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = s.CreateSession(ctx, Session{ID: "s2", ChatID: "oc_1", ThreadID: "om_a"})
		require.NoError(t, err)

		got, err := s.FindByThread(ctx, "oc_1", "om_a")
		require.NoError(t, err)
		assert.Equal(t, "s2", got.ID)

		_, err = s.FindByThread(ctx, "oc_1", "om_other")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("latest by chat and project", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateSession(ctx, Session{ID: "s1", ChatID: "oc_1", ProjectID: "p1"})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = s.CreateSession(ctx, Session{ID: "s2", ChatID: "oc_1"})
		require.NoError(t, err)

		latest, err := s.FindLatestByChat(ctx, "oc_1")
		require.NoError(t, err)
		assert.Equal(t, "s2", latest.ID)

		byProject, err := s.FindLatestByProject(ctx, "oc_1", "p1")
		require.NoError(t, err)
		assert.Equal(t, "s1", byProject.ID)
	})

	t.Run("touch reorders listings", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateSession(ctx, Session{ID: "s1", ChatID: "oc_1"})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = s.CreateSession(ctx, Session{ID: "s2", ChatID: "oc_1"})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Touch(ctx, "s1"))

		sessions, err := s.ListByChat(ctx, "oc_1")
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "s1", sessions[0].ID)
	})

	t.Run("status transition guard", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateSession(ctx, Session{ID: "s1", ChatID: "oc_1"})
		require.NoError(t, err)

		require.NoError(t, s.SetStatus(ctx, "s1", StatusIdle, StatusRunning))

		// A second idle→running write must fail: the session is running.
		err = s.SetStatus(ctx, "s1", StatusIdle, StatusRunning)
		var stateErr *SessionStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "s1", stateErr.ID)

		require.NoError(t, s.SetStatus(ctx, "s1", StatusRunning, StatusIdle))

		err = s.SetStatus(ctx, "missing", StatusIdle, StatusRunning)
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("field updates", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateSession(ctx, Session{ID: "s1", ChatID: "oc_1"})
		require.NoError(t, err)

		require.NoError(t, s.SetACPSessionID(ctx, "s1", "acp-123"))
		require.NoError(t, s.SetWorkingMessageID(ctx, "s1", "om_card"))
		require.NoError(t, s.SetMode(ctx, "s1", "bypassPermissions"))
		require.NoError(t, s.SetDocToken(ctx, "s1", "doccn_x"))

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "acp-123", got.ACPSessionID)
		assert.Equal(t, "om_card", got.WorkingMessageID)
		assert.Equal(t, "bypassPermissions", got.Mode)
		assert.Equal(t, "doccn_x", got.DocToken)

		require.ErrorIs(t, s.SetMode(ctx, "missing", "plan"), ErrSessionNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateSession(ctx, Session{ID: "s1", ChatID: "oc_1"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteSession(ctx, "s1"))
		require.ErrorIs(t, s.DeleteSession(ctx, "s1"), ErrSessionNotFound)
	})
}
