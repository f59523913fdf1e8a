package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

func TestResolveSessionByThread(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	older, err := f.st.CreateSession(ctx, store.Session{
		ID: "s-older", ChatID: testChat, ThreadID: "om_root_1", WorkingDir: "/tmp",
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.st.CreateSession(ctx, store.Session{
		ID: "s-newer", ChatID: testChat, ThreadID: "om_root_2", WorkingDir: "/tmp",
	})
	require.NoError(t, err)

	// A reply in thread 1 picks the thread's session, not the newest one.
	got, err := f.o.resolveSession(ctx, lark.InboundMessage{
		ChatID: testChat, MessageID: "om_reply", RootID: "om_root_1",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID)
}

func TestResolveSessionFallsBackToLatest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.st.CreateSession(ctx, store.Session{
		ID: "s-1", ChatID: testChat, ThreadID: "om_root_1", WorkingDir: "/tmp",
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.st.CreateSession(ctx, store.Session{
		ID: "s-2", ChatID: testChat, ThreadID: "om_root_2", WorkingDir: "/tmp",
	})
	require.NoError(t, err)

	got, err := f.o.resolveSession(ctx, lark.InboundMessage{
		ChatID: testChat, MessageID: "om_new",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s-2", got.ID)
}

func TestResolveSessionPrefersActiveProject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	proj, err := f.st.CreateProject(ctx, store.Project{
		ID: "p-1", ChatID: testChat, Title: "API", FolderName: "api",
	})
	require.NoError(t, err)

	_, err = f.st.CreateSession(ctx, store.Session{
		ID: "s-project", ChatID: testChat, ThreadID: "om_a", WorkingDir: "/tmp", ProjectID: proj.ID,
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.st.CreateSession(ctx, store.Session{
		ID: "s-loose", ChatID: testChat, ThreadID: "om_b", WorkingDir: "/tmp",
	})
	require.NoError(t, err)

	require.NoError(t, f.st.SetActiveProject(ctx, testChat, proj.ID))

	got, err := f.o.resolveSession(ctx, lark.InboundMessage{
		ChatID: testChat, MessageID: "om_new",
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s-project", got.ID, "active project session wins over the newer loose one")
}

func TestResolveSessionNoneExists(t *testing.T) {
	f := newFixture(t, nil)

	got, err := f.o.resolveSession(context.Background(), lark.InboundMessage{
		ChatID: testChat, MessageID: "om_new",
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}
