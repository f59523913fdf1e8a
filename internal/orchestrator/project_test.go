package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larkcoder/larkcoder/internal/lark"
	"github.com/larkcoder/larkcoder/internal/store"
)

func TestValidateFolderName(t *testing.T) {
	assert.NoError(t, validateFolderName("api-server"))
	assert.NoError(t, validateFolderName("my_project.v2"))

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "a:b", "a*b", "a?b", `a"b`, "a<b", "a>b", "a|b", "a\x00b"} {
		assert.Error(t, validateFolderName(bad), "folder name %q", bad)
	}
}

func TestProjectCreateFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// /project new opens the form.
	f.o.HandleMessage(ctx, inbound("/project new"))
	assert.Contains(t, f.rec.LastCall().Content, "project_create")

	// Submitting the form creates the project and its folder.
	toast := f.o.HandleCardAction(ctx, lark.CardAction{
		EventID:    "evt-create",
		MessageID:  "om_form",
		ChatID:     testChat,
		OperatorID: "ou_alice",
		Value:      lark.ActionValue{Action: "project_create"},
		FormValue: map[string]any{
			"title":       "API Server",
			"description": "The backend",
			"folder_name": "api-server",
		},
	})
	require.Equal(t, "success", toast.Type)

	projects, err := f.st.ListProjects(ctx, testChat)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "API Server", projects[0].Title)

	base, err := filepath.Abs(f.o.cfg.Agent.WorkDir)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(base, "api-server"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestProjectCreateRejectsBadFolder(t *testing.T) {
	f := newFixture(t, nil)

	toast := f.o.HandleCardAction(context.Background(), lark.CardAction{
		EventID:   "evt-bad-folder",
		MessageID: "om_form",
		ChatID:    testChat,
		Value:     lark.ActionValue{Action: "project_create"},
		FormValue: map[string]any{
			"title":       "Bad",
			"folder_name": "../escape",
		},
	})
	assert.Equal(t, "error", toast.Type)
}

func TestProjectSelectSwitchesAndResumes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	proj, err := f.st.CreateProject(ctx, store.Project{
		ID: "p-sel", ChatID: testChat, Title: "Frontend", FolderName: "frontend",
	})
	require.NoError(t, err)
	_, err = f.st.CreateSession(ctx, store.Session{
		ID: "s-sel", ChatID: testChat, ThreadID: "om_t", WorkingDir: "/tmp",
		ProjectID: proj.ID, InitialPrompt: "build the navbar component",
	})
	require.NoError(t, err)

	toast := f.o.HandleCardAction(ctx, lark.CardAction{
		EventID:   "evt-select",
		MessageID: "om_list",
		ChatID:    testChat,
		Value:     lark.ActionValue{Action: "project_select", ProjectID: proj.ID},
	})
	require.Equal(t, "success", toast.Type)

	bound, err := f.st.ActiveProject(ctx, testChat)
	require.NoError(t, err)
	assert.Equal(t, proj.ID, bound)

	patches := f.rec.CallsTo("PatchMessage")
	require.NotEmpty(t, patches)
	last := patches[len(patches)-1]
	assert.Contains(t, last.Content, "Switched to project: Frontend")
	assert.Contains(t, last.Content, "Resumed session: build the navbar component")
}

func TestProjectEditRenamesFolder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base, err := filepath.Abs(f.o.cfg.Agent.WorkDir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "old-name"), 0o755))

	proj, err := f.st.CreateProject(ctx, store.Project{
		ID: "p-edit", ChatID: testChat, Title: "Tool", FolderName: "old-name",
	})
	require.NoError(t, err)

	toast := f.o.HandleCardAction(ctx, lark.CardAction{
		EventID:   "evt-edit",
		MessageID: "om_form",
		ChatID:    testChat,
		Value:     lark.ActionValue{Action: "project_edit", ProjectID: proj.ID},
		FormValue: map[string]any{
			"title":       "Tool",
			"folder_name": "new-name",
		},
	})
	require.Equal(t, "success", toast.Type)

	_, err = os.Stat(filepath.Join(base, "new-name"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "old-name"))
	assert.True(t, os.IsNotExist(err))

	got, err := f.st.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-name", got.FolderName)
}

func TestProjectEditRenameCollision(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base, err := filepath.Abs(f.o.cfg.Agent.WorkDir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "b"), 0o755))

	proj, err := f.st.CreateProject(ctx, store.Project{
		ID: "p-clash", ChatID: testChat, Title: "Clash", FolderName: "a",
	})
	require.NoError(t, err)

	toast := f.o.HandleCardAction(ctx, lark.CardAction{
		EventID:   "evt-clash",
		MessageID: "om_form",
		ChatID:    testChat,
		Value:     lark.ActionValue{Action: "project_edit", ProjectID: proj.ID},
		FormValue: map[string]any{"title": "Clash", "folder_name": "b"},
	})
	assert.Equal(t, "error", toast.Type)

	got, err := f.st.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.FolderName, "folder name unchanged after collision")
}

func TestProjectExitClearsBinding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	proj, err := f.st.CreateProject(ctx, store.Project{
		ID: "p-exit", ChatID: testChat, Title: "X", FolderName: "x",
	})
	require.NoError(t, err)
	require.NoError(t, f.st.SetActiveProject(ctx, testChat, proj.ID))

	f.o.HandleMessage(ctx, inbound("/project exit"))

	bound, err := f.st.ActiveProject(ctx, testChat)
	require.NoError(t, err)
	assert.Empty(t, bound)
	assert.Contains(t, f.rec.LastCall().Content, "Left the project.")
}

func TestNewSessionInheritsProjectDir(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	proj, err := f.st.CreateProject(ctx, store.Project{
		ID: "p-dir", ChatID: testChat, Title: "Dir", FolderName: "dir-proj",
	})
	require.NoError(t, err)
	require.NoError(t, f.st.SetActiveProject(ctx, testChat, proj.ID))

	f.o.HandleMessage(ctx, inbound("/new"))

	sess, err := f.st.FindLatestByChat(ctx, testChat)
	require.NoError(t, err)
	assert.Equal(t, proj.ID, sess.ProjectID)
	assert.Equal(t, "dir-proj", filepath.Base(sess.WorkingDir))
}
