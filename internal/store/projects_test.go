package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjects(t *testing.T) {
	t.Run("create list get", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateProject(ctx, Project{
			ID: "p1", ChatID: "oc_1", Title: "Billing", FolderName: "billing",
		})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = s.CreateProject(ctx, Project{
			ID: "p2", ChatID: "oc_1", Title: "Docs", FolderName: "docs",
		})
		require.NoError(t, err)

		projects, err := s.ListProjects(ctx, "oc_1")
		require.NoError(t, err)
		require.Len(t, projects, 2)
		assert.Equal(t, "p2", projects[0].ID)

		got, err := s.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Billing", got.Title)

		other, err := s.ListProjects(ctx, "oc_other")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("update", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		p, err := s.CreateProject(ctx, Project{
			ID: "p1", ChatID: "oc_1", Title: "Billing", FolderName: "billing",
		})
		require.NoError(t, err)

		p.Title = "Billing v2"
		p.FolderName = "billing-v2"
		updated, err := s.UpdateProject(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "Billing v2", updated.Title)
		assert.Equal(t, "billing-v2", updated.FolderName)

		_, err = s.UpdateProject(ctx, Project{ID: "missing"})
		require.ErrorIs(t, err, ErrProjectNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.CreateProject(ctx, Project{ID: "p1", ChatID: "oc_1", Title: "X", FolderName: "x"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteProject(ctx, "p1"))
		require.ErrorIs(t, s.DeleteProject(ctx, "p1"), ErrProjectNotFound)
	})

	t.Run("active project binding", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		id, err := s.ActiveProject(ctx, "oc_1")
		require.NoError(t, err)
		assert.Empty(t, id)

		require.NoError(t, s.SetActiveProject(ctx, "oc_1", "p1"))
		id, err = s.ActiveProject(ctx, "oc_1")
		require.NoError(t, err)
		assert.Equal(t, "p1", id)

		// Rebinding overwrites.
		require.NoError(t, s.SetActiveProject(ctx, "oc_1", "p2"))
		id, err = s.ActiveProject(ctx, "oc_1")
		require.NoError(t, err)
		assert.Equal(t, "p2", id)

		require.NoError(t, s.ClearActiveProject(ctx, "oc_1"))
		id, err = s.ActiveProject(ctx, "oc_1")
		require.NoError(t, err)
		assert.Empty(t, id)
	})
}
