package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedEvents(t *testing.T) {
	t.Run("first marking wins", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		first, err := s.MarkEventProcessed(ctx, "ev_1")
		require.NoError(t, err)
		assert.True(t, first)

		again, err := s.MarkEventProcessed(ctx, "ev_1")
		require.NoError(t, err)
		assert.False(t, again)
	})

	t.Run("prune removes old rows only", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()

		_, err := s.MarkEventProcessed(ctx, "ev_old")
		require.NoError(t, err)

		// Nothing is older than an hour yet.
		n, err := s.PruneEvents(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)

		// With a zero max age everything is prunable.
		n, err = s.PruneEvents(ctx, -time.Second)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		first, err := s.MarkEventProcessed(ctx, "ev_old")
		require.NoError(t, err)
		assert.True(t, first)
	})
}
