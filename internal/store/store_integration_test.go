//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/testinfra"
)

func TestPostgresHistory(t *testing.T) {
	ctx := context.Background()
	dsn, cleanup, err := testinfra.StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	s, err := New(ctx, dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx, "../../migrations"))
	// Migrations are idempotent.
	require.NoError(t, s.Migrate(ctx, "../../migrations"))

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	first := record("c1", base, false)
	second := record("c2", base.Add(time.Hour), true)
	second.Error = "integration: store unavailable"
	require.NoError(t, s.AppendHistory(ctx, first))
	require.NoError(t, s.AppendHistory(ctx, second))
	require.Error(t, s.AppendHistory(ctx, first), "cycle ids are unique")

	all, err := s.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "c2", all[0].CycleID)
	require.True(t, all[0].Partial)
	require.Equal(t, second.Error, all[0].Error)
	require.Equal(t, first.Counts, all[1].Counts)
	require.Equal(t, first.Durations, all[1].Durations)
	require.True(t, all[1].StartedAt.Equal(base))

	latest, err := s.ListHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, "c2", latest[0].CycleID)

	var _ consolidation.HistoryStore = s
}
