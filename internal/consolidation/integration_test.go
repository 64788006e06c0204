//go:build integration

package consolidation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nidhogg/nuka-memory/internal/clock"
	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/testinfra"
)

func TestRedisGuardIsExclusiveAcrossClients(t *testing.T) {
	ctx := context.Background()
	url, cleanup, err := testinfra.StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	logger := zaptest.NewLogger(t)
	a, err := consolidation.NewRedisGuard(url, "test:cycle", time.Minute, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := consolidation.NewRedisGuard(url, "test:cycle", time.Minute, logger)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	token, err := a.Acquire(ctx)
	require.NoError(t, err)

	_, err = b.Acquire(ctx)
	require.ErrorIs(t, err, memory.ErrBusy)

	require.NoError(t, token.Release(ctx))
	// A second release is a no-op and must not free someone else's lock.
	other, err := b.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, token.Release(ctx))
	_, err = a.Acquire(ctx)
	require.ErrorIs(t, err, memory.ErrBusy)
	require.NoError(t, other.Release(ctx))
}

func TestRedisGuardLockExpires(t *testing.T) {
	ctx := context.Background()
	url, cleanup, err := testinfra.StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	g, err := consolidation.NewRedisGuard(url, "test:ttl", 200*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	stale, err := g.Acquire(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tok, err := g.Acquire(ctx)
		if err != nil {
			return false
		}
		// The expired holder must not be able to delete the new lock.
		require.NoError(t, stale.Release(ctx))
		_, busy := g.Acquire(ctx)
		require.ErrorIs(t, busy, memory.ErrBusy)
		require.NoError(t, tok.Release(ctx))
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDreamCycleOnNeo4jWithRedisGuard(t *testing.T) {
	ctx := context.Background()
	uri, stopNeo, err := testinfra.StartNeo4j(ctx)
	require.NoError(t, err)
	t.Cleanup(stopNeo)
	url, stopRedis, err := testinfra.StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(stopRedis)

	logger := zaptest.NewLogger(t)
	store, err := memory.NewNeo4jStore(uri, "", "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	require.NoError(t, store.EnsureSchema(ctx))

	guard, err := consolidation.NewRedisGuard(url, "test:dream", time.Minute, logger)
	require.NoError(t, err)
	t.Cleanup(func() { guard.Close() })

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	strong := memory.NewNode("strong", "the capital of france is paris", memory.KindFact, start)
	strong.Strength = memory.DualStrength{Storage: 5, Retrieval: 5}
	require.NoError(t, store.CreateNode(ctx, strong))
	require.NoError(t, store.CreateNode(ctx, memory.NewNode("plain", "the river seine crosses paris", memory.KindFact, start.Add(time.Second))))
	clk.Advance(48 * time.Hour)

	history := consolidation.NewMemHistory()
	engine, err := consolidation.NewEngine(consolidation.Options{
		Store:   store,
		History: history,
		Guard:   guard,
		Clock:   clk,
		Random:  consolidation.NewSeededSource(3),
		Logger:  logger,
	})
	require.NoError(t, err)

	res, err := engine.RunDreamCycle(ctx, engine.DreamConfig())
	require.NoError(t, err)
	require.False(t, res.Partial)
	require.Equal(t, 2, res.Triage.Succeeded)

	got, err := store.GetNode(ctx, "strong")
	require.NoError(t, err)
	require.LessOrEqual(t, got.Strength.Retrieval, got.Strength.Storage)
	require.False(t, got.LastDecayAt.Before(clk.Now()), "decay watermark advanced to the cycle time")

	records, err := history.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, res.CycleID, records[0].CycleID)
}
