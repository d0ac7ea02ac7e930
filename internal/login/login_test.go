package login

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *gamecache.Store, *storage.Store) {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache := gamecache.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cache, st, logger), cache, st
}

func TestLogin_CreatesUserOnFirstContact(t *testing.T) {
	o, _, st := newTestOrchestrator(t)

	u, err := o.Login(context.Background(), 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	stored, err := st.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
}

func TestLogin_IsIdempotentAndDoesNotOverwriteUsername(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	_, err := o.Login(context.Background(), 1, "alice")
	require.NoError(t, err)
	u, err := o.Login(context.Background(), 1, "alice-again")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestWarmCache_LoadsEveryEntityClassFromPersistence(t *testing.T) {
	o, cache, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertResources(ctx, types.Resources{UserID: 1, Wood: 100}))
	require.NoError(t, st.UpsertBuilding(ctx, types.Building{UserID: 1, BuildingIdx: "town_hall", Level: 1}))
	require.NoError(t, st.UpsertUnit(ctx, types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Ready: 3}))
	require.NoError(t, st.UpsertResearch(ctx, types.Research{UserID: 1, ResearchIdx: "metallurgy", Level: 1}))
	require.NoError(t, st.UpsertItem(ctx, types.Item{UserID: 1, ItemIdx: "potion", Count: 2}))
	require.NoError(t, st.UpsertBuff(ctx, types.Buff{UserID: 1, BuffIdx: "atk", Value: 0.1, Permanent: true}))
	require.NoError(t, st.UpsertMission(ctx, types.Mission{UserID: 1, MissionIdx: "build_5", Progress: 1}))

	require.NoError(t, o.WarmCache(ctx, 1))

	r, ok := cache.GetResources(1)
	require.True(t, ok)
	assert.Equal(t, int64(100), r.Wood)

	assert.Len(t, cache.ListBuildings(1), 1)
	assert.Len(t, cache.ListUnits(1), 1)
	assert.Len(t, cache.ListResearch(1), 1)
	assert.Len(t, cache.ListItems(1), 1)
	assert.Len(t, cache.GetBuffs(1), 1)
	assert.Len(t, cache.ListMissions(1), 1)
}

func TestWarmCache_IsANoOpWhenAlreadyWarm(t *testing.T) {
	o, cache, st := newTestOrchestrator(t)
	ctx := context.Background()

	cache.PutBuilding(types.Building{UserID: 1, BuildingIdx: "town_hall", Level: 5})
	require.NoError(t, st.UpsertBuilding(ctx, types.Building{UserID: 1, BuildingIdx: "town_hall", Level: 1}))

	require.NoError(t, o.WarmCache(ctx, 1))

	b, ok := cache.GetBuilding(1, "town_hall")
	require.True(t, ok)
	assert.Equal(t, 5, b.Level, "an already-cached row must not be overwritten from a stale persistence read")
}

func TestLogin_TouchesLoginTimestamp(t *testing.T) {
	o, _, st := newTestOrchestrator(t)

	before := time.Now().Add(-time.Second)
	_, err := o.Login(context.Background(), 1, "alice")
	require.NoError(t, err)

	u, err := st.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, u.LastLoginAt.After(before))
}
