package sync

import (
	"context"
	"errors"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestResourceFlush_UpsertsCachedRowAndSkipsAbsentUser(t *testing.T) {
	cache := gamecache.New()
	st := openTestStore(t)
	flush := ResourceFlush(cache, st)

	require.NoError(t, flush(context.Background(), 99), "a user never cached should be a silent no-op")

	cache.PutResources(types.Resources{UserID: 1, Wood: 100})
	require.NoError(t, flush(context.Background(), 1))

	r, err := st.GetResources(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.Wood)
}

func TestBuildingFlush_UpsertsEveryCachedBuilding(t *testing.T) {
	cache := gamecache.New()
	st := openTestStore(t)
	cache.PutBuilding(types.Building{UserID: 1, BuildingIdx: "town_hall", Level: 2})
	cache.PutBuilding(types.Building{UserID: 1, BuildingIdx: "farm", Level: 1})

	require.NoError(t, BuildingFlush(cache, st)(context.Background(), 1))

	rows, err := st.ListBuildings(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUnitFlush_SkipsRowsWithNoCountOrTraining(t *testing.T) {
	cache := gamecache.New()
	st := openTestStore(t)
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Ready: 0, Training: 0})
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "archer", Ready: 5})

	require.NoError(t, UnitFlush(cache, st)(context.Background(), 1))

	rows, err := st.ListUnits(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "archer", rows[0].UnitIdx)
}

func TestBuffFlush_UpsertsPermanentBuff(t *testing.T) {
	cache := gamecache.New()
	st := openTestStore(t)
	cache.PutBuff(types.Buff{UserID: 1, BuffIdx: "atk", Value: 0.1, Permanent: true})

	require.NoError(t, BuffFlush(cache, st)(context.Background(), 1))

	rows, err := st.ListBuffs(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "atk", rows[0].BuffIdx)
}

func TestWorker_Drain_RemarksDirtyOnFlushFailure(t *testing.T) {
	cache := gamecache.New()
	st := openTestStore(t)
	cache.MarkDirty("resource", 1)

	failing := func(ctx context.Context, userID int64) error {
		return errors.New("flush failed")
	}
	w := New("resource", time.Hour, cache, st, nil, testLogger(), failing)

	w.drain(context.Background())

	assert.Equal(t, []int64{1}, cache.DrainDirty("resource"), "a failed flush must leave the user re-marked dirty for the next cycle")
}

func TestWorker_Drain_ClearsDirtySetOnSuccess(t *testing.T) {
	cache := gamecache.New()
	st := openTestStore(t)
	cache.MarkDirty("resource", 1)
	cache.PutResources(types.Resources{UserID: 1, Wood: 50})

	w := New("resource", time.Hour, cache, st, nil, testLogger(), ResourceFlush(cache, st))
	w.drain(context.Background())

	assert.Empty(t, cache.DrainDirty("resource"))
	r, err := st.GetResources(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), r.Wood)
}
