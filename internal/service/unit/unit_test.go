package unit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/gamequeue"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *gamecache.Store, *gamequeue.Queue) {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache := gamecache.New()
	queue := gamequeue.New(time.Hour, 3)
	locks := lock.New(time.Second)
	res := resource.New(cache, st, testLogger())
	return New(cfg, cache, st, queue, locks, res, nil, nil, testLogger()), cache, queue
}

func testConfig() *config.Config {
	return &config.Config{
		Units: []config.UnitDef{
			{Idx: "swordsman", Cost: map[string]int64{"food": 10}, TrainSeconds: 5},
			{Idx: "knight", Cost: map[string]int64{"food": 20}, TrainSeconds: 5, UpgradeSeconds: 8},
		},
		Refunds: config.Refunds{Unit: 0.5},
	}
}

func TestTrain_RejectsNonPositiveCount(t *testing.T) {
	svc, cache, _ := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})

	err := svc.Train(context.Background(), 1, "swordsman", 0)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Validation, e.Kind)
}

func TestTrain_ScalesCostByCountAndEnqueuesBatch(t *testing.T) {
	svc, cache, queue := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})

	require.NoError(t, svc.Train(context.Background(), 1, "swordsman", 5))

	r, _ := cache.GetResources(1)
	assert.Equal(t, int64(50), r.Food)

	u, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(5), u.Training)

	due := queue.PopDue(types.TaskUnit, time.Now().Add(time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, int64(5), due[0].Metadata["count"])
}

func TestTrain_TwoBatchesGetDistinctSubIDs(t *testing.T) {
	svc, cache, queue := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 1000})

	require.NoError(t, svc.Train(context.Background(), 1, "swordsman", 1))
	require.NoError(t, svc.Train(context.Background(), 1, "swordsman", 1))

	due := queue.PopDue(types.TaskUnit, time.Now().Add(time.Hour))
	require.Len(t, due, 2)
	assert.NotEqual(t, due[0].SubID, due[1].SubID)

	u, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(2), u.Training)
}

func TestFinish_MovesCountFromTrainingToSettled(t *testing.T) {
	svc, cache, queue := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})
	require.NoError(t, svc.Train(context.Background(), 1, "swordsman", 5))

	due := queue.PopDue(types.TaskUnit, time.Now().Add(time.Hour))
	require.Len(t, due, 1)

	require.NoError(t, svc.Finish(context.Background(), due[0]))

	u, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(0), u.Training)
	assert.Equal(t, int64(5), u.Ready)
}

func TestFinish_ClampsAgainstShortTrainingBalance(t *testing.T) {
	svc, cache, _ := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Training: 2})

	task := types.Task{Class: types.TaskUnit, UserID: 1, TaskID: "swordsman", Metadata: map[string]any{"count": int64(9)}}
	require.NoError(t, svc.Finish(context.Background(), task))

	u, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(0), u.Training)
	assert.Equal(t, int64(2), u.Ready, "finish must clamp to the training balance actually on hand")
}

func TestUpgrade_MovesReadyToUpgradingAndConsumesTargetCost(t *testing.T) {
	svc, cache, queue := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Ready: 5})

	require.NoError(t, svc.Upgrade(context.Background(), 1, "swordsman", "knight", 3))

	r, _ := cache.GetResources(1)
	assert.Equal(t, int64(40), r.Food, "3 knights at 20 food each")

	source, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(2), source.Ready)
	assert.Equal(t, int64(3), source.Upgrading)

	due := queue.PopDue(types.TaskUnit, time.Now().Add(time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, "upgrade", due[0].Metadata["op"])
}

func TestUpgrade_RejectsInsufficientReadyCount(t *testing.T) {
	svc, cache, _ := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Ready: 1})

	err := svc.Upgrade(context.Background(), 1, "swordsman", "knight", 3)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Insufficient, e.Kind)
}

func TestUpgrade_RejectsWhenSourceAlreadyHasActiveTask(t *testing.T) {
	svc, cache, _ := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 1000})
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Ready: 10})
	require.NoError(t, svc.Train(context.Background(), 1, "swordsman", 1))

	err := svc.Upgrade(context.Background(), 1, "swordsman", "knight", 1)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}

func TestFinish_UpgradeMovesUpgradingSourceToReadyTarget(t *testing.T) {
	svc, cache, queue := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Ready: 5})
	require.NoError(t, svc.Upgrade(context.Background(), 1, "swordsman", "knight", 3))

	due := queue.PopDue(types.TaskUnit, time.Now().Add(time.Hour))
	require.Len(t, due, 1)
	require.NoError(t, svc.Finish(context.Background(), due[0]))

	source, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(0), source.Upgrading)

	target, ok := cache.GetUnit(1, "knight")
	require.True(t, ok)
	assert.Equal(t, int64(3), target.Ready)
}

func TestCancel_UpgradeRestoresReadyBucket(t *testing.T) {
	svc, cache, queue := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})
	cache.PutUnit(types.UnitAggregate{UserID: 1, UnitIdx: "swordsman", Ready: 5})
	require.NoError(t, svc.Upgrade(context.Background(), 1, "swordsman", "knight", 3))

	tasks := queue.TasksForUser(types.TaskUnit, 1)
	require.Len(t, tasks, 1)

	require.NoError(t, svc.Cancel(context.Background(), 1, "swordsman", tasks[0].SubID))

	source, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(5), source.Ready)
	assert.Equal(t, int64(0), source.Upgrading)
}

func TestUnitAggregate_TotalSumsEveryBucket(t *testing.T) {
	u := types.UnitAggregate{Ready: 1, Field: 2, Training: 3, Upgrading: 4, Injured: 5, Wounded: 6, Healing: 7, Dead: 8}
	assert.Equal(t, int64(36), u.Total())
}

func TestCancel_RefundsConfiguredFractionAndClearsTraining(t *testing.T) {
	svc, cache, queue := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})
	require.NoError(t, svc.Train(context.Background(), 1, "swordsman", 4))

	tasks := queue.TasksForUser(types.TaskUnit, 1)
	require.Len(t, tasks, 1)
	subID := tasks[0].SubID

	require.NoError(t, svc.Cancel(context.Background(), 1, "swordsman", subID))

	r, _ := cache.GetResources(1)
	assert.Equal(t, int64(80), r.Food, "cancel should refund 50%% of the 40-food batch cost")

	u, ok := cache.GetUnit(1, "swordsman")
	require.True(t, ok)
	assert.Equal(t, int64(0), u.Training)

	assert.Empty(t, queue.TasksForUser(types.TaskUnit, 1))
}

func TestCancel_UnknownBatchReturnsNotFound(t *testing.T) {
	svc, cache, _ := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1, Food: 100})

	err := svc.Cancel(context.Background(), 1, "swordsman", "nope")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.NotFound, e.Kind)
}
