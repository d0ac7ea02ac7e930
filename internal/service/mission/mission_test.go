package mission

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
	"github.com/antigravity-dev/gameserver/internal/service/item"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Missions: []config.MissionDef{
			{Idx: "build_5", Category: "building", Target: 5, Reward: map[string]int64{"gold": 50}},
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *gamecache.Store) {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache := gamecache.New()
	locks := lock.New(time.Second)
	res := resource.New(cache, st, testLogger())
	queue := gamequeue.New(time.Hour, 3)
	items := item.New(cfg, cache, st, queue, locks, res, testLogger())
	return New(cfg, cache, st, locks, res, items, testLogger()), cache
}

func TestOnEvent_AdvancesMatchingCategoryOnly(t *testing.T) {
	svc, cache := newTestService(t, testConfig())

	require.NoError(t, svc.OnEvent(context.Background(), 1, "unit", 3))
	m, ok := cache.GetMission(1, "build_5")
	assert.False(t, ok, "an unrelated category must not create a progress row")

	require.NoError(t, svc.OnEvent(context.Background(), 1, "building", 3))
	m, ok = cache.GetMission(1, "build_5")
	require.True(t, ok)
	assert.Equal(t, int64(3), m.Progress)
	assert.False(t, m.Completed)
}

func TestOnEvent_CompletesAtTargetAndClampsProgress(t *testing.T) {
	svc, cache := newTestService(t, testConfig())

	require.NoError(t, svc.OnEvent(context.Background(), 1, "building", 10))

	m, ok := cache.GetMission(1, "build_5")
	require.True(t, ok)
	assert.True(t, m.Completed)
	assert.Equal(t, int64(5), m.Progress, "progress must clamp to the mission's target")
}

func TestOnEvent_StopsAdvancingAlreadyCompletedMission(t *testing.T) {
	svc, cache := newTestService(t, testConfig())

	require.NoError(t, svc.OnEvent(context.Background(), 1, "building", 5))
	require.NoError(t, svc.OnEvent(context.Background(), 1, "building", 5))

	m, ok := cache.GetMission(1, "build_5")
	require.True(t, ok)
	assert.Equal(t, int64(5), m.Progress)
}

func TestClaim_RejectsIncompleteMission(t *testing.T) {
	svc, cache := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1})
	require.NoError(t, svc.OnEvent(context.Background(), 1, "building", 2))

	err := svc.Claim(context.Background(), 1, "build_5")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}

func TestClaim_GrantsRewardAndMarksClaimed(t *testing.T) {
	svc, cache := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1})
	require.NoError(t, svc.OnEvent(context.Background(), 1, "building", 5))

	require.NoError(t, svc.Claim(context.Background(), 1, "build_5"))

	r, _ := cache.GetResources(1)
	assert.Equal(t, int64(50), r.Gold)

	m, ok := cache.GetMission(1, "build_5")
	require.True(t, ok)
	assert.True(t, m.Claimed)
}

func TestClaim_RejectsDoubleClaim(t *testing.T) {
	svc, cache := newTestService(t, testConfig())
	cache.PutResources(types.Resources{UserID: 1})
	require.NoError(t, svc.OnEvent(context.Background(), 1, "building", 5))
	require.NoError(t, svc.Claim(context.Background(), 1, "build_5"))

	err := svc.Claim(context.Background(), 1, "build_5")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}
