package gamecache

import (
	"sync"
	"testing"

	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementResource_CreatesRowAndTracksDirty(t *testing.T) {
	s := New()

	got := s.IncrementResource(1, "wood", 50)
	assert.Equal(t, int64(50), got)

	got = s.IncrementResource(1, "wood", -20)
	assert.Equal(t, int64(30), got)

	r, ok := s.GetResources(1)
	require.True(t, ok)
	assert.Equal(t, int64(30), r.Wood)

	dirty := s.DrainDirty(ClassResource)
	assert.Equal(t, []int64{1}, dirty)

	// Draining clears the set.
	assert.Empty(t, s.DrainDirty(ClassResource))
}

func TestPutBuilding_ListBuildings(t *testing.T) {
	s := New()
	s.PutBuilding(types.Building{UserID: 1, BuildingIdx: "town_hall", Level: 1})
	s.PutBuilding(types.Building{UserID: 1, BuildingIdx: "farm", Level: 2})
	s.PutBuilding(types.Building{UserID: 2, BuildingIdx: "farm", Level: 1})

	list := s.ListBuildings(1)
	assert.Len(t, list, 2)

	b, ok := s.GetBuilding(1, "town_hall")
	require.True(t, ok)
	assert.Equal(t, 1, b.Level)

	_, ok = s.GetBuilding(1, "missing")
	assert.False(t, ok)
}

func TestMarkDirty_DrainDirty_UnknownClassStartsEmpty(t *testing.T) {
	s := New()
	s.MarkDirty("buff", 7)
	s.MarkDirty("buff", 8)

	got := s.DrainDirty("buff")
	assert.ElementsMatch(t, []int64{7, 8}, got)
	assert.Empty(t, s.DrainDirty("buff"))
}

func TestIncrementItem_AccumulatesAndMarksDirty(t *testing.T) {
	s := New()
	assert.Equal(t, int64(3), s.IncrementItem(1, "potion", 3))
	assert.Equal(t, int64(5), s.IncrementItem(1, "potion", 2))
	assert.Equal(t, int64(2), s.IncrementItem(1, "potion", -3))

	items := s.ListItems(1)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].Count)

	assert.Equal(t, []int64{1}, s.DrainDirty(ClassItem))
}

func TestBuff_PutGetRemove(t *testing.T) {
	s := New()
	s.PutBuff(types.Buff{UserID: 1, BuffIdx: "speed", Value: 0.1, Permanent: true})
	s.PutBuff(types.Buff{UserID: 1, BuffIdx: "attack", Value: 0.2})

	assert.Len(t, s.GetBuffs(1), 2)

	s.RemoveBuff(1, "speed")
	buffs := s.GetBuffs(1)
	require.Len(t, buffs, 1)
	assert.Equal(t, "attack", buffs[0].BuffIdx)
}

func TestShopSlot_PutGet(t *testing.T) {
	s := New()
	s.PutShopSlot(types.ShopSlot{UserID: 1, SlotIdx: 0, ItemIdx: "chest"})
	s.PutShopSlot(types.ShopSlot{UserID: 1, SlotIdx: 1, ItemIdx: "speedup"})

	slots := s.GetShopSlots(1)
	assert.Len(t, slots, 2)
}

func TestStore_ConcurrentIncrementIsSafe(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.IncrementResource(1, "gold", 1)
		}()
	}
	wg.Wait()

	r, ok := s.GetResources(1)
	require.True(t, ok)
	assert.Equal(t, int64(100), r.Gold)
}
