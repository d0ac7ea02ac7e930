// Package gamecache is the hot Cache Store: per-user, per-entity-class
// in-memory state with atomic integer field increment, read-through fill
// from the Persistent Store on miss, and a dirty-user-set per class that
// sync workers drain on their cadence.
//
// Implemented on mutex-guarded maps rather than an external cache
// client — see DESIGN.md for the justification.
package gamecache

import (
	"sync"

	"github.com/antigravity-dev/gameserver/internal/types"
)

// Store holds all per-user hot state in process memory.
type Store struct {
	mu sync.RWMutex

	resources map[int64]types.Resources
	buildings map[int64]map[string]types.Building
	units     map[int64]map[string]types.UnitAggregate
	research  map[int64]map[string]types.Research
	items     map[int64]map[string]types.Item
	buffs     map[int64]map[string]types.Buff
	missions  map[int64]map[string]types.Mission
	shop      map[int64]map[int]types.ShopSlot

	dirty map[string]map[int64]struct{} // class name -> dirty user set
}

// Classes understood by the dirty-set tracker, one per sync worker.
const (
	ClassResource = "resource"
	ClassBuilding = "building"
	ClassUnit     = "unit"
	ClassResearch = "research"
	ClassItem     = "item"
	ClassMission  = "mission"
)

// New constructs an empty hot cache.
func New() *Store {
	return &Store{
		resources: make(map[int64]types.Resources),
		buildings: make(map[int64]map[string]types.Building),
		units:     make(map[int64]map[string]types.UnitAggregate),
		research:  make(map[int64]map[string]types.Research),
		items:     make(map[int64]map[string]types.Item),
		buffs:     make(map[int64]map[string]types.Buff),
		missions:  make(map[int64]map[string]types.Mission),
		shop:      make(map[int64]map[int]types.ShopSlot),
		dirty: map[string]map[int64]struct{}{
			ClassResource: {},
			ClassBuilding: {},
			ClassUnit:     {},
			ClassResearch: {},
			ClassItem:     {},
			ClassMission:  {},
		},
	}
}

// MarkDirty records that a user's state in class needs a write-behind pass.
func (s *Store) MarkDirty(class string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.dirty[class]
	if !ok {
		set = make(map[int64]struct{})
		s.dirty[class] = set
	}
	set[userID] = struct{}{}
}

// DrainDirty returns and clears the dirty-user set for class, for a sync
// worker's write-behind pass.
func (s *Store) DrainDirty(class string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.dirty[class]
	out := make([]int64, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	s.dirty[class] = make(map[int64]struct{})
	return out
}

// GetResources returns a user's cached resources and whether they were
// present.
func (s *Store) GetResources(userID int64) (types.Resources, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[userID]
	return r, ok
}

// PutResources seeds or replaces a user's cached resources (used on
// cache-miss fill from persistence).
func (s *Store) PutResources(r types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.UserID] = r
}

// IncrementResource atomically adds delta to a resource field, creating
// the row at zero if absent, and marks the user dirty. delta may be
// negative. Returns the resulting amount.
func (s *Store) IncrementResource(userID int64, resType string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resources[userID]
	r.UserID = userID
	r.Add(resType, delta)
	s.resources[userID] = r

	set := s.dirty[ClassResource]
	if set == nil {
		set = make(map[int64]struct{})
		s.dirty[ClassResource] = set
	}
	set[userID] = struct{}{}

	return r.Get(resType)
}

// GetBuilding returns a user's cached building row.
func (s *Store) GetBuilding(userID int64, idx string) (types.Building, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buildings[userID][idx]
	return b, ok
}

// PutBuilding seeds or replaces a user's cached building row and marks it
// dirty.
func (s *Store) PutBuilding(b types.Building) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.buildings[b.UserID]
	if !ok {
		m = make(map[string]types.Building)
		s.buildings[b.UserID] = m
	}
	m[b.BuildingIdx] = b

	set := s.dirty[ClassBuilding]
	if set == nil {
		set = make(map[int64]struct{})
		s.dirty[ClassBuilding] = set
	}
	set[b.UserID] = struct{}{}
}

// ListBuildings returns every cached building row for a user.
func (s *Store) ListBuildings(userID int64) []types.Building {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Building, 0, len(s.buildings[userID]))
	for _, b := range s.buildings[userID] {
		out = append(out, b)
	}
	return out
}

// GetUnit returns a user's cached unit aggregate.
func (s *Store) GetUnit(userID int64, idx string) (types.UnitAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[userID][idx]
	return u, ok
}

// PutUnit seeds or replaces a user's cached unit aggregate and marks it
// dirty.
func (s *Store) PutUnit(u types.UnitAggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.units[u.UserID]
	if !ok {
		m = make(map[string]types.UnitAggregate)
		s.units[u.UserID] = m
	}
	m[u.UnitIdx] = u

	set := s.dirty[ClassUnit]
	if set == nil {
		set = make(map[int64]struct{})
		s.dirty[ClassUnit] = set
	}
	set[u.UserID] = struct{}{}
}

// ListUnits returns every cached unit aggregate for a user.
func (s *Store) ListUnits(userID int64) []types.UnitAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.UnitAggregate, 0, len(s.units[userID]))
	for _, u := range s.units[userID] {
		out = append(out, u)
	}
	return out
}

// GetResearch returns a user's cached research row.
func (s *Store) GetResearch(userID int64, idx string) (types.Research, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.research[userID][idx]
	return r, ok
}

// PutResearch seeds or replaces a user's cached research row and marks it
// dirty.
func (s *Store) PutResearch(r types.Research) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.research[r.UserID]
	if !ok {
		m = make(map[string]types.Research)
		s.research[r.UserID] = m
	}
	m[r.ResearchIdx] = r

	set := s.dirty[ClassResearch]
	if set == nil {
		set = make(map[int64]struct{})
		s.dirty[ClassResearch] = set
	}
	set[r.UserID] = struct{}{}
}

// ListResearch returns every cached research row for a user.
func (s *Store) ListResearch(userID int64) []types.Research {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Research, 0, len(s.research[userID]))
	for _, r := range s.research[userID] {
		out = append(out, r)
	}
	return out
}

// GetItem returns a user's cached item stack.
func (s *Store) GetItem(userID int64, idx string) (types.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[userID][idx]
	return it, ok
}

// PutItem seeds or replaces a user's cached item stack and marks it dirty.
func (s *Store) PutItem(it types.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[it.UserID]
	if !ok {
		m = make(map[string]types.Item)
		s.items[it.UserID] = m
	}
	m[it.ItemIdx] = it

	set := s.dirty[ClassItem]
	if set == nil {
		set = make(map[int64]struct{})
		s.dirty[ClassItem] = set
	}
	set[it.UserID] = struct{}{}
}

// IncrementItem atomically adds delta to an item stack's count, creating
// it at zero if absent, and marks the user dirty. Returns the resulting
// count.
func (s *Store) IncrementItem(userID int64, idx string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[userID]
	if !ok {
		m = make(map[string]types.Item)
		s.items[userID] = m
	}
	it := m[idx]
	it.UserID = userID
	it.ItemIdx = idx
	it.Count += delta
	m[idx] = it

	set := s.dirty[ClassItem]
	if set == nil {
		set = make(map[int64]struct{})
		s.dirty[ClassItem] = set
	}
	set[userID] = struct{}{}

	return it.Count
}

// ListItems returns every cached item stack for a user.
func (s *Store) ListItems(userID int64) []types.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Item, 0, len(s.items[userID]))
	for _, it := range s.items[userID] {
		out = append(out, it)
	}
	return out
}

// GetBuffs returns every cached buff for a user — the buff aggregate is
// small enough that the service layer recomputes multipliers from the
// full list rather than caching a precomputed aggregate row.
func (s *Store) GetBuffs(userID int64) []types.Buff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Buff, 0, len(s.buffs[userID]))
	for _, b := range s.buffs[userID] {
		out = append(out, b)
	}
	return out
}

// PutBuff seeds or replaces a user's cached buff.
func (s *Store) PutBuff(b types.Buff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.buffs[b.UserID]
	if !ok {
		m = make(map[string]types.Buff)
		s.buffs[b.UserID] = m
	}
	m[b.BuffIdx] = b
}

// RemoveBuff drops an expired or cancelled buff from the cache.
func (s *Store) RemoveBuff(userID int64, idx string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffs[userID], idx)
}

// GetMission returns a user's cached mission progress row.
func (s *Store) GetMission(userID int64, idx string) (types.Mission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[userID][idx]
	return m, ok
}

// PutMission seeds or replaces a user's cached mission row and marks it
// dirty.
func (s *Store) PutMission(m types.Mission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	um, ok := s.missions[m.UserID]
	if !ok {
		um = make(map[string]types.Mission)
		s.missions[m.UserID] = um
	}
	um[m.MissionIdx] = m

	set := s.dirty[ClassMission]
	if set == nil {
		set = make(map[int64]struct{})
		s.dirty[ClassMission] = set
	}
	set[m.UserID] = struct{}{}
}

// ListMissions returns every cached mission row for a user.
func (s *Store) ListMissions(userID int64) []types.Mission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Mission, 0, len(s.missions[userID]))
	for _, m := range s.missions[userID] {
		out = append(out, m)
	}
	return out
}

// GetShopSlots returns a user's cached shop rotation.
func (s *Store) GetShopSlots(userID int64) []types.ShopSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ShopSlot, 0, len(s.shop[userID]))
	for _, sl := range s.shop[userID] {
		out = append(out, sl)
	}
	return out
}

// PutShopSlot seeds or replaces one of a user's cached shop slots.
func (s *Store) PutShopSlot(sl types.ShopSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.shop[sl.UserID]
	if !ok {
		m = make(map[int]types.ShopSlot)
		s.shop[sl.UserID] = m
	}
	m[sl.SlotIdx] = sl
}
