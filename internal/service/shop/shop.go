// Package shop implements the Shop Service: a fixed number of rotating
// purchase slots drawn from the weighted config table, refreshed on the
// configured interval, and a buy path that consumes currency and grants
// the slot's item.
//
// Slot generation shares config.WeightedChoice with the Item Service's
// chest roll.
package shop

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/service/item"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// Service is the per-request Shop Service.
type Service struct {
	cfg    *config.Config
	cache  *gamecache.Store
	store  *storage.Store
	locks  *lock.Manager
	res    *resource.Service
	items  *item.Service
	logger *slog.Logger
}

// New constructs a Shop Service.
func New(cfg *config.Config, cache *gamecache.Store, store *storage.Store, locks *lock.Manager, res *resource.Service, items *item.Service, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, cache: cache, store: store, locks: locks, res: res, items: items, logger: logger}
}

// List returns a user's current shop rotation, generating one if absent
// or expired.
func (s *Service) List(ctx context.Context, userID int64) ([]types.ShopSlot, error) {
	slots := s.cache.GetShopSlots(userID)
	if len(slots) == 0 || s.expired(slots) {
		rows, err := s.store.ListShopSlots(ctx, userID)
		if err == nil && len(rows) > 0 && !s.expired(rows) {
			for _, sl := range rows {
				s.cache.PutShopSlot(sl)
			}
			return rows, nil
		}
		return s.refresh(userID), nil
	}
	return slots, nil
}

func (s *Service) expired(slots []types.ShopSlot) bool {
	for _, sl := range slots {
		if time.Now().After(sl.ExpiresAt) {
			return true
		}
	}
	return false
}

func (s *Service) refresh(userID int64) []types.ShopSlot {
	expiresAt := time.Now().Add(s.cfg.Shop.RefreshInterval.Duration)
	out := make([]types.ShopSlot, 0, s.cfg.Shop.Slots)
	for i := 0; i < s.cfg.Shop.Slots; i++ {
		choice := config.WeightedChoice(s.cfg.Shop.Table, rand.Intn(1<<30))
		if choice < 0 {
			continue
		}
		entry := s.cfg.Shop.Table[choice]
		itemDef, _ := s.cfg.FindItem(entry.Idx)
		sl := types.ShopSlot{
			UserID:    userID,
			SlotIdx:   i,
			ItemIdx:   entry.Idx,
			Price:     basePrice(itemDef),
			Currency:  "gold",
			Purchased: false,
			ExpiresAt: expiresAt,
		}
		s.cache.PutShopSlot(sl)
		out = append(out, sl)
	}
	s.cache.MarkDirty("shop", userID)
	s.logger.Info("shop rotation refreshed", "user_id", userID, "slots", len(out), "expires_at", expiresAt)
	return out
}

func basePrice(def config.ItemDef) int64 {
	if def.ResourceAmount > 0 {
		return def.ResourceAmount / 10
	}
	return 100
}

// Buy purchases a shop slot, consuming its price in its currency and
// granting its item.
func (s *Service) Buy(ctx context.Context, userID int64, slotIdx int) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	slots, err := s.List(ctx, userID)
	if err != nil {
		return err
	}

	var slot *types.ShopSlot
	for i := range slots {
		if slots[i].SlotIdx == slotIdx {
			slot = &slots[i]
			break
		}
	}
	if slot == nil {
		return apperr.NotFoundf("no shop slot %d for user %d", slotIdx, userID)
	}
	if slot.Purchased {
		return apperr.Conflictf("shop slot %d already purchased for user %d", slotIdx, userID)
	}

	if err := s.res.Consume(ctx, userID, map[string]int64{slot.Currency: slot.Price}); err != nil {
		return err
	}

	s.items.Add(userID, slot.ItemIdx, 1)

	slot.Purchased = true
	s.cache.PutShopSlot(*slot)
	s.cache.MarkDirty("shop", userID)

	s.logger.Info("shop slot purchased", "user_id", userID, "slot_idx", slotIdx, "item_idx", slot.ItemIdx)
	return nil
}
