// Package item implements the Item Service: inventory add/use/detail,
// dispatching an item's configured effect (speedup, resource, or
// weighted chest) on use.
//
// The speedup effect rescores the target's queued task earlier by the
// configured duration rather than removing and re-enqueueing it.
package item

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/gamequeue"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// Service is the per-request Item Service.
type Service struct {
	cfg    *config.Config
	cache  *gamecache.Store
	store  *storage.Store
	queue  *gamequeue.Queue
	locks  *lock.Manager
	res    *resource.Service
	logger *slog.Logger
}

// New constructs an Item Service.
func New(cfg *config.Config, cache *gamecache.Store, store *storage.Store, queue *gamequeue.Queue, locks *lock.Manager, res *resource.Service, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, cache: cache, store: store, queue: queue, locks: locks, res: res, logger: logger}
}

// Detail returns a user's item stack, filling the cache from persistence
// on miss.
func (s *Service) Detail(ctx context.Context, userID int64, idx string) (types.Item, error) {
	if it, ok := s.cache.GetItem(userID, idx); ok {
		return it, nil
	}
	rows, err := s.store.ListItems(ctx, userID)
	if err != nil {
		return types.Item{}, apperr.Wrap(apperr.Transient, "loading items", err)
	}
	for _, it := range rows {
		s.cache.PutItem(it)
		if it.ItemIdx == idx {
			return it, nil
		}
	}
	return types.Item{UserID: userID, ItemIdx: idx}, nil
}

// Add grants count of idx to a user's inventory (e.g. mission rewards,
// shop purchases).
func (s *Service) Add(userID int64, idx string, count int64) {
	s.cache.IncrementItem(userID, idx, count)
	s.cache.MarkDirty("item", userID)
	s.logger.Info("item added", "user_id", userID, "item_idx", idx, "count", count)
}

// UseResult reports the outcome of consuming an item.
type UseResult struct {
	Kind      string           `json:"kind"`
	Resources map[string]int64 `json:"resources,omitempty"`
	ChestIdx  string           `json:"chest_item,omitempty"`
}

// Use consumes count of idx from the user's inventory and applies its
// configured effect under the user's lock: a speedup item reschedules the
// named in-flight task earlier by speedup_seconds*count; a resource item
// grants its configured resource amount; a chest item draws from its
// weighted loot table and grants the result.
func (s *Service) Use(ctx context.Context, userID int64, idx string, count int64, target *SpeedupTarget) (UseResult, error) {
	if count <= 0 {
		return UseResult{}, apperr.Validationf("count", "must be positive, got %d", count)
	}

	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return UseResult{}, err
	}
	defer release()

	it, err := s.Detail(ctx, userID, idx)
	if err != nil {
		return UseResult{}, err
	}
	if it.Count < count {
		return UseResult{}, apperr.InsufficientResources("item:" + idx)
	}

	def, ok := s.cfg.FindItem(idx)
	if !ok {
		return UseResult{}, apperr.NotFoundf("no catalog entry for item %s", idx)
	}

	s.cache.IncrementItem(userID, idx, -count)
	s.cache.MarkDirty("item", userID)

	switch def.Kind {
	case "speedup":
		if target == nil {
			return UseResult{}, apperr.Validationf("target", "speedup item requires a target task")
		}
		endAt, ok := s.queue.ScoreOf(target.Class, userID, target.TaskID, target.SubID)
		if !ok {
			return UseResult{}, apperr.NotFoundf("no in-flight task %s/%s to speed up", target.TaskID, target.SubID)
		}
		newEnd := endAt.Add(-time.Duration(def.SpeedupSeconds*count) * time.Second)
		if newEnd.Before(time.Now()) {
			newEnd = time.Now()
		}
		s.queue.Reschedule(target.Class, userID, target.TaskID, target.SubID, newEnd)

		for _, t := range s.queue.TasksForUser(target.Class, userID) {
			if t.TaskID == target.TaskID && t.SubID == target.SubID {
				if err := s.store.UpsertTask(ctx, t); err != nil {
					s.logger.Error("failed to persist rescheduled task", "user_id", userID, "task_id", target.TaskID, "error", err)
				}
				break
			}
		}

		s.logger.Info("item speedup applied", "user_id", userID, "item_idx", idx, "count", count, "new_end_at", newEnd)
		return UseResult{Kind: "speedup"}, nil

	case "resource":
		gains := map[string]int64{def.ResourceType: def.ResourceAmount * count}
		if err := s.res.Produce(ctx, userID, gains); err != nil {
			return UseResult{}, err
		}
		return UseResult{Kind: "resource", Resources: gains}, nil

	case "chest":
		var lastChest string
		for i := int64(0); i < count; i++ {
			choice := config.WeightedChoice(def.ChestTable, rand.Intn(1<<30))
			if choice < 0 {
				continue
			}
			won := def.ChestTable[choice]
			lastChest = won.Idx
			s.cache.IncrementItem(userID, won.Idx, 1)
		}
		return UseResult{Kind: "chest", ChestIdx: lastChest}, nil

	default:
		return UseResult{}, apperr.Fatalf("item %s has unknown catalog kind %q", idx, def.Kind)
	}
}

// SpeedupTarget names the in-flight task a speedup item should reschedule.
type SpeedupTarget struct {
	Class  types.TaskClass
	TaskID string
	SubID  string
}
