// Package building implements the Building Service: start/upgrade under
// lock with resource consumption and queue enrollment, a finish handler
// invoked by the Task Worker, and a cancel path that refunds per the
// configured building refund fraction.
package building

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/gamequeue"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/service/buff"
	"github.com/antigravity-dev/gameserver/internal/service/mission"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// Service is the per-request Building Service.
type Service struct {
	cfg     *config.Config
	cache   *gamecache.Store
	store   *storage.Store
	queue   *gamequeue.Queue
	locks   *lock.Manager
	res     *resource.Service
	buffs   *buff.Service
	mission *mission.Service
	logger  *slog.Logger
}

// New constructs a Building Service. mission may be nil for callers (e.g.
// config validation tooling) that never invoke Finish.
func New(cfg *config.Config, cache *gamecache.Store, store *storage.Store, queue *gamequeue.Queue, locks *lock.Manager, res *resource.Service, buffs *buff.Service, mis *mission.Service, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, cache: cache, store: store, queue: queue, locks: locks, res: res, buffs: buffs, mission: mis, logger: logger}
}

// Info returns a user's building row, filling the cache from persistence
// on miss. A never-built idx reports level 0, not upgrading.
func (s *Service) Info(ctx context.Context, userID int64, idx string) (types.Building, error) {
	if b, ok := s.cache.GetBuilding(userID, idx); ok {
		return b, nil
	}
	rows, err := s.store.ListBuildings(ctx, userID)
	if err != nil {
		return types.Building{}, apperr.Wrap(apperr.Transient, "loading buildings", err)
	}
	for _, b := range rows {
		s.cache.PutBuilding(b)
		if b.BuildingIdx == idx {
			return b, nil
		}
	}
	return types.Building{UserID: userID, BuildingIdx: idx, Level: 0}, nil
}

// Create starts construction of a new building, granting level 1
// immediately rather than a level-0-plus-timer scheme.
func (s *Service) Create(ctx context.Context, userID int64, idx string) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	existing, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if existing.Level > 0 || existing.Upgrading {
		return apperr.Conflictf("building %s already exists for user %d", idx, userID)
	}

	def, ok := s.cfg.FindBuilding(idx, 1)
	if !ok {
		return apperr.NotFoundf("no catalog entry for building %s level 1", idx)
	}

	if err := s.res.Consume(ctx, userID, def.Cost); err != nil {
		return err
	}

	b := types.Building{UserID: userID, BuildingIdx: idx, Level: 1, Upgrading: false, UpdatedAt: time.Now()}
	s.cache.PutBuilding(b)
	s.cache.MarkDirty("building", userID)

	s.logger.Info("building created", "user_id", userID, "building_idx", idx, "level", 1)
	return nil
}

// Upgrade starts an upgrade from the building's current level to the next,
// consuming resources up front and enrolling a timed task.
func (s *Service) Upgrade(ctx context.Context, userID int64, idx string) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	b, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if b.Level == 0 {
		return apperr.NotFoundf("building %s not yet built for user %d", idx, userID)
	}
	if b.Upgrading {
		return apperr.Conflictf("building %s already upgrading for user %d", idx, userID)
	}

	if b.Level >= config.MaxBuildingLevel {
		return apperr.Conflictf("building %s for user %d already at max level %d", idx, userID, config.MaxBuildingLevel)
	}

	nextLevel := b.Level + 1
	def, ok := s.cfg.FindBuilding(idx, nextLevel)
	if !ok {
		return apperr.NotFoundf("no catalog entry for building %s level %d", idx, nextLevel)
	}

	if err := s.res.Consume(ctx, userID, def.Cost); err != nil {
		return err
	}

	b.Upgrading = true
	b.UpdatedAt = time.Now()
	s.cache.PutBuilding(b)
	s.cache.MarkDirty("building", userID)

	seconds := float64(def.BuildSeconds)
	if s.buffs != nil {
		// The speed bonus Multiplier adds on top of base is taken off the
		// duration instead, never below one second.
		boosted, err := s.buffs.Multiplier(ctx, userID, "building", idx, "build_speed", seconds)
		if err != nil {
			return err
		}
		seconds -= boosted - seconds
		if seconds < 1 {
			seconds = 1
		}
	}
	endAt := time.Now().Add(time.Duration(seconds) * time.Second)
	task := types.Task{
		Class:  types.TaskBuilding,
		UserID: userID,
		TaskID: idx,
		EndAt:  endAt,
		Metadata: map[string]any{
			"target_level": nextLevel,
			"cost":         def.Cost,
		},
	}
	s.queue.Enqueue(task)
	if err := s.store.UpsertTask(ctx, task); err != nil {
		s.logger.Error("failed to persist building task", "user_id", userID, "building_idx", idx, "error", err)
	}

	s.logger.Info("building upgrade started", "user_id", userID, "building_idx", idx, "target_level", nextLevel, "end_at", endAt)
	return nil
}

// Finish completes an in-progress upgrade; invoked by the Task Worker
// under the user's lock once the queue reports the task due.
func (s *Service) Finish(ctx context.Context, t types.Task) error {
	userID := t.UserID
	idx := t.TaskID

	b, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if !b.Upgrading {
		return apperr.Conflictf("building %s for user %d not upgrading", idx, userID)
	}

	targetLevel, _ := t.Metadata["target_level"].(int)
	if targetLevel == 0 {
		targetLevel = b.Level + 1
	}

	b.Level = targetLevel
	b.Upgrading = false
	b.UpdatedAt = time.Now()
	s.cache.PutBuilding(b)
	s.cache.MarkDirty("building", userID)

	if err := s.store.DeleteTask(ctx, types.TaskBuilding, userID, idx, ""); err != nil {
		s.logger.Error("failed to delete persisted building task", "user_id", userID, "building_idx", idx, "error", err)
	}

	if s.mission != nil {
		if err := s.mission.OnEvent(ctx, userID, "building", 1); err != nil {
			s.logger.Error("mission check failed after building finish", "user_id", userID, "building_idx", idx, "error", err)
		}
	}

	s.logger.Info("building upgrade finished", "user_id", userID, "building_idx", idx, "level", targetLevel)
	return nil
}

// Cancel aborts an in-progress upgrade, refunding the configured fraction
// of the original cost and removing the queue entry.
func (s *Service) Cancel(ctx context.Context, userID int64, idx string) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	b, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if !b.Upgrading {
		return apperr.Conflictf("building %s for user %d not upgrading", idx, userID)
	}

	nextLevel := b.Level + 1
	def, ok := s.cfg.FindBuilding(idx, nextLevel)
	if ok {
		refund := applyFraction(def.Cost, s.cfg.Refunds.Building)
		if err := s.res.Produce(ctx, userID, refund); err != nil {
			return err
		}
	}

	s.queue.Remove(types.TaskBuilding, userID, idx, "")
	if err := s.store.DeleteTask(ctx, types.TaskBuilding, userID, idx, ""); err != nil {
		s.logger.Error("failed to delete persisted building task", "user_id", userID, "building_idx", idx, "error", err)
	}

	b.Upgrading = false
	b.UpdatedAt = time.Now()
	s.cache.PutBuilding(b)
	s.cache.MarkDirty("building", userID)

	s.logger.Info("building upgrade cancelled", "user_id", userID, "building_idx", idx)
	return nil
}

func applyFraction(cost map[string]int64, fraction float64) map[string]int64 {
	out := make(map[string]int64, len(cost))
	for k, v := range cost {
		out[k] = int64(float64(v) * fraction)
	}
	return out
}
