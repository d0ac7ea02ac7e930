// Package mission implements the Mission Service: progress tracking by
// category, completion detection against the configured target, and a
// claim path that grants the configured resource reward via the Resource
// Service.
package mission

import (
	"context"
	"log/slog"
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

// Service is the per-request Mission Service.
type Service struct {
	cfg    *config.Config
	cache  *gamecache.Store
	store  *storage.Store
	locks  *lock.Manager
	res    *resource.Service
	items  *item.Service
	logger *slog.Logger
}

// New constructs a Mission Service.
func New(cfg *config.Config, cache *gamecache.Store, store *storage.Store, locks *lock.Manager, res *resource.Service, items *item.Service, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, cache: cache, store: store, locks: locks, res: res, items: items, logger: logger}
}

// Info returns a user's mission progress, filling the cache from
// persistence on miss.
func (s *Service) Info(ctx context.Context, userID int64, idx string) (types.Mission, error) {
	if m, ok := s.cache.GetMission(userID, idx); ok {
		return m, nil
	}
	rows, err := s.store.ListMissions(ctx, userID)
	if err != nil {
		return types.Mission{}, apperr.Wrap(apperr.Transient, "loading missions", err)
	}
	for _, m := range rows {
		s.cache.PutMission(m)
		if m.MissionIdx == idx {
			return m, nil
		}
	}
	return types.Mission{UserID: userID, MissionIdx: idx}, nil
}

// OnEvent advances progress on every mission in the given category by
// delta, marking any that cross their target as completed. Called by
// the Task Worker / API handlers after a game event (building finished,
// unit trained, etc.) under the user's lock.
func (s *Service) OnEvent(ctx context.Context, userID int64, category string, delta int64) error {
	for _, def := range s.cfg.Missions {
		if def.Category != category {
			continue
		}
		m, err := s.Info(ctx, userID, def.Idx)
		if err != nil {
			return err
		}
		if m.Completed {
			continue
		}
		m.Progress += delta
		if m.Progress >= def.Target {
			m.Progress = def.Target
			m.Completed = true
		}
		m.UpdatedAt = time.Now()
		s.cache.PutMission(m)
		s.cache.MarkDirty("mission", userID)

		if m.Completed {
			s.logger.Info("mission completed", "user_id", userID, "mission_idx", def.Idx)
		}
	}
	return nil
}

// Claim grants a completed, unclaimed mission's reward.
func (s *Service) Claim(ctx context.Context, userID int64, idx string) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	m, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if !m.Completed {
		return apperr.Conflictf("mission %s not completed for user %d", idx, userID)
	}
	if m.Claimed {
		return apperr.Conflictf("mission %s already claimed for user %d", idx, userID)
	}

	def, ok := s.cfg.FindMission(idx)
	if !ok {
		return apperr.NotFoundf("no catalog entry for mission %s", idx)
	}

	if len(def.Reward) > 0 {
		if err := s.res.Produce(ctx, userID, def.Reward); err != nil {
			return err
		}
	}

	m.Claimed = true
	m.UpdatedAt = time.Now()
	s.cache.PutMission(m)
	s.cache.MarkDirty("mission", userID)

	s.logger.Info("mission reward claimed", "user_id", userID, "mission_idx", idx)
	return nil
}
