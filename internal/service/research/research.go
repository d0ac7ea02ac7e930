// Package research implements the Research Service: start/finish/cancel
// of a per-line research track, a cross-line single-in-flight invariant,
// prerequisite gating, permanent buff grants on completion, and dependent
// unlocking, refunding the configured research fraction on cancel.
package research

import (
	"context"
	"fmt"
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

// Service is the per-request Research Service.
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

// New constructs a Research Service. buffs and mission may be nil for
// callers that never invoke Finish.
func New(cfg *config.Config, cache *gamecache.Store, store *storage.Store, queue *gamequeue.Queue, locks *lock.Manager, res *resource.Service, buffs *buff.Service, mis *mission.Service, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, cache: cache, store: store, queue: queue, locks: locks, res: res, buffs: buffs, mission: mis, logger: logger}
}

// Info returns a user's research row, filling the cache from persistence
// on miss. A never-touched idx reports level 0 with an empty status; use
// resolveStatus to turn that into Locked or Available.
func (s *Service) Info(ctx context.Context, userID int64, idx string) (types.Research, error) {
	if r, ok := s.cache.GetResearch(userID, idx); ok {
		return r, nil
	}
	rows, err := s.store.ListResearch(ctx, userID)
	if err != nil {
		return types.Research{}, apperr.Wrap(apperr.Transient, "loading research", err)
	}
	for _, r := range rows {
		s.cache.PutResearch(r)
		if r.ResearchIdx == idx {
			return r, nil
		}
	}
	return types.Research{UserID: userID, ResearchIdx: idx}, nil
}

// allRows returns every research row the user currently has, loading the
// persistent store on a fully-cold cache.
func (s *Service) allRows(ctx context.Context, userID int64) ([]types.Research, error) {
	if cached := s.cache.ListResearch(userID); len(cached) > 0 {
		return cached, nil
	}
	rows, err := s.store.ListResearch(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "loading research", err)
	}
	for _, r := range rows {
		s.cache.PutResearch(r)
	}
	return rows, nil
}

// def1 returns the level-1 catalog row for idx, which carries the
// prerequisites and repeatable flag that gate the whole research line.
func (s *Service) def1(idx string) (config.ResearchDef, bool) {
	for _, def := range s.cfg.Research {
		if def.Idx == idx && def.Level == 1 {
			return def, true
		}
	}
	return config.ResearchDef{}, false
}

// prerequisitesMet reports whether every prerequisite research idx has
// reached at least the required level (i.e. completed that level).
func (s *Service) prerequisitesMet(ctx context.Context, userID int64, prereqs map[string]int) (bool, error) {
	for reqIdx, reqLevel := range prereqs {
		r, err := s.Info(ctx, userID, reqIdx)
		if err != nil {
			return false, err
		}
		if r.Level < reqLevel {
			return false, nil
		}
	}
	return true, nil
}

// resolveStatus turns a possibly-untouched research row into its effective
// status: a row with an explicit status is trusted as-is, otherwise the
// line is Available if it has no unmet prerequisite, Locked if it does.
func (s *Service) resolveStatus(ctx context.Context, userID int64, r types.Research) (types.ResearchStatus, error) {
	if r.Status != "" {
		return r.Status, nil
	}
	def, ok := s.def1(r.ResearchIdx)
	if !ok || len(def.Prerequisites) == 0 {
		return types.ResearchAvailable, nil
	}
	met, err := s.prerequisitesMet(ctx, userID, def.Prerequisites)
	if err != nil {
		return "", err
	}
	if met {
		return types.ResearchAvailable, nil
	}
	return types.ResearchLocked, nil
}

// Start begins researching the next level of idx.
func (s *Service) Start(ctx context.Context, userID int64, idx string) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	rows, err := s.allRows(ctx, userID)
	if err != nil {
		return err
	}
	for _, rr := range rows {
		if rr.ResearchIdx != idx && rr.Status == types.ResearchResearching {
			return apperr.Conflictf("research %s already in progress for user %d", rr.ResearchIdx, userID)
		}
	}

	r, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if r.Status == types.ResearchResearching {
		return apperr.Conflictf("research %s already in progress for user %d", idx, userID)
	}

	status, err := s.resolveStatus(ctx, userID, r)
	if err != nil {
		return err
	}
	if status == types.ResearchLocked {
		return apperr.Conflictf("Prerequisite: research %s locked for user %d", idx, userID)
	}

	if status == types.ResearchCompleted {
		if d1, ok := s.def1(idx); ok && !d1.Repeatable {
			return apperr.Conflictf("research %s for user %d already completed and not repeatable", idx, userID)
		}
	}

	nextLevel := r.Level + 1
	def, ok := s.cfg.FindResearch(idx, nextLevel)
	if !ok {
		return apperr.NotFoundf("no catalog entry for research %s level %d", idx, nextLevel)
	}

	if err := s.res.Consume(ctx, userID, def.Cost); err != nil {
		return err
	}

	now := time.Now()
	r.Status = types.ResearchResearching
	r.StartAt = now
	r.EndAt = now.Add(time.Duration(def.ResearchSeconds) * time.Second)
	r.UpdatedAt = now
	s.cache.PutResearch(r)
	s.cache.MarkDirty("research", userID)

	task := types.Task{
		Class:    types.TaskResearch,
		UserID:   userID,
		TaskID:   idx,
		EndAt:    r.EndAt,
		Metadata: map[string]any{"target_level": nextLevel, "cost": def.Cost},
	}
	s.queue.Enqueue(task)
	if err := s.store.UpsertTask(ctx, task); err != nil {
		s.logger.Error("failed to persist research task", "user_id", userID, "research_idx", idx, "error", err)
	}

	s.logger.Info("research started", "user_id", userID, "research_idx", idx, "target_level", nextLevel, "end_at", r.EndAt)
	return nil
}

// Finish completes an in-progress research level, grants its permanent
// buff, and unlocks any dependent research lines.
func (s *Service) Finish(ctx context.Context, t types.Task) error {
	userID := t.UserID
	idx := t.TaskID

	r, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if r.Status != types.ResearchResearching {
		return apperr.Conflictf("research %s for user %d not in progress", idx, userID)
	}

	targetLevel, _ := t.Metadata["target_level"].(int)
	if targetLevel == 0 {
		targetLevel = r.Level + 1
	}

	r.Level = targetLevel
	r.Status = types.ResearchCompleted
	r.StartAt = time.Time{}
	r.EndAt = time.Time{}
	r.UpdatedAt = time.Now()
	s.cache.PutResearch(r)
	s.cache.MarkDirty("research", userID)

	if err := s.store.DeleteTask(ctx, types.TaskResearch, userID, idx, ""); err != nil {
		s.logger.Error("failed to delete persisted research task", "user_id", userID, "research_idx", idx, "error", err)
	}

	if def, ok := s.cfg.FindResearch(idx, targetLevel); ok && s.buffs != nil {
		buffIdx := types.BuffKey("research", fmt.Sprintf("%s_%d", idx, targetLevel))
		for _, eff := range def.Effects {
			if err := s.buffs.Grant(ctx, userID, buffIdx, eff.TargetType, eff.TargetSubType, eff.StatType, eff.Value, types.BuffValueType(eff.ValueType), true, 0); err != nil {
				s.logger.Error("failed to grant research buff", "user_id", userID, "research_idx", idx, "error", err)
			}
		}
	}

	if err := s.unlockDependents(ctx, userID, idx); err != nil {
		s.logger.Error("failed to unlock dependent research", "user_id", userID, "research_idx", idx, "error", err)
	}

	if s.mission != nil {
		if err := s.mission.OnEvent(ctx, userID, "research", 1); err != nil {
			s.logger.Error("mission check failed after research finish", "user_id", userID, "research_idx", idx, "error", err)
		}
	}

	s.logger.Info("research finished", "user_id", userID, "research_idx", idx, "level", targetLevel)
	return nil
}

// unlockDependents transitions any Locked research line whose prerequisite
// is completedIdx to Available, once its full prerequisite set is met.
func (s *Service) unlockDependents(ctx context.Context, userID int64, completedIdx string) error {
	for _, def := range s.cfg.Research {
		if def.Level != 1 || def.Idx == completedIdx {
			continue
		}
		if _, ok := def.Prerequisites[completedIdx]; !ok {
			continue
		}

		dep, err := s.Info(ctx, userID, def.Idx)
		if err != nil {
			return err
		}
		if dep.Status == types.ResearchCompleted || dep.Status == types.ResearchResearching {
			continue
		}

		status, err := s.resolveStatus(ctx, userID, dep)
		if err != nil {
			return err
		}
		if status == types.ResearchAvailable && dep.Status != types.ResearchAvailable {
			dep.Status = types.ResearchAvailable
			dep.UpdatedAt = time.Now()
			s.cache.PutResearch(dep)
			s.cache.MarkDirty("research", userID)
		}
	}
	return nil
}

// Cancel aborts an in-progress research level, refunding the configured
// research fraction and resetting status to Available.
func (s *Service) Cancel(ctx context.Context, userID int64, idx string) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	r, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if r.Status != types.ResearchResearching {
		return apperr.Conflictf("research %s for user %d not in progress", idx, userID)
	}

	nextLevel := r.Level + 1
	def, ok := s.cfg.FindResearch(idx, nextLevel)
	if ok {
		refund := applyFraction(def.Cost, s.cfg.Refunds.Research)
		if err := s.res.Produce(ctx, userID, refund); err != nil {
			return err
		}
	}

	s.queue.Remove(types.TaskResearch, userID, idx, "")
	if err := s.store.DeleteTask(ctx, types.TaskResearch, userID, idx, ""); err != nil {
		s.logger.Error("failed to delete persisted research task", "user_id", userID, "research_idx", idx, "error", err)
	}

	r.Status = types.ResearchAvailable
	r.StartAt = time.Time{}
	r.EndAt = time.Time{}
	r.UpdatedAt = time.Now()
	s.cache.PutResearch(r)
	s.cache.MarkDirty("research", userID)

	s.logger.Info("research cancelled", "user_id", userID, "research_idx", idx)
	return nil
}

func applyFraction(cost map[string]int64, fraction float64) map[string]int64 {
	out := make(map[string]int64, len(cost))
	for k, v := range cost {
		out[k] = int64(float64(v) * fraction)
	}
	return out
}
