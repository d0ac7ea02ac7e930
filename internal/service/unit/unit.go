// Package unit implements the Unit Service: training and upgrading under
// lock with resource consumption, a finish handler that settles the
// matured bucket transition, and cancel-with-refund. Batches settle only
// through Finish when their queued task comes due; the package has no
// login-time recovery step.
package unit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

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

// Service is the per-request Unit Service.
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

// New constructs a Unit Service. buffs/mis may be nil for callers that
// never need a duration discount or a mission hook on Finish.
func New(cfg *config.Config, cache *gamecache.Store, store *storage.Store, queue *gamequeue.Queue, locks *lock.Manager, res *resource.Service, buffs *buff.Service, mis *mission.Service, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, cache: cache, store: store, queue: queue, locks: locks, res: res, buffs: buffs, mission: mis, logger: logger}
}

// Info returns a user's unit aggregate, filling the cache from
// persistence on miss.
func (s *Service) Info(ctx context.Context, userID int64, idx string) (types.UnitAggregate, error) {
	if u, ok := s.cache.GetUnit(userID, idx); ok {
		return u, nil
	}
	rows, err := s.store.ListUnits(ctx, userID)
	if err != nil {
		return types.UnitAggregate{}, apperr.Wrap(apperr.Transient, "loading units", err)
	}
	for _, u := range rows {
		s.cache.PutUnit(u)
		if u.UnitIdx == idx {
			return u, nil
		}
	}
	return types.UnitAggregate{UserID: userID, UnitIdx: idx}, nil
}

// activeTask reports whether idx already has an in-flight task of either
// kind (training or upgrading) for userID.
func (s *Service) activeTask(userID int64, idx string) bool {
	for _, t := range s.queue.TasksForUser(types.TaskUnit, userID) {
		if t.TaskID == idx {
			return true
		}
	}
	return false
}

// Train enrolls count units of idx for training, consuming count*cost
// resources up front. Each unit in a batch shares one timed task scored
// by the batch's total duration, with the batch size carried in metadata.
func (s *Service) Train(ctx context.Context, userID int64, idx string, count int64) error {
	if count <= 0 {
		return apperr.Validationf("count", "must be positive, got %d", count)
	}

	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	def, ok := s.cfg.FindUnit(idx)
	if !ok {
		return apperr.NotFoundf("no catalog entry for unit %s", idx)
	}

	cost := scaleCost(def.Cost, count)
	if err := s.res.Consume(ctx, userID, cost); err != nil {
		return err
	}

	u, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	u.Training += count
	u.UpdatedAt = time.Now()
	s.cache.PutUnit(u)
	s.cache.MarkDirty("unit", userID)

	seconds := float64(def.TrainSeconds * count)
	if s.buffs != nil {
		boosted, err := s.buffs.Multiplier(ctx, userID, "unit", idx, "train_speed", seconds)
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
		Class:    types.TaskUnit,
		UserID:   userID,
		TaskID:   idx,
		SubID:    batchSubID(),
		EndAt:    endAt,
		Metadata: map[string]any{"op": "train", "count": count, "cost": cost},
	}
	s.queue.Enqueue(task)
	if err := s.store.UpsertTask(ctx, task); err != nil {
		s.logger.Error("failed to persist unit task", "user_id", userID, "unit_idx", idx, "error", err)
	}

	s.logger.Info("unit training started", "user_id", userID, "unit_idx", idx, "count", count, "end_at", endAt)
	return nil
}

// Upgrade enrolls q ready units of sourceIdx to become targetIdx units,
// consuming q*cost(targetIdx) up front. The source units leave the ready
// bucket for upgrading immediately; on Finish they settle into the
// target unit's ready bucket.
func (s *Service) Upgrade(ctx context.Context, userID int64, sourceIdx, targetIdx string, q int64) error {
	if q <= 0 {
		return apperr.Validationf("q", "must be positive, got %d", q)
	}

	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	targetDef, ok := s.cfg.FindUnit(targetIdx)
	if !ok {
		return apperr.NotFoundf("no catalog entry for unit %s", targetIdx)
	}

	source, err := s.Info(ctx, userID, sourceIdx)
	if err != nil {
		return err
	}
	if source.Ready < q {
		return apperr.InsufficientResources(sourceIdx)
	}
	if s.activeTask(userID, sourceIdx) {
		return apperr.Conflictf("unit %s for user %d already has an active task", sourceIdx, userID)
	}

	cost := scaleCost(targetDef.Cost, q)
	if err := s.res.Consume(ctx, userID, cost); err != nil {
		return err
	}

	source.Ready -= q
	source.Upgrading += q
	source.UpdatedAt = time.Now()
	s.cache.PutUnit(source)
	s.cache.MarkDirty("unit", userID)

	seconds := float64(targetDef.UpgradeSeconds * q)
	if seconds == 0 {
		seconds = float64(targetDef.TrainSeconds * q)
	}
	if s.buffs != nil {
		boosted, err := s.buffs.Multiplier(ctx, userID, "unit", targetIdx, "train_speed", seconds)
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
		Class:  types.TaskUnit,
		UserID: userID,
		TaskID: sourceIdx,
		SubID:  batchSubID(),
		EndAt:  endAt,
		Metadata: map[string]any{
			"op":         "upgrade",
			"count":      q,
			"cost":       cost,
			"target_idx": targetIdx,
		},
	}
	s.queue.Enqueue(task)
	if err := s.store.UpsertTask(ctx, task); err != nil {
		s.logger.Error("failed to persist unit task", "user_id", userID, "unit_idx", sourceIdx, "error", err)
	}

	s.logger.Info("unit upgrade started", "user_id", userID, "source_idx", sourceIdx, "target_idx", targetIdx, "q", q, "end_at", endAt)
	return nil
}

// Finish settles a completed training or upgrade batch.
func (s *Service) Finish(ctx context.Context, t types.Task) error {
	userID := t.UserID
	idx := t.TaskID

	op, _ := t.Metadata["op"].(string)
	count := metaInt64(t.Metadata, "count")

	switch op {
	case "upgrade":
		if err := s.finishUpgrade(ctx, userID, idx, t, count); err != nil {
			return err
		}
	default:
		if err := s.finishTrain(ctx, userID, idx, count); err != nil {
			return err
		}
	}

	if err := s.store.DeleteTask(ctx, types.TaskUnit, userID, idx, t.SubID); err != nil {
		s.logger.Error("failed to delete persisted unit task", "user_id", userID, "unit_idx", idx, "error", err)
	}

	if s.mission != nil {
		if err := s.mission.OnEvent(ctx, userID, "unit", 1); err != nil {
			s.logger.Error("mission check failed after unit finish", "user_id", userID, "unit_idx", idx, "error", err)
		}
	}

	return nil
}

func (s *Service) finishTrain(ctx context.Context, userID int64, idx string, count int64) error {
	u, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	if u.Training < count {
		count = u.Training // clamp defensively against a short cache restart
	}
	u.Training -= count
	u.Ready += count
	u.UpdatedAt = time.Now()
	s.cache.PutUnit(u)
	s.cache.MarkDirty("unit", userID)

	s.logger.Info("unit training finished", "user_id", userID, "unit_idx", idx, "count", count)
	return nil
}

func (s *Service) finishUpgrade(ctx context.Context, userID int64, sourceIdx string, t types.Task, count int64) error {
	targetIdx, _ := t.Metadata["target_idx"].(string)
	if targetIdx == "" {
		return apperr.Fatalf("upgrade task for %s/%d missing target_idx", sourceIdx, userID)
	}

	source, err := s.Info(ctx, userID, sourceIdx)
	if err != nil {
		return err
	}
	if source.Upgrading < count {
		count = source.Upgrading
	}
	source.Upgrading -= count
	source.UpdatedAt = time.Now()
	s.cache.PutUnit(source)

	target, err := s.Info(ctx, userID, targetIdx)
	if err != nil {
		return err
	}
	target.Ready += count
	target.UpdatedAt = time.Now()
	s.cache.PutUnit(target)
	s.cache.MarkDirty("unit", userID)

	s.logger.Info("unit upgrade finished", "user_id", userID, "source_idx", sourceIdx, "target_idx", targetIdx, "count", count)
	return nil
}

// Cancel aborts an in-flight training or upgrade batch, refunding the
// configured fraction of its cost and restoring the source bucket.
func (s *Service) Cancel(ctx context.Context, userID int64, idx, subID string) error {
	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer release()

	if _, ok := s.queue.ScoreOf(types.TaskUnit, userID, idx, subID); !ok {
		return apperr.NotFoundf("no in-flight task %s/%s for user %d", idx, subID, userID)
	}

	tasks := s.queue.TasksForUser(types.TaskUnit, userID)
	var cancelled *types.Task
	for i := range tasks {
		if tasks[i].TaskID == idx && tasks[i].SubID == subID {
			cancelled = &tasks[i]
			break
		}
	}
	if cancelled == nil {
		return apperr.NotFoundf("no in-flight task %s/%s for user %d", idx, subID, userID)
	}

	op, _ := cancelled.Metadata["op"].(string)
	count := metaInt64(cancelled.Metadata, "count")
	cost, _ := cancelled.Metadata["cost"].(map[string]int64)

	s.queue.Remove(types.TaskUnit, userID, idx, subID)
	if err := s.store.DeleteTask(ctx, types.TaskUnit, userID, idx, subID); err != nil {
		s.logger.Error("failed to delete persisted unit task", "user_id", userID, "unit_idx", idx, "error", err)
	}

	u, err := s.Info(ctx, userID, idx)
	if err != nil {
		return err
	}
	switch op {
	case "upgrade":
		u.Upgrading -= count
		u.Ready += count
	default:
		u.Training -= count
	}
	u.UpdatedAt = time.Now()
	s.cache.PutUnit(u)
	s.cache.MarkDirty("unit", userID)

	refund := applyFraction(cost, s.cfg.Refunds.Unit)
	if err := s.res.Produce(ctx, userID, refund); err != nil {
		return err
	}

	s.logger.Info("unit task cancelled", "user_id", userID, "unit_idx", idx, "sub_id", subID, "op", op, "count", count)
	return nil
}

func metaInt64(metadata map[string]any, key string) int64 {
	switch v := metadata[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func scaleCost(cost map[string]int64, count int64) map[string]int64 {
	out := make(map[string]int64, len(cost))
	for k, v := range cost {
		out[k] = v * count
	}
	return out
}

func applyFraction(cost map[string]int64, fraction float64) map[string]int64 {
	out := make(map[string]int64, len(cost))
	for k, v := range cost {
		out[k] = int64(float64(v) * fraction)
	}
	return out
}

// batchSubID mints a unique sub-task id distinguishing concurrent batches
// of the same unit type for one user.
func batchSubID() string {
	return uuid.NewString()
}
