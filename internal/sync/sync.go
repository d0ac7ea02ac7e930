// Package sync implements the Sync Workers: one per entity class, each
// draining its dirty-user set on a configured cadence and upserting the
// affected rows into the Persistent Store in one pass per user; the rows
// are upserted one at a time, not inside a shared transaction. A failed
// upsert re-marks the user dirty for the next cycle rather than losing
// the write.
//
// Each worker's cycle drains its dirty-user set, loads the cached rows per
// user, and upserts them, re-marking a user dirty if its flush fails.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/metrics"
	"github.com/antigravity-dev/gameserver/internal/storage"
)

// Worker drains one entity class's dirty set on its configured interval.
type Worker struct {
	class    string
	interval time.Duration
	cache    *gamecache.Store
	store    *storage.Store
	flush    func(ctx context.Context, userID int64) error
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// New constructs a sync Worker for one entity class. flush is called once
// per dirty user per cycle and should upsert every row of that class for
// that user. mr may be nil, in which case cycles go unmeasured.
func New(class string, interval time.Duration, cache *gamecache.Store, store *storage.Store, mr *metrics.Registry, logger *slog.Logger, flush func(ctx context.Context, userID int64) error) *Worker {
	return &Worker{class: class, interval: interval, cache: cache, store: store, flush: flush, metrics: mr, logger: logger}
}

// Run drains the dirty set on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	users := w.cache.DrainDirty(w.class)
	if len(users) == 0 {
		return
	}

	start := time.Now()
	failed := 0
	for _, userID := range users {
		if err := w.flush(ctx, userID); err != nil {
			w.logger.Error("sync flush failed, re-marking dirty", "class", w.class, "user_id", userID, "error", err)
			w.cache.MarkDirty(w.class, userID)
			failed++
			if w.metrics != nil {
				w.metrics.SyncFailureTotal.WithLabelValues(w.class).Inc()
			}
		}
	}
	if w.metrics != nil {
		w.metrics.SyncFlushSeconds.WithLabelValues(w.class).Observe(time.Since(start).Seconds())
	}

	w.logger.Info("sync cycle complete", "class", w.class, "users", len(users), "failed", failed)
}

// ResourceFlush upserts a user's resource row.
func ResourceFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		r, ok := cache.GetResources(userID)
		if !ok {
			return nil
		}
		return store.UpsertResources(ctx, r)
	}
}

// BuildingFlush upserts every cached building row for a user.
func BuildingFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		for _, b := range cache.ListBuildings(userID) {
			if err := store.UpsertBuilding(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}
}

// UnitFlush upserts every cached unit aggregate for a user, skipping
// rows with no trained or in-flight count.
func UnitFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		for _, u := range cache.ListUnits(userID) {
			if u.Total() == 0 {
				continue
			}
			if err := store.UpsertUnit(ctx, u); err != nil {
				return err
			}
		}
		return nil
	}
}

// ResearchFlush upserts every cached research row for a user.
func ResearchFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		for _, r := range cache.ListResearch(userID) {
			if err := store.UpsertResearch(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}
}

// ItemFlush upserts every cached item stack for a user.
func ItemFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		for _, it := range cache.ListItems(userID) {
			if err := store.UpsertItem(ctx, it); err != nil {
				return err
			}
		}
		return nil
	}
}

// MissionFlush upserts every cached mission row for a user.
func MissionFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		for _, m := range cache.ListMissions(userID) {
			if err := store.UpsertMission(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}
}

// BuffFlush upserts every cached buff row for a user, so a permanent buff
// survives a restart even though it is granted outside the queue.
func BuffFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		for _, b := range cache.GetBuffs(userID) {
			if err := store.UpsertBuff(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShopFlush upserts a user's current shop rotation, preserving which
// slots were purchased across a restart.
func ShopFlush(cache *gamecache.Store, store *storage.Store) func(context.Context, int64) error {
	return func(ctx context.Context, userID int64) error {
		for _, sl := range cache.GetShopSlots(userID) {
			if err := store.UpsertShopSlot(ctx, sl); err != nil {
				return err
			}
		}
		return nil
	}
}
