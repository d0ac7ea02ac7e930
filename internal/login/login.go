// Package login implements the Login Orchestrator: on first contact for a
// session it warms the hot cache from persistence for every entity class
// and records the login timestamp. It does not touch the timed-task queue:
// in-flight tasks are reloaded from the persisted tasks table once at
// server startup (cmd/gameserver), not per login.
package login

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// Orchestrator warms the cache and touches login bookkeeping.
type Orchestrator struct {
	cache  *gamecache.Store
	store  *storage.Store
	logger *slog.Logger
}

// New constructs a Login Orchestrator.
func New(cache *gamecache.Store, store *storage.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{cache: cache, store: store, logger: logger}
}

// Login ensures the user exists, warms every cached entity class from
// persistence, and records the login timestamp. Safe to call on every
// request's first touch — WarmCache is a cheap no-op once state is
// already cached in the common case of an already-warm user.
func (o *Orchestrator) Login(ctx context.Context, userID int64, username string) (types.User, error) {
	now := time.Now()
	u, err := o.store.EnsureUser(ctx, userID, username, now.Unix())
	if err != nil {
		return types.User{}, err
	}

	if err := o.WarmCache(ctx, userID); err != nil {
		return types.User{}, err
	}

	if err := o.store.TouchLogin(ctx, userID, now.Unix()); err != nil {
		o.logger.Warn("failed to record login timestamp", "user_id", userID, "error", err)
	}

	o.logger.Info("user logged in", "user_id", userID)
	return u, nil
}

// WarmCache loads every entity class for a user from persistence into the
// hot cache, one pass per class: resources, buildings, units, research,
// items, buffs, and missions.
func (o *Orchestrator) WarmCache(ctx context.Context, userID int64) error {
	if _, ok := o.cache.GetResources(userID); !ok {
		r, err := o.store.GetResources(ctx, userID)
		if err != nil {
			return err
		}
		o.cache.PutResources(r)
	}

	if len(o.cache.ListBuildings(userID)) == 0 {
		rows, err := o.store.ListBuildings(ctx, userID)
		if err != nil {
			return err
		}
		for _, b := range rows {
			o.cache.PutBuilding(b)
		}
	}

	if len(o.cache.ListUnits(userID)) == 0 {
		rows, err := o.store.ListUnits(ctx, userID)
		if err != nil {
			return err
		}
		for _, u := range rows {
			o.cache.PutUnit(u)
		}
	}

	if len(o.cache.ListResearch(userID)) == 0 {
		rows, err := o.store.ListResearch(ctx, userID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			o.cache.PutResearch(r)
		}
	}

	if len(o.cache.ListItems(userID)) == 0 {
		rows, err := o.store.ListItems(ctx, userID)
		if err != nil {
			return err
		}
		for _, it := range rows {
			o.cache.PutItem(it)
		}
	}

	if len(o.cache.GetBuffs(userID)) == 0 {
		rows, err := o.store.ListBuffs(ctx, userID)
		if err != nil {
			return err
		}
		for _, b := range rows {
			o.cache.PutBuff(b)
		}
	}

	if len(o.cache.ListMissions(userID)) == 0 {
		rows, err := o.store.ListMissions(ctx, userID)
		if err != nil {
			return err
		}
		for _, m := range rows {
			o.cache.PutMission(m)
		}
	}

	return nil
}
