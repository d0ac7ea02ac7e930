// Package resource implements the Resource Service: atomic check/consume/
// produce over a user's five stockpiles, with rollback on partial failure
// and a per-type shortage report (Shortage).
//
// Writes land in the cache and mark the user dirty for the Sync Worker
// rather than saving synchronously to the persistent store.
package resource

import (
	"context"
	"log/slog"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// Service is instantiated per request with the caller's cache/persistence
// handles.
type Service struct {
	cache   *gamecache.Store
	store   *storage.Store
	logger  *slog.Logger
}

// New constructs a Resource Service.
func New(cache *gamecache.Store, store *storage.Store, logger *slog.Logger) *Service {
	return &Service{cache: cache, store: store, logger: logger}
}

// Info returns a user's resource stockpile, filling the cache from
// persistence on miss.
func (s *Service) Info(ctx context.Context, userID int64) (types.Resources, error) {
	if r, ok := s.cache.GetResources(userID); ok {
		return r, nil
	}
	r, err := s.store.GetResources(ctx, userID)
	if err != nil {
		return types.Resources{}, apperr.Wrap(apperr.Transient, "loading resources", err)
	}
	s.cache.PutResources(r)
	return r, nil
}

// costMap normalizes a nil map to empty so range loops are safe.
func costMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

// Check reports whether the user currently holds at least costs of every
// resource type.
func (s *Service) Check(ctx context.Context, userID int64, costs map[string]int64) (bool, error) {
	r, err := s.Info(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, resType := range types.ResourceTypes {
		if r.Get(resType) < costMap(costs)[resType] {
			return false, nil
		}
	}
	return true, nil
}

// Shortage reports, for every resource type the user is short on, the
// required/current/shortage amounts, so a client can render exactly
// what's missing.
func (s *Service) Shortage(ctx context.Context, userID int64, costs map[string]int64) (map[string]ShortfallEntry, error) {
	r, err := s.Info(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := map[string]ShortfallEntry{}
	for resType, required := range costMap(costs) {
		current := r.Get(resType)
		if current < required {
			out[resType] = ShortfallEntry{Required: required, Current: current, Shortage: required - current}
		}
	}
	return out, nil
}

// ShortfallEntry describes one resource type's deficit.
type ShortfallEntry struct {
	Required int64 `json:"required"`
	Current  int64 `json:"current"`
	Shortage int64 `json:"shortage"`
}

// Consume atomically deducts costs from the user's stockpile. If any
// resource type is insufficient, nothing is deducted and an
// InsufficientResources error naming the first offending type is
// returned. Deductions made before a later field is found insufficient
// (which cannot happen here since Check runs first) are never partially
// applied — the whole operation is check-then-apply under the caller's
// user lock.
func (s *Service) Consume(ctx context.Context, userID int64, costs map[string]int64) error {
	r, err := s.Info(ctx, userID)
	if err != nil {
		return err
	}

	for _, resType := range types.ResourceTypes {
		need := costMap(costs)[resType]
		if r.Get(resType) < need {
			return apperr.InsufficientResources(resType)
		}
	}

	for _, resType := range types.ResourceTypes {
		cost := costMap(costs)[resType]
		if cost == 0 {
			continue
		}
		s.cache.IncrementResource(userID, resType, -cost)
	}
	s.cache.MarkDirty("resource", userID)

	s.logger.Debug("resources consumed", "user_id", userID, "costs", costs)
	return nil
}

// Rollback refunds a partially-applied multi-field mutation (e.g. a
// caller that consumes resources and then fails a later, non-resource
// step), given the resource types that were actually deducted.
func (s *Service) Rollback(userID int64, applied []string, costs map[string]int64) {
	for _, resType := range applied {
		s.cache.IncrementResource(userID, resType, costMap(costs)[resType])
	}
	s.cache.MarkDirty("resource", userID)
	s.logger.Warn("resource consume rolled back", "user_id", userID, "types", applied)
}

// Produce atomically adds gains to the user's stockpile.
func (s *Service) Produce(ctx context.Context, userID int64, gains map[string]int64) error {
	if _, err := s.Info(ctx, userID); err != nil {
		return err
	}
	for _, resType := range types.ResourceTypes {
		gain := costMap(gains)[resType]
		if gain == 0 {
			continue
		}
		s.cache.IncrementResource(userID, resType, gain)
	}
	s.cache.MarkDirty("resource", userID)
	s.logger.Debug("resources produced", "user_id", userID, "gains", gains)
	return nil
}
