// Package buff implements the Buff Service: permanent and temporary
// modifiers scoped by (target_type, target_sub_type, stat_type), a
// per-user live-buff list cached with the configured TTL, and the
// get_multiplier computation consulted by other domain services.
package buff

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// MaxPercentBonus caps the total stacked percent bonus applied to a stat,
// regardless of how many percent-type buffs contribute to it.
const MaxPercentBonus = 90.0

type listEntry struct {
	buffs     []types.Buff
	expiresAt time.Time
}

// Service is the per-request Buff Service. The live-buff cache is part of
// the struct rather than a package-level cache, so its memoization only
// spans the lifetime of one request's Service value; callers that need
// the TTL memoization to matter across requests should hold a longer-
// lived Service instead of rebuilding one per call to Multiplier.
type Service struct {
	cache  *gamecache.Store
	store  *storage.Store
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	list map[int64]listEntry
}

// New constructs a Buff Service with the configured aggregate TTL.
func New(cfg *config.Config, cache *gamecache.Store, store *storage.Store, logger *slog.Logger) *Service {
	return &Service{
		cache:  cache,
		store:  store,
		ttl:    cfg.Cache.BuffTTL.Duration,
		logger: logger,
		list:   make(map[int64]listEntry),
	}
}

// List returns a user's live buffs, filling the cache from persistence on
// first access and dropping any that have already expired.
func (s *Service) List(ctx context.Context, userID int64) ([]types.Buff, error) {
	buffs := s.cache.GetBuffs(userID)
	if len(buffs) == 0 {
		rows, err := s.store.ListBuffs(ctx, userID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "loading buffs", err)
		}
		for _, b := range rows {
			s.cache.PutBuff(b)
		}
		buffs = rows
	}

	now := time.Now()
	live := buffs[:0:0]
	for _, b := range buffs {
		if !b.Permanent && !b.ExpiresAt.IsZero() && b.ExpiresAt.Before(now) {
			s.cache.RemoveBuff(userID, b.BuffIdx)
			continue
		}
		live = append(live, b)
	}
	return live, nil
}

// Grant adds or refreshes a buff identified by buffIdx (conventionally
// types.BuffKey(targetType, sourceKey), so re-granting the same source
// overwrites rather than stacking duplicates). Permanent buffs never
// expire; temporary ones expire at time.Now().Add(duration).
func (s *Service) Grant(ctx context.Context, userID int64, buffIdx, targetType, targetSubType, statType string, value float64, valueType types.BuffValueType, permanent bool, duration time.Duration) error {
	b := types.Buff{
		UserID:        userID,
		BuffIdx:       buffIdx,
		TargetType:    targetType,
		TargetSubType: targetSubType,
		StatType:      statType,
		Value:         value,
		ValueType:     valueType,
		Permanent:     permanent,
	}
	if !permanent {
		b.ExpiresAt = time.Now().Add(duration)
	}
	s.cache.PutBuff(b)
	s.cache.MarkDirty("buff", userID)
	s.invalidate(userID)
	s.logger.Info("buff granted", "user_id", userID, "buff_idx", buffIdx, "target_type", targetType,
		"stat_type", statType, "value", value, "value_type", valueType, "permanent", permanent)
	return nil
}

// Revoke removes a buff outright (e.g. an item consumed to cancel an
// effect).
func (s *Service) Revoke(userID int64, idx string) {
	s.cache.RemoveBuff(userID, idx)
	s.cache.MarkDirty("buff", userID)
	s.invalidate(userID)
}

func (s *Service) invalidate(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.list, userID)
}

func (s *Service) liveBuffs(ctx context.Context, userID int64) ([]types.Buff, error) {
	s.mu.Lock()
	if e, ok := s.list[userID]; ok && time.Now().Before(e.expiresAt) {
		s.mu.Unlock()
		return e.buffs, nil
	}
	s.mu.Unlock()

	buffs, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.list[userID] = listEntry{buffs: buffs, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return buffs, nil
}

// Multiplier applies every live buff matching (targetType, statType), and
// either targetSubType or the buff's own wildcard (empty TargetSubType),
// to base: base * (1 + min(sum_percent, MaxPercentBonus)/100) + sum_flat.
func (s *Service) Multiplier(ctx context.Context, userID int64, targetType, targetSubType, statType string, base float64) (float64, error) {
	buffs, err := s.liveBuffs(ctx, userID)
	if err != nil {
		return base, err
	}

	var percent, flat float64
	for _, b := range buffs {
		if b.TargetType != targetType || b.StatType != statType {
			continue
		}
		if b.TargetSubType != "" && b.TargetSubType != targetSubType {
			continue
		}
		switch b.ValueType {
		case types.BuffPercent:
			percent += b.Value
		default:
			flat += b.Value
		}
	}

	if percent > MaxPercentBonus {
		percent = MaxPercentBonus
	}
	return base*(1+percent/100) + flat, nil
}
