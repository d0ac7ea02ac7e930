// Package alliance implements the Alliance Service: create/join/leave/
// kick/promote/approve/reject/donate/disband, serialized by the
// per-alliance lock (acquired after the per-user lock, in the fixed
// user-then-alliance lock order).
package alliance

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// Role names for alliance membership, ordered weakest to strongest.
const (
	RoleMember     = "member"
	RoleOfficer    = "officer"
	RoleViceLeader = "vice_leader"
	RoleLeader     = "leader"
)

// rankWeight orders roles for strictly-greater-than comparisons (Kick,
// Promote). An unrecognized role ranks below every known role.
func rankWeight(role string) int {
	switch role {
	case RoleLeader:
		return 3
	case RoleViceLeader:
		return 2
	case RoleOfficer:
		return 1
	case RoleMember:
		return 0
	default:
		return -1
	}
}

// Service is the per-request Alliance Service.
type Service struct {
	store  *storage.Store
	locks  *lock.Manager
	res    *resource.Service
	logger *slog.Logger
}

// New constructs an Alliance Service.
func New(store *storage.Store, locks *lock.Manager, res *resource.Service, logger *slog.Logger) *Service {
	return &Service{store: store, locks: locks, res: res, logger: logger}
}

// Create founds a new alliance with the caller as leader.
func (s *Service) Create(ctx context.Context, userID int64, name string) (types.Alliance, error) {
	if name == "" {
		return types.Alliance{}, apperr.Validationf("name", "must not be empty")
	}

	release, err := s.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return types.Alliance{}, err
	}
	defer release()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return types.Alliance{}, apperr.Wrap(apperr.Transient, "loading user", err)
	}
	if u.AllianceID != 0 {
		return types.Alliance{}, apperr.Conflictf("user %d already in an alliance", userID)
	}

	a, err := s.store.CreateAlliance(ctx, name, userID, time.Now().Unix())
	if err != nil {
		return types.Alliance{}, apperr.Wrap(apperr.Conflict, "creating alliance", err)
	}

	s.logger.Info("alliance created", "alliance_id", a.AllianceID, "leader_id", userID, "name", name)
	return a, nil
}

// Join adds a user directly to an open-policy alliance as a member.
// Approval-policy alliances reject Join in favor of Apply/Approve/Reject.
func (s *Service) Join(ctx context.Context, userID, allianceID int64) error {
	release, err := s.locks.AcquireUserAlliance(ctx, userID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading user", err)
	}
	if u.AllianceID != 0 {
		return apperr.Conflictf("user %d already in an alliance", userID)
	}

	a, err := s.store.GetAlliance(ctx, allianceID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading alliance", err)
	}
	if a.JoinPolicy == types.JoinApproval {
		return apperr.Conflictf("alliance %d requires approval; use Apply instead of Join", allianceID)
	}

	if err := s.store.UpsertAllianceMember(ctx, types.AllianceMember{
		AllianceID: allianceID, UserID: userID, Role: RoleMember, JoinedAt: time.Now(),
	}); err != nil {
		return apperr.Wrap(apperr.Conflict, "joining alliance", err)
	}

	s.logger.Info("user joined alliance", "user_id", userID, "alliance_id", allianceID)
	return nil
}

// Apply records a pending application against an approval-policy alliance
// for a leader or officer to Approve or Reject later.
func (s *Service) Apply(ctx context.Context, userID, allianceID int64) error {
	release, err := s.locks.AcquireUserAlliance(ctx, userID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading user", err)
	}
	if u.AllianceID != 0 {
		return apperr.Conflictf("user %d already in an alliance", userID)
	}

	a, err := s.store.GetAlliance(ctx, allianceID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading alliance", err)
	}
	if a.JoinPolicy != types.JoinApproval {
		return apperr.Conflictf("alliance %d does not require approval; use Join instead of Apply", allianceID)
	}

	if _, ok, err := s.store.GetApplication(ctx, allianceID, userID); err != nil {
		return apperr.Wrap(apperr.Transient, "loading application", err)
	} else if ok {
		return apperr.Conflictf("user %d already applied to alliance %d", userID, allianceID)
	}

	if err := s.store.CreateApplication(ctx, allianceID, userID, time.Now().Unix()); err != nil {
		return apperr.Wrap(apperr.Conflict, "applying to alliance", err)
	}

	s.logger.Info("user applied to alliance", "user_id", userID, "alliance_id", allianceID)
	return nil
}

// Approve admits an applicant as a member. The actor must outrank a
// regular member (officer, vice leader, or leader).
func (s *Service) Approve(ctx context.Context, actorID, targetID, allianceID int64) error {
	release, err := s.locks.AcquireUserAlliance(ctx, actorID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireRole(ctx, actorID, allianceID, RoleOfficer, RoleViceLeader, RoleLeader); err != nil {
		return err
	}

	if _, ok, err := s.store.GetApplication(ctx, allianceID, targetID); err != nil {
		return apperr.Wrap(apperr.Transient, "loading application", err)
	} else if !ok {
		return apperr.NotFoundf("no pending application from user %d for alliance %d", targetID, allianceID)
	}

	if err := s.store.UpsertAllianceMember(ctx, types.AllianceMember{
		AllianceID: allianceID, UserID: targetID, Role: RoleMember, JoinedAt: time.Now(),
	}); err != nil {
		return apperr.Wrap(apperr.Conflict, "approving application", err)
	}
	if err := s.store.RemoveApplication(ctx, allianceID, targetID); err != nil {
		s.logger.Error("failed to clear approved application", "target_id", targetID, "alliance_id", allianceID, "error", err)
	}

	s.logger.Info("application approved", "actor_id", actorID, "target_id", targetID, "alliance_id", allianceID)
	return nil
}

// Reject discards a pending application without admitting the applicant.
func (s *Service) Reject(ctx context.Context, actorID, targetID, allianceID int64) error {
	release, err := s.locks.AcquireUserAlliance(ctx, actorID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireRole(ctx, actorID, allianceID, RoleOfficer, RoleViceLeader, RoleLeader); err != nil {
		return err
	}

	if _, ok, err := s.store.GetApplication(ctx, allianceID, targetID); err != nil {
		return apperr.Wrap(apperr.Transient, "loading application", err)
	} else if !ok {
		return apperr.NotFoundf("no pending application from user %d for alliance %d", targetID, allianceID)
	}

	if err := s.store.RemoveApplication(ctx, allianceID, targetID); err != nil {
		return apperr.Wrap(apperr.Conflict, "rejecting application", err)
	}

	s.logger.Info("application rejected", "actor_id", actorID, "target_id", targetID, "alliance_id", allianceID)
	return nil
}

// Leave removes a user from their alliance. A leader must promote a
// successor or disband before leaving.
func (s *Service) Leave(ctx context.Context, userID int64) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading user", err)
	}
	if u.AllianceID == 0 {
		return apperr.Conflictf("user %d not in an alliance", userID)
	}

	release, err := s.locks.AcquireUserAlliance(ctx, userID, u.AllianceID)
	if err != nil {
		return err
	}
	defer release()

	members, err := s.store.ListAllianceMembers(ctx, u.AllianceID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading members", err)
	}
	for _, m := range members {
		if m.UserID == userID && m.Role == RoleLeader && len(members) > 1 {
			return apperr.Conflictf("leader %d must promote a successor or disband before leaving", userID)
		}
	}

	if err := s.store.RemoveAllianceMember(ctx, u.AllianceID, userID); err != nil {
		return apperr.Wrap(apperr.Conflict, "leaving alliance", err)
	}

	if len(members) == 1 {
		s.logger.Info("alliance disbanded on last member leaving", "alliance_id", u.AllianceID)
	}

	s.logger.Info("user left alliance", "user_id", userID, "alliance_id", u.AllianceID)
	return nil
}

// Kick removes a member. The actor must outrank the target: an officer
// can kick members, a vice leader can kick members and officers, and the
// leader can kick anyone but themselves.
func (s *Service) Kick(ctx context.Context, actorID, targetID, allianceID int64) error {
	release, err := s.locks.AcquireUserAlliance(ctx, actorID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireRole(ctx, actorID, allianceID, RoleOfficer, RoleViceLeader, RoleLeader); err != nil {
		return err
	}

	members, err := s.store.ListAllianceMembers(ctx, allianceID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading members", err)
	}
	var actorRole, targetRole string
	var targetFound bool
	for _, m := range members {
		if m.UserID == actorID {
			actorRole = m.Role
		}
		if m.UserID == targetID {
			targetRole = m.Role
			targetFound = true
		}
	}
	if !targetFound {
		return apperr.NotFoundf("user %d is not a member of alliance %d", targetID, allianceID)
	}
	if rankWeight(actorRole) <= rankWeight(targetRole) {
		return apperr.Forbiddenf("user %d's role %s cannot kick role %s", actorID, actorRole, targetRole)
	}

	if err := s.store.RemoveAllianceMember(ctx, allianceID, targetID); err != nil {
		return apperr.Wrap(apperr.Conflict, "kicking member", err)
	}

	s.logger.Info("member kicked", "actor_id", actorID, "target_id", targetID, "alliance_id", allianceID)
	return nil
}

// Promote changes a member's role.
func (s *Service) Promote(ctx context.Context, actorID, targetID, allianceID int64, newRole string) error {
	if newRole != RoleOfficer && newRole != RoleMember && newRole != RoleViceLeader && newRole != RoleLeader {
		return apperr.Validationf("new_role", "unknown role %q", newRole)
	}

	release, err := s.locks.AcquireUserAlliance(ctx, actorID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireRole(ctx, actorID, allianceID, RoleLeader); err != nil {
		return err
	}

	if err := s.store.UpsertAllianceMember(ctx, types.AllianceMember{
		AllianceID: allianceID, UserID: targetID, Role: newRole, JoinedAt: time.Now(),
	}); err != nil {
		return apperr.Wrap(apperr.Conflict, "promoting member", err)
	}

	if newRole == RoleLeader {
		if err := s.store.UpsertAllianceMember(ctx, types.AllianceMember{
			AllianceID: allianceID, UserID: actorID, Role: RoleOfficer, JoinedAt: time.Now(),
		}); err != nil {
			return apperr.Wrap(apperr.Conflict, "demoting outgoing leader", err)
		}
	}

	s.logger.Info("member role changed", "actor_id", actorID, "target_id", targetID, "alliance_id", allianceID, "new_role", newRole)
	return nil
}

// Donate consumes costs from a member's own stockpile. Nothing is recorded
// on the alliance: no treasury, experience, level or buff changes.
func (s *Service) Donate(ctx context.Context, userID, allianceID int64, costs map[string]int64) error {
	release, err := s.locks.AcquireUserAlliance(ctx, userID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireRole(ctx, userID, allianceID, RoleMember, RoleOfficer, RoleViceLeader, RoleLeader); err != nil {
		return err
	}

	if err := s.res.Consume(ctx, userID, costs); err != nil {
		return err
	}

	s.logger.Info("alliance donation", "user_id", userID, "alliance_id", allianceID, "costs", costs)
	return nil
}

// Disband removes every member, clearing each one's alliance_id. The
// alliance row itself and applications from non-members stay in storage.
// Only the leader may disband.
func (s *Service) Disband(ctx context.Context, userID, allianceID int64) error {
	release, err := s.locks.AcquireUserAlliance(ctx, userID, allianceID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.requireRole(ctx, userID, allianceID, RoleLeader); err != nil {
		return err
	}

	members, err := s.store.ListAllianceMembers(ctx, allianceID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading members", err)
	}
	for _, m := range members {
		if err := s.store.RemoveAllianceMember(ctx, allianceID, m.UserID); err != nil {
			return apperr.Wrap(apperr.Conflict, "removing member during disband", err)
		}
	}

	s.logger.Info("alliance disbanded", "alliance_id", allianceID, "leader_id", userID)
	return nil
}

func (s *Service) requireRole(ctx context.Context, userID, allianceID int64, allowed ...string) error {
	members, err := s.store.ListAllianceMembers(ctx, allianceID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "loading members", err)
	}
	for _, m := range members {
		if m.UserID != userID {
			continue
		}
		for _, role := range allowed {
			if m.Role == role {
				return nil
			}
		}
		return apperr.Forbiddenf("user %d's role %s cannot perform this action", userID, m.Role)
	}
	return apperr.Forbiddenf("user %d is not a member of alliance %d", userID, allianceID)
}
