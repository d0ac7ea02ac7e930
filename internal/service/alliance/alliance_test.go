package alliance

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	res := resource.New(gamecache.New(), st, testLogger())
	locks := lock.New(time.Second)
	return New(st, locks, res, testLogger()), st
}

func seedUser(t *testing.T, st *storage.Store, userID int64, username string) {
	t.Helper()
	_, err := st.EnsureUser(context.Background(), userID, username, time.Now().Unix())
	require.NoError(t, err)
}

func TestCreate_RejectsEmptyName(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")

	_, err := svc.Create(context.Background(), 1, "")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Validation, e.Kind)
}

func TestCreate_RejectsUserAlreadyInAlliance(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	_, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), 1, "Second Guild")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}

func TestJoin_AddsMemberAndRejectsDoubleJoin(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)

	require.NoError(t, svc.Join(context.Background(), 2, a.AllianceID))

	u2, err := st.GetUser(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, a.AllianceID, u2.AllianceID)

	err = svc.Join(context.Background(), 2, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}

func TestLeave_RejectsSoleLeaderWithOtherMembers(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, svc.Join(context.Background(), 2, a.AllianceID))

	err = svc.Leave(context.Background(), 1)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}

func TestLeave_AllowsSoleMemberToDisbandByLeaving(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)

	require.NoError(t, svc.Leave(context.Background(), 1))

	members, err := st.ListAllianceMembers(context.Background(), a.AllianceID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestKick_RequiresOfficerOrLeaderRole(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	seedUser(t, st, 3, "carl")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, svc.Join(context.Background(), 2, a.AllianceID))
	require.NoError(t, svc.Join(context.Background(), 3, a.AllianceID))

	err = svc.Kick(context.Background(), 2, 3, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Forbidden, e.Kind)

	require.NoError(t, svc.Kick(context.Background(), 1, 3, a.AllianceID))
	members, err := st.ListAllianceMembers(context.Background(), a.AllianceID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestKick_RejectsEqualRank(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	seedUser(t, st, 3, "carl")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, svc.Join(context.Background(), 2, a.AllianceID))
	require.NoError(t, svc.Join(context.Background(), 3, a.AllianceID))
	require.NoError(t, svc.Promote(context.Background(), 1, 2, a.AllianceID, RoleOfficer))
	require.NoError(t, svc.Promote(context.Background(), 1, 3, a.AllianceID, RoleOfficer))

	err = svc.Kick(context.Background(), 2, 3, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Forbidden, e.Kind, "equal rank may not kick each other")
}

func TestKick_ViceLeaderCanKickOfficerButNotLeader(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	seedUser(t, st, 3, "carl")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, svc.Join(context.Background(), 2, a.AllianceID))
	require.NoError(t, svc.Join(context.Background(), 3, a.AllianceID))
	require.NoError(t, svc.Promote(context.Background(), 1, 2, a.AllianceID, RoleViceLeader))
	require.NoError(t, svc.Promote(context.Background(), 1, 3, a.AllianceID, RoleOfficer))

	require.NoError(t, svc.Kick(context.Background(), 2, 3, a.AllianceID))

	err = svc.Kick(context.Background(), 2, 1, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Forbidden, e.Kind, "a vice leader may not kick the leader")
}

func TestApply_RejectsWhenPolicyIsOpen(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)

	err = svc.Apply(context.Background(), 2, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}

func TestJoin_RejectsWhenPolicyIsApproval(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, st.SetAllianceJoinPolicy(context.Background(), a.AllianceID, types.JoinApproval))

	err = svc.Join(context.Background(), 2, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
}

func TestApprove_AdmitsApplicantAndClearsApplication(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, st.SetAllianceJoinPolicy(context.Background(), a.AllianceID, types.JoinApproval))
	require.NoError(t, svc.Apply(context.Background(), 2, a.AllianceID))

	require.NoError(t, svc.Approve(context.Background(), 1, 2, a.AllianceID))

	u2, err := st.GetUser(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, a.AllianceID, u2.AllianceID)

	_, ok, err := st.GetApplication(context.Background(), a.AllianceID, 2)
	require.NoError(t, err)
	assert.False(t, ok, "approval must clear the pending application")
}

func TestReject_ClearsApplicationWithoutAdmitting(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, st.SetAllianceJoinPolicy(context.Background(), a.AllianceID, types.JoinApproval))
	require.NoError(t, svc.Apply(context.Background(), 2, a.AllianceID))

	require.NoError(t, svc.Reject(context.Background(), 1, 2, a.AllianceID))

	u2, err := st.GetUser(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u2.AllianceID, "rejection must not admit the applicant")

	_, ok, err := st.GetApplication(context.Background(), a.AllianceID, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApprove_RejectsNonOfficerActor(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	seedUser(t, st, 3, "carl")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, st.SetAllianceJoinPolicy(context.Background(), a.AllianceID, types.JoinApproval))
	require.NoError(t, svc.Apply(context.Background(), 2, a.AllianceID))
	require.NoError(t, svc.Approve(context.Background(), 1, 2, a.AllianceID))
	require.NoError(t, svc.Apply(context.Background(), 3, a.AllianceID))

	err = svc.Approve(context.Background(), 2, 3, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Forbidden, e.Kind)
}

func TestPromote_LeaderTransferDemotesOutgoingLeader(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, svc.Join(context.Background(), 2, a.AllianceID))

	require.NoError(t, svc.Promote(context.Background(), 1, 2, a.AllianceID, RoleLeader))

	members, err := st.ListAllianceMembers(context.Background(), a.AllianceID)
	require.NoError(t, err)

	roles := map[int64]string{}
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, RoleLeader, roles[2])
	assert.Equal(t, RoleOfficer, roles[1])
}

func TestPromote_RejectsUnknownRole(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)

	err = svc.Promote(context.Background(), 1, 1, a.AllianceID, "emperor")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Validation, e.Kind)
}

func TestDonate_ConsumesCostsFromDonor(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, st.UpsertResources(context.Background(), types.Resources{UserID: 1, Gold: 100}))

	require.NoError(t, svc.Donate(context.Background(), 1, a.AllianceID, map[string]int64{"gold": 40}))

	r, err := st.GetResources(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), r.Gold)
}

func TestDisband_RequiresLeaderAndRemovesAllMembers(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, 1, "alice")
	seedUser(t, st, 2, "bob")
	a, err := svc.Create(context.Background(), 1, "The Vanguard")
	require.NoError(t, err)
	require.NoError(t, svc.Join(context.Background(), 2, a.AllianceID))

	err = svc.Disband(context.Background(), 2, a.AllianceID)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Forbidden, e.Kind)

	require.NoError(t, svc.Disband(context.Background(), 1, a.AllianceID))
	members, err := st.ListAllianceMembers(context.Background(), a.AllianceID)
	require.NoError(t, err)
	assert.Empty(t, members)
}
