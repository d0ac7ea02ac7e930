package gamequeue

import (
	"testing"
	"time"

	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(userID int64, taskID string, in time.Duration) types.Task {
	return types.Task{Class: types.TaskBuilding, UserID: userID, TaskID: taskID, EndAt: time.Now().Add(in)}
}

func TestEnqueue_PopDue_OrdersByScoreThenMember(t *testing.T) {
	q := New(time.Hour, 3)

	// "a" and "b" share one completion time so only the member tie-break
	// decides their order.
	tb := task(1, "b", -time.Second)
	ta := tb
	ta.TaskID = "a"
	q.Enqueue(tb)
	q.Enqueue(ta)
	q.Enqueue(task(2, "z", time.Hour))

	due := q.PopDue(types.TaskBuilding, time.Now())
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].TaskID)
	assert.Equal(t, "b", due[1].TaskID)

	// The not-yet-due task remains.
	total, _, pending := q.Status(types.TaskBuilding, time.Now())
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, pending)
}

func TestReschedule_UpdatesScoreWithoutLosingMetadata(t *testing.T) {
	q := New(time.Hour, 3)
	tk := task(1, "t1", time.Hour)
	tk.Metadata = map[string]any{"target_level": 3}
	q.Enqueue(tk)

	ok := q.Reschedule(types.TaskBuilding, 1, "t1", "", time.Now().Add(-time.Second))
	require.True(t, ok)

	due := q.PopDue(types.TaskBuilding, time.Now())
	require.Len(t, due, 1)
	assert.Equal(t, 3, due[0].Metadata["target_level"])
}

func TestReschedule_UnknownMemberReturnsFalse(t *testing.T) {
	q := New(time.Hour, 3)
	assert.False(t, q.Reschedule(types.TaskBuilding, 99, "missing", "", time.Now()))
}

func TestRemove_DeletesMember(t *testing.T) {
	q := New(time.Hour, 3)
	q.Enqueue(task(1, "t1", time.Hour))

	assert.True(t, q.Remove(types.TaskBuilding, 1, "t1", ""))
	assert.False(t, q.Remove(types.TaskBuilding, 1, "t1", ""))

	total, _, _ := q.Status(types.TaskBuilding, time.Now())
	assert.Equal(t, 0, total)
}

func TestScoreOf(t *testing.T) {
	q := New(time.Hour, 3)
	end := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	q.Enqueue(types.Task{Class: types.TaskUnit, UserID: 1, TaskID: "t1", EndAt: end})

	got, ok := q.ScoreOf(types.TaskUnit, 1, "t1", "")
	require.True(t, ok)
	assert.True(t, got.Equal(end.UTC()))

	_, ok = q.ScoreOf(types.TaskUnit, 1, "nope", "")
	assert.False(t, ok)
}

func TestRequeue_DeadLettersAfterMaxAttempts(t *testing.T) {
	q := New(time.Hour, 2)
	tk := task(1, "t1", -time.Second)
	tk.Attempts = 2

	ok := q.Requeue(tk, time.Minute)
	assert.False(t, ok, "third attempt exceeds max of 2")

	tk.Attempts = 1
	ok = q.Requeue(tk, time.Minute)
	assert.True(t, ok)

	total, _, pending := q.Status(types.TaskBuilding, time.Now())
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, pending)
}

func TestTasksForUser_FiltersByUserAndSortsByEndAt(t *testing.T) {
	q := New(time.Hour, 3)
	q.Enqueue(task(1, "t2", 2*time.Hour))
	q.Enqueue(task(1, "t1", time.Hour))
	q.Enqueue(task(2, "other", time.Hour))

	out := q.TasksForUser(types.TaskBuilding, 1)
	require.Len(t, out, 2)
	assert.Equal(t, "t1", out[0].TaskID)
	assert.Equal(t, "t2", out[1].TaskID)
}

func TestPrune_RemovesOnlyOldEntries(t *testing.T) {
	q := New(time.Hour, 3)
	q.Enqueue(task(1, "old", -48*time.Hour))
	q.Enqueue(task(1, "recent", -time.Minute))

	removed := q.Prune(types.TaskBuilding, 24*time.Hour)
	assert.Equal(t, 1, removed)

	total, _, _ := q.Status(types.TaskBuilding, time.Now())
	assert.Equal(t, 1, total)
}

func TestRestore_RebuildsFromPersistedTasks(t *testing.T) {
	q := New(time.Hour, 3)
	q.Restore([]types.Task{
		task(1, "t1", time.Hour),
		task(2, "t2", -time.Hour),
	})

	total, due, pending := q.Status(types.TaskBuilding, time.Now())
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, due)
	assert.Equal(t, 1, pending)
}
