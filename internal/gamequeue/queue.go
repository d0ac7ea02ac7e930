// Package gamequeue is the Timed-Task Queue: one sorted set per task class,
// scored by completion unix-ms, each member carrying its task metadata.
// Members left in the queue too long past their completion time are dropped
// by Prune, which the Task Worker calls with the configured metadata TTL
// (24h by default); the queue applies no expiry of its own.
// It is an in-process, mutex-guarded structure supporting enqueue, pop_due,
// reschedule, remove, score lookup, per-user listing, status, and
// cleanup/prune.
package gamequeue

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/antigravity-dev/gameserver/internal/types"
)

type memberEntry struct {
	task  types.Task
	score int64 // unix-ms
}

// Queue holds the sorted sets for every task class in one process, all
// guarded by a single mutex.
type Queue struct {
	mu          sync.Mutex
	sets        map[types.TaskClass]map[string]*memberEntry
	metadataTTL time.Duration
	maxAttempts int
}

// New constructs an empty Queue.
func New(metadataTTL time.Duration, maxAttempts int) *Queue {
	return &Queue{
		sets:        make(map[types.TaskClass]map[string]*memberEntry),
		metadataTTL: metadataTTL,
		maxAttempts: maxAttempts,
	}
}

// Restore bulk-loads tasks into the queue, used once at process startup
// to rebuild in-memory state from the durable tasks table — without
// this, a restart would silently drop every in-progress build/train/
// research.
func (q *Queue) Restore(tasks []types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		set := q.setFor(t.Class)
		set[t.Member()] = &memberEntry{task: t, score: t.EndAt.UnixMilli()}
	}
}

func (q *Queue) setFor(class types.TaskClass) map[string]*memberEntry {
	s, ok := q.sets[class]
	if !ok {
		s = make(map[string]*memberEntry)
		q.sets[class] = s
	}
	return s
}

// Enqueue adds or replaces a task in its class's sorted set, scored by
// endAt. metadata is stored on the member itself and leaves with it: on
// PopDue, Remove, or a Prune that finds it older than the given age.
func (q *Queue) Enqueue(t types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	set := q.setFor(t.Class)
	t.EndAt = t.EndAt.UTC()
	set[t.Member()] = &memberEntry{task: t, score: t.EndAt.UnixMilli()}
}

// Reschedule updates the score (completion time) of an existing member
// without touching its metadata, mirroring update_completion_time's
// zrem-then-zadd semantics.
func (q *Queue) Reschedule(class types.TaskClass, userID int64, taskID, subID string, newEndAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	member := memberKey(userID, taskID, subID)
	set := q.setFor(class)
	e, ok := set[member]
	if !ok {
		return false
	}
	e.task.EndAt = newEndAt.UTC()
	e.score = e.task.EndAt.UnixMilli()
	return true
}

// Remove deletes a member and its metadata.
func (q *Queue) Remove(class types.TaskClass, userID int64, taskID, subID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	member := memberKey(userID, taskID, subID)
	set := q.setFor(class)
	if _, ok := set[member]; !ok {
		return false
	}
	delete(set, member)
	return true
}

// ScoreOf returns the completion time for a member, if present.
func (q *Queue) ScoreOf(class types.TaskClass, userID int64, taskID, subID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	member := memberKey(userID, taskID, subID)
	e, ok := q.setFor(class)[member]
	if !ok {
		return time.Time{}, false
	}
	return e.task.EndAt, true
}

// PopDue removes and returns every task in class whose score is <= now,
// ties broken by lexicographic member order.
func (q *Queue) PopDue(class types.TaskClass, now time.Time) []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	set := q.setFor(class)
	cutoff := now.UnixMilli()

	var due []struct {
		member string
		entry  *memberEntry
	}
	for member, e := range set {
		if e.score <= cutoff {
			due = append(due, struct {
				member string
				entry  *memberEntry
			}{member, e})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].entry.score != due[j].entry.score {
			return due[i].entry.score < due[j].entry.score
		}
		return due[i].member < due[j].member
	})

	out := make([]types.Task, 0, len(due))
	for _, d := range due {
		out = append(out, d.entry.task)
		delete(set, d.member)
	}
	return out
}

// Requeue puts a popped task back with an incremented attempt count,
// rescheduled retryAfter into the future. Returns false once attempts
// exceed the queue's configured maximum — the caller is then responsible
// for dead-lettering it.
func (q *Queue) Requeue(t types.Task, retryAfter time.Duration) bool {
	t.Attempts++
	if t.Attempts > q.maxAttempts {
		return false
	}
	t.EndAt = time.Now().Add(retryAfter)
	q.Enqueue(t)
	return true
}

// TasksForUser lists every in-flight task for a user in a class.
func (q *Queue) TasksForUser(class types.TaskClass, userID int64) []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := strconv.FormatInt(userID, 10) + ":"
	var out []types.Task
	for member, e := range q.setFor(class) {
		if len(member) >= len(prefix) && member[:len(prefix)] == prefix {
			out = append(out, e.task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	return out
}

// Status reports total/due/pending counts for a class.
func (q *Queue) Status(class types.TaskClass, now time.Time) (total, due, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	set := q.setFor(class)
	cutoff := now.UnixMilli()
	total = len(set)
	for _, e := range set {
		if e.score <= cutoff {
			due++
		}
	}
	pending = total - due
	return
}

// Prune drops members whose completion time is older than olderThan in
// the past — a housekeeping pass for tasks that were never popped.
func (q *Queue) Prune(class types.TaskClass, olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	set := q.setFor(class)
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	removed := 0
	for member, e := range set {
		if e.score <= cutoff {
			delete(set, member)
			removed++
		}
	}
	return removed
}

func memberKey(userID int64, taskID, subID string) string {
	t := types.Task{UserID: userID, TaskID: taskID, SubID: subID}
	return t.Member()
}
