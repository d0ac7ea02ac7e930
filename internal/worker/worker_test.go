package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamequeue"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/push"
	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWorker() (*Worker, *gamequeue.Queue) {
	cfgMgr := config.NewManager(&config.Config{
		Queue: config.Queue{
			TickInterval:  config.Duration{Duration: time.Second},
			PruneInterval: config.Duration{Duration: time.Hour},
			MaxAttempts:   3,
		},
	})
	queue := gamequeue.New(time.Hour, 3)
	locks := lock.New(time.Second)
	pushCh := push.New(time.Minute, time.Second, nil, testLogger())
	return New(cfgMgr, queue, locks, pushCh, nil, testLogger()), queue
}

func TestTick_InvokesRegisteredFinishHandlerAndDequeues(t *testing.T) {
	w, queue := testWorker()

	var finished types.Task
	w.Register(types.TaskBuilding, "building.finished", func(ctx context.Context, t types.Task) error {
		finished = t
		return nil
	})

	queue.Enqueue(types.Task{Class: types.TaskBuilding, UserID: 1, TaskID: "town_hall", EndAt: time.Now().Add(-time.Second)})

	w.tick(context.Background())

	assert.Equal(t, "town_hall", finished.TaskID)
	assert.Empty(t, queue.TasksForUser(types.TaskBuilding, 1))
}

func TestTick_RequeuesOnFinishFailure(t *testing.T) {
	w, queue := testWorker()

	attempts := 0
	w.Register(types.TaskBuilding, "building.finished", func(ctx context.Context, t types.Task) error {
		attempts++
		return errors.New("transient failure")
	})

	queue.Enqueue(types.Task{Class: types.TaskBuilding, UserID: 1, TaskID: "town_hall", EndAt: time.Now().Add(-time.Second)})

	w.tick(context.Background())

	assert.Equal(t, 1, attempts)
	assert.Empty(t, w.DeadLetters())

	tasks := w.queue.TasksForUser(types.TaskBuilding, 1)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].EndAt.After(time.Now()), "a failed finish must requeue for a later retry, not leave the task due")
}

func TestComplete_DeadLettersAfterMaxAttemptsExhausted(t *testing.T) {
	w, queue := testWorker()

	w.Register(types.TaskBuilding, "building.finished", func(ctx context.Context, t types.Task) error {
		return errors.New("permanent failure")
	})

	task := types.Task{Class: types.TaskBuilding, UserID: 1, TaskID: "town_hall", EndAt: time.Now().Add(-time.Second), Attempts: 3}
	queue.Enqueue(task)

	w.tick(context.Background())

	dead := w.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "town_hall", dead[0].TaskID)
}

func TestPrune_RemovesStaleQueueEntries(t *testing.T) {
	w, queue := testWorker()
	w.Register(types.TaskBuilding, "building.finished", func(ctx context.Context, t types.Task) error { return nil })

	queue.Enqueue(types.Task{Class: types.TaskBuilding, UserID: 1, TaskID: "ancient", EndAt: time.Now().Add(-72 * time.Hour)})

	cfgMgr := config.NewManager(&config.Config{
		Queue: config.Queue{MetadataTTL: config.Duration{Duration: 24 * time.Hour}},
	})
	w.cfgMgr = cfgMgr

	w.prune()

	assert.Empty(t, queue.TasksForUser(types.TaskBuilding, 1))
}
