// Package worker implements the Task Worker: one ticking goroutine per
// task class that pops due tasks, invokes the owning service's finish
// handler under the user's lock, pushes a completion event on success,
// and retries failures up to the queue's configured maximum before
// dead-lettering.
//
// Each tick re-reads the configured interval from the config manager so a
// hot-reload takes effect without restarting the goroutine.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamequeue"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/metrics"
	"github.com/antigravity-dev/gameserver/internal/push"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// FinishFunc completes one due task. It runs under the task's user lock.
type FinishFunc func(ctx context.Context, t types.Task) error

// PushEvent names the push-channel message type emitted on success for a
// task class.
type PushEvent struct {
	Class   types.TaskClass
	Type    string
	Finish  FinishFunc
}

// Worker ticks its configured classes, dispatching due tasks to their
// registered finish handlers.
type Worker struct {
	cfgMgr  *config.RWMutexManager
	queue   *gamequeue.Queue
	locks   *lock.Manager
	push    *push.Channel
	metrics *metrics.Registry
	logger  *slog.Logger

	handlers map[types.TaskClass]PushEvent

	deadLetterMu sync.Mutex
	deadLetter   []types.Task
}

// New constructs a Task Worker. Register finish handlers with Register
// before calling Run. mr may be nil, in which case ticks go unmeasured.
func New(cfgMgr *config.RWMutexManager, queue *gamequeue.Queue, locks *lock.Manager, pushCh *push.Channel, mr *metrics.Registry, logger *slog.Logger) *Worker {
	return &Worker{
		cfgMgr:   cfgMgr,
		queue:    queue,
		locks:    locks,
		push:     pushCh,
		metrics:  mr,
		logger:   logger,
		handlers: make(map[types.TaskClass]PushEvent),
	}
}

// Register wires a task class to its owning service's finish handler and
// the push-event type to emit on success.
func (w *Worker) Register(class types.TaskClass, pushType string, finish FinishFunc) {
	w.handlers[class] = PushEvent{Class: class, Type: pushType, Finish: finish}
}

// Run ticks until ctx is cancelled, re-reading the configured interval
// each cycle so config hot-reload takes effect without a restart.
func (w *Worker) Run(ctx context.Context) {
	cfg := w.cfgMgr.Get()
	interval := cfg.Queue.TickInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(cfg.Queue.PruneInterval.Duration)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
			cfg := w.cfgMgr.Get()
			if cfg.Queue.TickInterval.Duration != interval {
				interval = cfg.Queue.TickInterval.Duration
				ticker.Reset(interval)
			}
		case <-pruneTicker.C:
			w.prune()
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now()
	for class, h := range w.handlers {
		due := w.queue.PopDue(class, now)
		for _, t := range due {
			if w.metrics != nil {
				w.metrics.TaskTicksTotal.WithLabelValues(string(class)).Inc()
			}
			w.complete(ctx, h, t)
		}
	}
	if w.metrics != nil {
		w.metrics.ObserveQueueDepths(func(class types.TaskClass) int {
			total, _, _ := w.queue.Status(class, now)
			return total
		})
	}
}

func (w *Worker) complete(ctx context.Context, h PushEvent, t types.Task) {
	release, err := w.locks.Acquire(ctx, lock.UserKey(t.UserID))
	if err != nil {
		w.logger.Warn("task worker could not acquire user lock, requeueing", "user_id", t.UserID, "class", t.Class, "task_id", t.TaskID, "error", err)
		w.retryOrDeadLetter(t)
		return
	}
	defer release()

	if err := h.Finish(ctx, t); err != nil {
		w.logger.Error("task finish handler failed", "user_id", t.UserID, "class", t.Class, "task_id", t.TaskID, "attempt", t.Attempts, "error", err)
		w.retryOrDeadLetter(t)
		return
	}

	w.push.Send(t.UserID, h.Type, map[string]any{
		"task_id": t.TaskID,
		"sub_id":  t.SubID,
	})

	w.logger.Info("task completed", "user_id", t.UserID, "class", t.Class, "task_id", t.TaskID)
}

func (w *Worker) retryOrDeadLetter(t types.Task) {
	if w.queue.Requeue(t, retryBackoff(t.Attempts)) {
		if w.metrics != nil {
			w.metrics.TaskRetriesTotal.WithLabelValues(string(t.Class)).Inc()
		}
		w.logger.Warn("task requeued for retry", "user_id", t.UserID, "class", t.Class, "task_id", t.TaskID, "attempt", t.Attempts)
		return
	}

	if w.metrics != nil {
		w.metrics.DeadLettersTotal.WithLabelValues(string(t.Class)).Inc()
	}
	w.deadLetterMu.Lock()
	w.deadLetter = append(w.deadLetter, t)
	w.deadLetterMu.Unlock()
	w.logger.Error("task dead-lettered after max attempts", "user_id", t.UserID, "class", t.Class, "task_id", t.TaskID, "attempts", t.Attempts)
}

func retryBackoff(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return 5 * time.Second
	case attempt == 2:
		return 30 * time.Second
	default:
		return 2 * time.Minute
	}
}

// DeadLetters returns a snapshot of tasks that exhausted their retry
// budget, for /health reporting.
func (w *Worker) DeadLetters() []types.Task {
	w.deadLetterMu.Lock()
	defer w.deadLetterMu.Unlock()
	out := make([]types.Task, len(w.deadLetter))
	copy(out, w.deadLetter)
	return out
}

func (w *Worker) prune() {
	cfg := w.cfgMgr.Get()
	for class := range w.handlers {
		if n := w.queue.Prune(class, cfg.Queue.MetadataTTL.Duration); n > 0 {
			w.logger.Info("pruned stale queue entries", "class", class, "count", n)
		}
	}
}
