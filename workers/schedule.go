package workers

import (
	"context"
	"time"

	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/schedule"
	"github.com/wackfx/redis-smq/smq"
)

// ScheduleWorker promotes due scheduled messages to pending.
type ScheduleWorker struct {
	store     *queue.Store
	batchSize int64
	logger    smq.Logger
}

// NewScheduleWorker returns a schedule worker.
func NewScheduleWorker(store *queue.Store, opts ...WorkerOption) *ScheduleWorker {
	o := parseWorkerOptions(opts...)
	return &ScheduleWorker{store: store, batchSize: o.batchSize, logger: o.logger.WithPrefix("worker", "schedule")}
}

// Name implements Worker.
func (w *ScheduleWorker) Name() string { return "schedule" }

// Work promotes one batch of due messages. Retried deliveries keep their
// identity, other messages are delivered as clones and rescheduled for
// their next occurrence if any.
func (w *ScheduleWorker) Work(ctx context.Context) (int, error) {
	now := time.Now()
	due, err := w.store.DueScheduled(ctx, now, w.batchSize)
	if err != nil {
		return 0, err
	}
	promotions := make([]queue.Promotion, 0, len(due))
	for _, m := range due {
		if m.State.Attempts > 0 && m.RetryDelay > 0 {
			promotions = append(promotions, queue.Promotion{Message: m})
			continue
		}
		clone := m.Clone(now)
		next, err := schedule.Next(m, now)
		if err != nil {
			// The message cannot fire again, deliver this occurrence only.
			w.logger.Error(err, "id", m.ID)
			next = time.Time{}
		}
		m.State.LastScheduledAt = now
		promotions = append(promotions, queue.Promotion{Message: m, Clone: clone, Next: next})
	}
	return w.store.Promote(ctx, now, promotions)
}
