package workers

import (
	"context"
	"time"

	"github.com/wackfx/redis-smq/queue"
)

// DelayWorker moves the messages waiting for a delayed retry to the
// scheduled index, due after their retry delay.
type DelayWorker struct {
	store     *queue.Store
	batchSize int64
}

// NewDelayWorker returns a delay worker.
func NewDelayWorker(store *queue.Store, opts ...WorkerOption) *DelayWorker {
	o := parseWorkerOptions(opts...)
	return &DelayWorker{store: store, batchSize: o.batchSize}
}

// Name implements Worker.
func (w *DelayWorker) Name() string { return "delay" }

// Work schedules one batch of delayed messages.
func (w *DelayWorker) Work(ctx context.Context) (int, error) {
	msgs, err := w.store.Delayed(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	return w.store.ScheduleDelayed(ctx, time.Now(), msgs)
}
