package workers

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/message"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/smq"
)

// RequeueWorker fails the deliveries that exceeded their consume timeout.
// Messages held by dead consumers are left to the heartbeat monitor.
type RequeueWorker struct {
	store        *queue.Store
	rdb          *redis.Client
	batchSize    int64
	heartbeatTTL time.Duration
	logger       smq.Logger
}

// NewRequeueWorker returns a consume timeout worker.
func NewRequeueWorker(store *queue.Store, opts ...WorkerOption) *RequeueWorker {
	o := parseWorkerOptions(opts...)
	return &RequeueWorker{
		store:        store,
		rdb:          store.Client(),
		batchSize:    o.batchSize,
		heartbeatTTL: o.heartbeatTTL,
		logger:       o.logger.WithPrefix("worker", "requeue"),
	}
}

// Name implements Worker.
func (w *RequeueWorker) Name() string { return "requeue" }

// Work handles one batch of expired processing deadlines.
func (w *RequeueWorker) Work(ctx context.Context) (int, error) {
	now := time.Now()
	ids, err := w.store.ExpiredProcessing(ctx, now, w.batchSize)
	if err != nil {
		return 0, err
	}
	var n int
	for _, id := range ids {
		msg, err := w.store.GetMessage(ctx, id)
		if errors.Is(err, queue.ErrMessageNotFound) {
			if err := w.store.ForgetDeadline(ctx, id); err != nil {
				return n, err
			}
			continue
		}
		if err != nil {
			w.logger.Error(err, "id", id)
			continue
		}
		if msg.State.Status != message.StatusProcessing || msg.State.ConsumerID == "" {
			if err := w.store.ForgetDeadline(ctx, id); err != nil {
				return n, err
			}
			continue
		}
		alive, err := heartbeat.IsAlive(ctx, w.rdb, msg.State.ConsumerID, now, w.heartbeatTTL)
		if err != nil {
			return n, err
		}
		if !alive {
			continue
		}
		outcome, err := w.store.Unacknowledge(ctx, msg.Queue, msg.State.ConsumerID, id, queue.CauseConsumeTimeout)
		if errors.Is(err, queue.ErrMessageNotFound) {
			// Acknowledged in the meantime.
			if err := w.store.ForgetDeadline(ctx, id); err != nil {
				return n, err
			}
			continue
		}
		if err != nil {
			w.logger.Error(err, "id", id)
			continue
		}
		w.logger.Info("consume timeout", "queue", msg.Queue, "id", id, "consumer", msg.State.ConsumerID, "outcome", outcome)
		n++
	}
	return n, nil
}
