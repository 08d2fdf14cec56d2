package workers

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/keys"
	"github.com/wackfx/redis-smq/metrics"
	"github.com/wackfx/redis-smq/queue"
	"github.com/wackfx/redis-smq/rmap"
	"github.com/wackfx/redis-smq/smq"
)

// HeartbeatMonitor recovers the messages of the consumers whose heartbeat
// expired.
type HeartbeatMonitor struct {
	store        *queue.Store
	rdb          *redis.Client
	registry     *rmap.Map
	batchSize    int64
	heartbeatTTL time.Duration
	logger       smq.Logger
}

// NewHeartbeatMonitor returns a heartbeat monitor. registry maps consumer
// ids to the queues they consume.
func NewHeartbeatMonitor(store *queue.Store, registry *rmap.Map, opts ...WorkerOption) *HeartbeatMonitor {
	o := parseWorkerOptions(opts...)
	return &HeartbeatMonitor{
		store:        store,
		rdb:          store.Client(),
		registry:     registry,
		batchSize:    o.batchSize,
		heartbeatTTL: o.heartbeatTTL,
		logger:       o.logger.WithPrefix("worker", "heartbeat-monitor"),
	}
}

// Name implements Worker.
func (w *HeartbeatMonitor) Name() string { return "heartbeat-monitor" }

// Work recovers one batch of dead consumers. The heartbeat of a consumer
// is removed in the same transaction as its recovery so a consumer is
// recovered once.
func (w *HeartbeatMonitor) Work(ctx context.Context) (int, error) {
	ids, err := heartbeat.ExpiredIDs(ctx, w.rdb, time.Now(), w.heartbeatTTL, 0, w.batchSize)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		refs, err := w.queues(ctx, id)
		if err != nil {
			return i, err
		}
		n, err := w.store.Recover(ctx, id, refs, true)
		if err != nil {
			return i, err
		}
		if _, err := w.registry.Delete(ctx, id); err != nil {
			w.logger.Error(err, "consumer", id)
		}
		metrics.ConsumersExpired.Inc()
		w.logger.Info("consumer expired", "consumer", id, "queues", len(refs), "recovered", n)
	}
	return len(ids), nil
}

// queues reads the queues of the consumer from Redis: the local copy of the
// registry may miss a consumer that registered and died in between two
// updates.
func (w *HeartbeatMonitor) queues(ctx context.Context, consumerID string) ([]keys.QueueRef, error) {
	vals, _, err := w.registry.FetchValues(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	refs := make([]keys.QueueRef, 0, len(vals))
	for _, v := range vals {
		ref, err := keys.ParseQueueRef(v, "")
		if err != nil {
			w.logger.Error(err, "consumer", consumerID, "queue", v)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
