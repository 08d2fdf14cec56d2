// Package keys maps namespaces, queues and consumers to the Redis keys used
// by the broker. All functions are pure.
package keys

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type (
	// QueueRef identifies a queue.
	QueueRef struct {
		// Namespace of the queue.
		Namespace string
		// Name of the queue.
		Name string
	}

	// Queue lists the keys owned by a queue.
	Queue struct {
		// Ref is the queue reference.
		Ref QueueRef
		// Properties is the hash holding the queue type, produced
		// message counter and priority sequence.
		Properties string
		// Pending is the pending list of FIFO and LIFO queues.
		Pending string
		// Priority is the pending sorted set of priority queues.
		Priority string
		// Acknowledged is the acknowledged messages list.
		Acknowledged string
		// DeadLettered is the dead-letter list.
		DeadLettered string
		// Scheduled is the sorted set listing the queue scheduled messages.
		Scheduled string
		// Consumers is the hash of consumers registered with the queue.
		Consumers string
		// Notifications is the pub/sub channel used to wake up consumers.
		Notifications string
	}

	// Global lists the cross-queue keys.
	Global struct {
		// Scheduled is the sorted set of scheduled message ids keyed by
		// fire timestamp.
		Scheduled string
		// Delayed is the list of unacknowledged messages waiting to be
		// scheduled for a delayed retry.
		Delayed string
		// Deadlines is the sorted set of processing message ids keyed by
		// consume deadline.
		Deadlines string
		// Heartbeats is the hash of consumer heartbeat payloads.
		Heartbeats string
		// HeartbeatTimestamps is the sorted set of consumer heartbeat
		// timestamps.
		HeartbeatTimestamps string
		// Queues is the set of existing queues.
		Queues string
		// ConsumerQueues is the name of the replicated map recording the
		// queues each consumer is registered with.
		ConsumerQueues string
	}
)

const (
	// prefix is prepended to every key.
	prefix = "smq"
	// globalNamespace holds the cross-queue keys.
	globalNamespace = "global"
	// DefaultNamespace is the namespace used when none is given.
	DefaultNamespace = "default"
)

// ErrInvalidName is returned for names containing characters outside
// [a-z0-9_-] after case folding.
var ErrInvalidName = errors.New("invalid name")

var nameRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName lowercases name and makes sure it only contains lowercase
// letters, digits, underscores and dashes.
func ValidateName(name string) (string, error) {
	lower := strings.ToLower(name)
	if !nameRegex.MatchString(lower) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return lower, nil
}

// NewQueueRef validates the namespace and name and returns the
// corresponding reference. An empty namespace selects DefaultNamespace.
// The reserved global namespace cannot host queues.
func NewQueueRef(namespace, name string) (QueueRef, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	ns, err := ValidateName(namespace)
	if err != nil {
		return QueueRef{}, fmt.Errorf("namespace: %w", err)
	}
	if ns == globalNamespace {
		return QueueRef{}, fmt.Errorf("namespace: %w: %q is reserved", ErrInvalidName, ns)
	}
	n, err := ValidateName(name)
	if err != nil {
		return QueueRef{}, fmt.Errorf("queue: %w", err)
	}
	return QueueRef{Namespace: ns, Name: n}, nil
}

// ParseQueueRef parses "name@namespace" or "name". defaultNS is used when
// the namespace is omitted.
func ParseQueueRef(s, defaultNS string) (QueueRef, error) {
	name, ns, found := strings.Cut(s, "@")
	if !found {
		ns = defaultNS
	}
	return NewQueueRef(ns, name)
}

// MustQueueRef is like NewQueueRef but panics on error.
func MustQueueRef(namespace, name string) QueueRef {
	ref, err := NewQueueRef(namespace, name)
	if err != nil {
		panic(err)
	}
	return ref
}

// String returns "name@namespace".
func (r QueueRef) String() string {
	return r.Name + "@" + r.Namespace
}

// IsZero returns true if r is the zero value.
func (r QueueRef) IsZero() bool {
	return r.Name == "" && r.Namespace == ""
}

// ForQueue returns the keys of the given queue. ref must have been
// validated with NewQueueRef or ParseQueueRef.
func ForQueue(ref QueueRef) Queue {
	base := queueKey(ref)
	return Queue{
		Ref:           ref,
		Properties:    base + ":properties",
		Pending:       base + ":pending",
		Priority:      base + ":priority",
		Acknowledged:  base + ":acknowledged",
		DeadLettered:  base + ":dead-lettered",
		Scheduled:     base + ":scheduled",
		Consumers:     base + ":consumers",
		Notifications: base + ":notifications",
	}
}

// Processing returns the processing list of the given consumer for the
// queue.
func (q Queue) Processing(consumerID string) string {
	return queueKey(q.Ref) + ":processing:" + consumerID
}

// ForGlobal returns the cross-queue keys.
func ForGlobal() Global {
	return Global{
		Scheduled:           globalKey("scheduled"),
		Delayed:             globalKey("delayed"),
		Deadlines:           globalKey("deadlines"),
		Heartbeats:          globalKey("heartbeats"),
		HeartbeatTimestamps: globalKey("heartbeat-timestamps"),
		Queues:              globalKey("queues"),
		ConsumerQueues:      globalKey("consumer-queues"),
	}
}

// Lock returns the key of the distributed lock guarding the named worker.
func Lock(worker string) string {
	return globalKey("lock:" + worker)
}

// Message returns the key of the hash holding the message record.
func Message(id string) string {
	return MessagePrefix() + id
}

// MessagePrefix is the prefix of all message record keys. Lua scripts that
// discover message ids at run time build the record keys from it.
func MessagePrefix() string {
	return globalKey("message:")
}

func queueKey(ref QueueRef) string {
	return fmt.Sprintf("%s:%s:queue:%s", prefix, ref.Namespace, ref.Name)
}

func globalKey(name string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, globalNamespace, name)
}
