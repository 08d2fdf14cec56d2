package queue

import "github.com/wackfx/redis-smq/smq"

type (
	// StoreOption is a Store creation option.
	StoreOption func(*storeOptions)

	storeOptions struct {
		logger       smq.Logger
		acknowledged Storage
		deadLettered Storage
	}

	// Storage configures how acknowledged or dead-lettered messages are
	// kept.
	Storage struct {
		// Enabled keeps the messages in their list, otherwise their
		// records are deleted.
		Enabled bool
		// MaxSize caps the list, oldest messages are deleted first. Zero
		// means no cap.
		MaxSize int
	}
)

// WithLogger sets the store logger.
func WithLogger(logger smq.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithAcknowledgedStorage configures the storage of acknowledged
// messages.
func WithAcknowledgedStorage(s Storage) StoreOption {
	return func(o *storeOptions) {
		o.acknowledged = s
	}
}

// WithDeadLetteredStorage configures the storage of dead-lettered
// messages.
func WithDeadLetteredStorage(s Storage) StoreOption {
	return func(o *storeOptions) {
		o.deadLettered = s
	}
}

func parseOptions(opts ...StoreOption) *storeOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultOptions() *storeOptions {
	return &storeOptions{
		logger:       smq.NoopLogger(),
		acknowledged: Storage{Enabled: true},
		deadLettered: Storage{Enabled: true},
	}
}
