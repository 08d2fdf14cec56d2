package rmap

import "github.com/wackfx/redis-smq/smq"

type (
	// Option is a Map creation option.
	Option func(*options)

	options struct {
		logger smq.Logger
	}
)

// WithLogger sets the logger used by the map.
func WithLogger(logger smq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func parseOptions(opts ...Option) *options {
	o := &options{logger: smq.NoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
