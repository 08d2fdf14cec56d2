package smq

import (
	"context"
	"fmt"

	cluelog "goa.design/clue/log"
)

type (
	// Logger writes the structured entries of the producer, the consumer
	// and the background workers. Key-value pairs alternate keys and
	// values, a trailing key without a value is dropped.
	Logger interface {
		EnableDebug()
		// WithPrefix derives a logger whose entries all carry kvs.
		WithPrefix(kvs ...any) Logger
		Debug(msg string, kvs ...any)
		Info(msg string, kvs ...any)
		Error(err error, kvs ...any)
	}

	noopLogger struct{}

	clueLogger struct {
		logCtx context.Context
	}
)

var (
	_ Logger = (*noopLogger)(nil)
	_ Logger = (*clueLogger)(nil)
)

// NoopLogger is the default logger of all components.
func NoopLogger() Logger {
	return &noopLogger{}
}

// ClueLogger writes to the clue logger carried by logCtx. It panics if
// logCtx was not built with log.Context.
func ClueLogger(logCtx context.Context) Logger {
	cluelog.MustContainLogger(logCtx)
	return &clueLogger{logCtx}
}

func (l *noopLogger) EnableDebug()               {}
func (l *noopLogger) WithPrefix(_ ...any) Logger { return l }
func (l *noopLogger) Debug(_ string, _ ...any)   {}
func (l *noopLogger) Info(_ string, _ ...any)    {}
func (l *noopLogger) Error(_ error, _ ...any)    {}

func (l *clueLogger) EnableDebug() {
	l.logCtx = cluelog.Context(l.logCtx, cluelog.WithDebug())
}

func (l *clueLogger) WithPrefix(kvs ...any) Logger {
	return &clueLogger{logCtx: cluelog.With(l.logCtx, toFields(kvs)...)}
}

func (l *clueLogger) Debug(msg string, kvs ...any) {
	cluelog.Debug(l.logCtx, toFields(append([]any{"msg", msg}, kvs...))...)
}

func (l *clueLogger) Info(msg string, kvs ...any) {
	cluelog.Info(l.logCtx, toFields(append([]any{"msg", msg}, kvs...))...)
}

func (l *clueLogger) Error(err error, kvs ...any) {
	cluelog.Error(l.logCtx, err, toFields(kvs)...)
}

func toFields(kvs []any) []cluelog.Fielder {
	fields := make([]cluelog.Fielder, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		fields = append(fields, cluelog.KV{K: fmt.Sprint(kvs[i]), V: kvs[i+1]})
	}
	return fields
}
