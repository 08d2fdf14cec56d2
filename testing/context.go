package testing

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"goa.design/clue/log"
)

// start is the reference time of the elapsed times printed by
// FormatTerminal.
var start = time.Now()

// NewTestContext returns a context with a debug logger whose entries are
// tagged with the test name.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx := log.Context(context.Background(), log.WithDebug())
	if log.IsTerminal() {
		ctx = log.Context(ctx, log.WithFormat(FormatTerminal))
	}
	return log.With(ctx, log.KV{K: "test", V: t.Name()})
}

// NewBufferedLogContext returns a context whose debug logger writes text
// entries to the returned buffer.
func NewBufferedLogContext(t *testing.T) (context.Context, *Buffer) {
	t.Helper()
	var buf Buffer
	return log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatText), log.WithDebug()), &buf
}

// FormatTerminal renders an entry on one line prefixed with the colored
// severity code and the milliseconds elapsed since the test binary
// started.
func FormatTerminal(e *log.Entry) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%s\033[0m %6dms", e.Severity.Color(), e.Severity.Code(), e.Time.Sub(start).Milliseconds())
	for _, kv := range e.KeyVals {
		fmt.Fprintf(&sb, " %s%s\033[0m=%v", e.Severity.Color(), kv.K, kv.V)
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}
