package smq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	stesting "github.com/wackfx/redis-smq/testing"
)

func TestClueLoggerPrefixes(t *testing.T) {
	var buf stesting.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatJSON))
	log.FlushAndDisableBuffering(ctx)
	logger := ClueLogger(ctx)

	logger.Info("root")
	consumer := logger.WithPrefix("consumer", "c1")
	consumer.Info("started", "queues", 2)
	handler := consumer.WithPrefix("queue", "orders@default")
	handler.Info("acknowledged")
	logger.WithPrefix("worker", "schedule").Info("tick")
	consumer.Info("stopped")

	logs := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, logs, 5)

	check := func(t *testing.T, line string, expected string) {
		t.Helper()
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		delete(m, "time")
		actual, err := json.Marshal(m)
		require.NoError(t, err)
		assert.Equal(t, expected, string(actual))
	}

	check(t, logs[0], `{"level":"info","msg":"root"}`)
	check(t, logs[1], `{"consumer":"c1","level":"info","msg":"started","queues":2}`)
	check(t, logs[2], `{"consumer":"c1","level":"info","msg":"acknowledged","queue":"orders@default"}`)
	check(t, logs[3], `{"level":"info","msg":"tick","worker":"schedule"}`)
	check(t, logs[4], `{"consumer":"c1","level":"info","msg":"stopped"}`)
}

func TestClueLoggerDebug(t *testing.T) {
	var buf stesting.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatJSON))
	log.FlushAndDisableBuffering(ctx)
	logger := ClueLogger(ctx)

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.EnableDebug()
	prefixed := logger.WithPrefix("queue", "q1")
	prefixed.Debug("visible", "id", 42, "dangling")
	prefixed.Error(errors.New("boom"), "attempt", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"msg":"visible"`)
	assert.Contains(t, lines[0], `"id":42`)
	assert.Contains(t, lines[0], `"queue":"q1"`)
	assert.NotContains(t, lines[0], "dangling")
	assert.Contains(t, lines[1], `"err":"boom"`)
	assert.Contains(t, lines[1], `"attempt":3`)
}

func TestNoopLogger(t *testing.T) {
	logger := NoopLogger()
	logger.EnableDebug()
	assert.Equal(t, logger, logger.WithPrefix("k", "v"))
	logger.Debug("x")
	logger.Info("x")
	logger.Error(errors.New("x"))
}
