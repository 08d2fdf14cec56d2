package testing

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisPwd is the default test redis password, overridden by the
// REDIS_PASSWORD env var.
var redisPwd = "redispassword"

func init() {
	if p := os.Getenv("REDIS_PASSWORD"); p != "" {
		redisPwd = p
	}
}

// NewRedisClient returns a client connected to the test Redis server.
func NewRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", Password: redisPwd})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		switch {
		case strings.Contains(err.Error(), "WRONGPASS"):
			t.Fatal("Unexpected Redis password error (did you set REDIS_PASSWORD?)")
		case strings.Contains(err.Error(), "connection refused"):
			t.Fatal("Unexpected Redis connection error (is Redis running?)")
		}
	}
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

// CleanupRedis flushes the test database. If checkClean is true it first
// checks that no key containing testName is left behind.
func CleanupRedis(t *testing.T, rdb *redis.Client, checkClean bool, testName string) {
	t.Helper()
	ctx := context.Background()
	if checkClean {
		assert.Eventually(t, func() bool {
			keys, err := rdb.Keys(ctx, "*"+testName+"*").Result()
			return err == nil && len(keys) == 0
		}, time.Second, 10*time.Millisecond, "found keys for %s", testName)
	}
	assert.NoError(t, rdb.FlushDB(ctx).Err())
}

// TestName returns a name derived from the current test usable in queue
// names and Redis keys.
func TestName(t *testing.T) string {
	name := strings.ToLower(strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name()))
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
