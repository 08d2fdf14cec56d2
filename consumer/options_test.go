package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wackfx/redis-smq/heartbeat"
	"github.com/wackfx/redis-smq/workers"
)

func TestParseOptionsDefaults(t *testing.T) {
	o := parseOptions()
	assert.Equal(t, heartbeat.DefaultInterval, o.heartbeatInterval)
	assert.Equal(t, heartbeat.DefaultTTL, o.heartbeatTTL)
	assert.Equal(t, workers.DefaultInterval, o.workerInterval)
	assert.Equal(t, DefaultIdleTimeout, o.idleTimeout)
	assert.True(t, o.runWorkers)
}

func TestParseOptionsHeartbeatTTL(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		ttl      time.Duration
		wantTTL  time.Duration
	}{
		{"long interval raises default ttl", 15 * time.Second, 0, 45 * time.Second},
		{"short ttl is raised", time.Second, 2 * time.Second, 3 * time.Second},
		{"ttl at three intervals is kept", time.Second, 3 * time.Second, 3 * time.Second},
		{"long ttl is kept", time.Second, time.Minute, time.Minute},
		{"non-positive interval uses default", -time.Second, 0, heartbeat.DefaultTTL},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := []Option{WithHeartbeatInterval(c.interval)}
			if c.ttl != 0 {
				opts = append(opts, WithHeartbeatTTL(c.ttl))
			}
			o := parseOptions(opts...)
			assert.Equal(t, c.wantTTL, o.heartbeatTTL)
			assert.GreaterOrEqual(t, o.heartbeatTTL, 3*o.heartbeatInterval)
		})
	}
}

func TestParseOptionsInvalidDurations(t *testing.T) {
	o := parseOptions(WithWorkerInterval(0), WithIdleTimeout(-time.Second), WithHeartbeatTTL(-time.Second))
	assert.Equal(t, workers.DefaultInterval, o.workerInterval)
	assert.Equal(t, DefaultIdleTimeout, o.idleTimeout)
	assert.Equal(t, heartbeat.DefaultTTL, o.heartbeatTTL)
}
