package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wackfx/redis-smq/keys"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "")
	t.Setenv("SMQ_NAMESPACE", "")
	t.Setenv("SMQ_TIMEOUT", "")
	t.Setenv("SMQ_DEBUG", "")
	cfg := loadConfig()
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Empty(t, cfg.RedisPassword)
	assert.Zero(t, cfg.RedisDB)
	assert.Equal(t, keys.DefaultNamespace, cfg.Namespace)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.False(t, cfg.Debug)
	assert.NoError(t, cfg.validate())

	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("SMQ_NAMESPACE", "billing")
	t.Setenv("SMQ_TIMEOUT", "3s")
	t.Setenv("SMQ_DEBUG", "true")
	cfg = loadConfig()
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, "secret", cfg.RedisPassword)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "billing", cfg.Namespace)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigIgnoresInvalidValues(t *testing.T) {
	t.Setenv("REDIS_DB", "two")
	t.Setenv("SMQ_TIMEOUT", "soon")
	t.Setenv("SMQ_DEBUG", "maybe")
	cfg := loadConfig()
	assert.Zero(t, cfg.RedisDB)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.False(t, cfg.Debug)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *config {
		return &config{RedisAddr: "localhost:6379", Namespace: "ns", Timeout: time.Second}
	}
	cases := []struct {
		name   string
		mutate func(*config)
	}{
		{"no address", func(c *config) { c.RedisAddr = "" }},
		{"negative db", func(c *config) { c.RedisDB = -1 }},
		{"invalid namespace", func(c *config) { c.Namespace = "a b" }},
		{"no timeout", func(c *config) { c.Timeout = 0 }},
	}
	assert.NoError(t, valid().validate())
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := valid()
			c.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}
