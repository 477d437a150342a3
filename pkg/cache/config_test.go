package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisOptions(t *testing.T) {
	cfg := &RedisConfig{Host: "localhost", Port: 6379, PoolSize: 10, MinIdleConns: 5, Prefix: "edgerefresh"}
	for _, opt := range []RedisOption{
		WithRedisAddr("", 6380),
		WithRedisAuth("secret", 2),
		WithRedisPool(9, 0),
		WithRedisPrefix(""),
	} {
		opt(cfg)
	}

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 9, cfg.PoolSize)
	assert.Equal(t, 3, cfg.MinIdleConns)
	assert.Equal(t, time.Duration(0), cfg.PoolTimeout)
	assert.Equal(t, "edgerefresh", cfg.Prefix)
}
