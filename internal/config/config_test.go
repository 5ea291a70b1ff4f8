package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	c := New()

	assert.Equal(t, StoreBackendMemory, c.StoreBackend)
	assert.Equal(t, 60*time.Second, c.BridgeTimeout)
	assert.Equal(t, 300*time.Second, c.UserQueryTimeout)
	assert.Equal(t, 24*time.Hour, c.ResurrectionLookback)
	assert.False(t, c.AllowOperatorCancel)
	assert.Equal(t, 10, c.MaxStepsPerTurn)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	t.Parallel()

	c := New(
		WithStoreBackend(StoreBackendRedis),
		WithRedisAddr("localhost:6379"),
		WithBridgeTimeout(5*time.Second),
		WithAllowOperatorCancel(true),
		WithMaxStepsPerTurn(3),
	)

	assert.Equal(t, StoreBackendRedis, c.StoreBackend)
	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, 5*time.Second, c.BridgeTimeout)
	assert.True(t, c.AllowOperatorCancel)
	assert.Equal(t, 3, c.MaxStepsPerTurn)
}

func TestFromEnvReadsPrefixedVars(t *testing.T) {
	t.Setenv("PARLEY_STORE_BACKEND", "redis")
	t.Setenv("PARLEY_REDIS_ADDR", "redis:6380")
	t.Setenv("PARLEY_BRIDGE_TIMEOUT_MS", "1500")
	t.Setenv("PARLEY_ALLOW_OPERATOR_CANCEL", "true")
	t.Setenv("PARLEY_MAX_STEPS_PER_TURN", "7")

	c := FromEnv()

	assert.Equal(t, StoreBackendRedis, c.StoreBackend)
	assert.Equal(t, "redis:6380", c.RedisAddr)
	assert.Equal(t, 1500*time.Millisecond, c.BridgeTimeout)
	assert.True(t, c.AllowOperatorCancel)
	assert.Equal(t, 7, c.MaxStepsPerTurn)
}

func TestFromEnvOptionsTakePrecedenceOverEnv(t *testing.T) {
	t.Setenv("PARLEY_MAX_STEPS_PER_TURN", "7")

	c := FromEnv(WithMaxStepsPerTurn(2))

	assert.Equal(t, 2, c.MaxStepsPerTurn)
}
