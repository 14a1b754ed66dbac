package orch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/agent"
	"autocoder/pkg/config"
)

func TestConstantCooldown(t *testing.T) {
	c := ConstantCooldown{Interval: 3 * time.Second}
	assert.Equal(t, 3*time.Second, c.Delay(0, agent.Succeeded(0)))
	assert.Equal(t, 3*time.Second, c.Delay(5, agent.Failed(1, 0)))
}

func TestExponentialCooldown(t *testing.T) {
	e := ExponentialCooldown{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		failures int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{500, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, e.Delay(tt.failures, agent.Failed(1, 0)), "failures=%d", tt.failures)
	}
}

func TestNoCooldown(t *testing.T) {
	assert.Zero(t, NoCooldown{}.Delay(3, agent.Failed(1, 0)))
}

func TestNewCooldownPolicy(t *testing.T) {
	cfg := config.Default().Loop

	p, err := NewCooldownPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, ConstantCooldown{Interval: config.DefaultCooldownDelay}, p)

	cfg.Cooldown = config.CooldownExponential
	p, err = NewCooldownPolicy(cfg)
	require.NoError(t, err)
	assert.IsType(t, ExponentialCooldown{}, p)

	cfg.Cooldown = config.CooldownNone
	p, err = NewCooldownPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, NoCooldown{}, p)

	cfg.Cooldown = "fibonacci"
	_, err = NewCooldownPolicy(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestWaitIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, wait(context.Background(), time.Millisecond))
}
