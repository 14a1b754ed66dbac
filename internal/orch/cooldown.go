package orch

import (
	"context"
	"fmt"
	"math"
	"time"

	"autocoder/pkg/agent"
	"autocoder/pkg/config"
)

// CooldownPolicy decides how long to wait between sessions. failures is the
// number of consecutive unsuccessful sessions ending with last (0 when last
// succeeded). The delay never changes which session runs next.
type CooldownPolicy interface {
	Delay(failures int, last agent.Outcome) time.Duration
}

// ConstantCooldown waits the same delay after every session.
type ConstantCooldown struct {
	Interval time.Duration
}

// Delay implements CooldownPolicy.
func (c ConstantCooldown) Delay(int, agent.Outcome) time.Duration {
	return c.Interval
}

// ExponentialCooldown grows the delay with consecutive failures and drops
// back to Base after a success.
type ExponentialCooldown struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay implements CooldownPolicy.
func (e ExponentialCooldown) Delay(failures int, _ agent.Outcome) time.Duration {
	if failures <= 0 || e.Multiplier <= 1 {
		return e.capped(e.Base)
	}
	d := float64(e.Base) * math.Pow(e.Multiplier, float64(failures))
	if math.IsInf(d, 0) || d > float64(math.MaxInt64) {
		return e.capped(time.Duration(math.MaxInt64))
	}
	return e.capped(time.Duration(d))
}

func (e ExponentialCooldown) capped(d time.Duration) time.Duration {
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// NoCooldown starts the next session immediately.
type NoCooldown struct{}

// Delay implements CooldownPolicy.
func (NoCooldown) Delay(int, agent.Outcome) time.Duration {
	return 0
}

// NewCooldownPolicy builds the policy named in the loop config.
func NewCooldownPolicy(cfg *config.LoopConfig) (CooldownPolicy, error) {
	if cfg == nil {
		return ConstantCooldown{Interval: config.DefaultCooldownDelay}, nil
	}
	switch cfg.Cooldown {
	case config.CooldownConstant, "":
		return ConstantCooldown{Interval: cfg.CooldownDelay.Std()}, nil
	case config.CooldownExponential:
		return ExponentialCooldown{
			Base:       cfg.CooldownDelay.Std(),
			Max:        cfg.CooldownMaxDelay.Std(),
			Multiplier: cfg.CooldownMultiplier,
		}, nil
	case config.CooldownNone:
		return NoCooldown{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown cooldown policy %q", config.ErrInvalidConfig, cfg.Cooldown)
	}
}

// wait sleeps for d or until ctx is done, whichever comes first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
