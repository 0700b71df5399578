package dposengine

import (
	"context"
	"fmt"
	"time"
)

// Bounds on the governance-adjustable parameters.
const (
	// MinMinerIncreaseInterval keeps the miner set from growing faster
	// than elections can be organized.
	MinMinerIncreaseInterval = 24 * time.Hour

	// MaxMinerIncreaseInterval keeps the parameter from being set so
	// far out it effectively freezes the miner set.
	MaxMinerIncreaseInterval = 10 * 365 * 24 * time.Hour
)

// SetMaximumMinersCount adjusts the cap on the effective miner count
// and propagates the recomputed effective count to the election in the
// same call, so the two systems never disagree between blocks.
func (e *Engine) SetMaximumMinersCount(ctx context.Context, count int, now time.Time) error {
	if count < 1 {
		return fmt.Errorf("maximum miners count must be at least 1, got %d", count)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.maximumMinersCount = count

	effective, err := e.effectiveMinersCountLocked(ctx, now)
	if err != nil {
		return err
	}
	if e.election != nil {
		if err := e.election.UpdateMinersCount(ctx, effective); err != nil {
			return fmt.Errorf("failed to propagate miners count to election: %w", err)
		}
	}

	e.log.Info(
		"maximum miners count updated",
		"maximum", count,
		"effective", effective,
	)
	return nil
}

// SetMinerIncreaseInterval adjusts how fast the effective miner count
// grows with chain age.
func (e *Engine) SetMinerIncreaseInterval(_ context.Context, interval time.Duration) error {
	if interval < MinMinerIncreaseInterval || interval > MaxMinerIncreaseInterval {
		return fmt.Errorf(
			"miner increase interval %s outside [%s, %s]",
			interval, MinMinerIncreaseInterval, MaxMinerIncreaseInterval,
		)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.minerIncreaseInterval = interval
	e.log.Info("miner increase interval updated", "interval", interval)
	return nil
}

// EffectiveMinersCount is the miner count elections should currently
// target: the initial count plus two seats per elapsed increase
// interval, clamped by the governed maximum.
func (e *Engine) EffectiveMinersCount(ctx context.Context, now time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.effectiveMinersCountLocked(ctx, now)
}

func (e *Engine) effectiveMinersCountLocked(ctx context.Context, now time.Time) (int, error) {
	start, err := e.store.BlockchainStart(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read blockchain start: %w", err)
	}

	count := e.cfg.InitialMinersCount
	if count < 1 {
		count = 1
	}
	if !start.IsZero() && now.After(start) {
		grown := int(now.Sub(start) / e.minerIncreaseInterval)
		count += 2 * grown
	}
	if e.maximumMinersCount > 0 && count > e.maximumMinersCount {
		count = e.maximumMinersCount
	}
	return count, nil
}
