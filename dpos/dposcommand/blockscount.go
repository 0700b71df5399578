// Package dposcommand converts a miner's decided behavior and the chain's
// health into a concrete block-production time budget.
package dposcommand

import (
	"log/slog"
)

// MiningStatus describes chain health as the distance between the current
// round and the last irreversible round.
type MiningStatus uint8

const (
	StatusNormal MiningStatus = iota
	StatusAbnormal
	StatusSevere
)

func (s MiningStatus) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusAbnormal:
		return "Abnormal"
	case StatusSevere:
		return "Severe"
	default:
		return "Unknown"
	}
}

// Health thresholds on the round distance current - lib.
const (
	// normalDistance is the largest distance still considered healthy.
	normalDistance = 2

	// severeDistance is the distance at which block production is
	// throttled to a single block per slot.
	severeDistance = 8
)

// StatusOf classifies the chain's health. A zero LIB round number means
// no block has been confirmed irreversible yet, which is the normal
// state of a young chain, not a stall.
func StatusOf(currentRoundNumber, libRoundNumber uint64) MiningStatus {
	if libRoundNumber == 0 || currentRoundNumber <= libRoundNumber {
		return StatusNormal
	}
	distance := currentRoundNumber - libRoundNumber
	switch {
	case distance <= normalDistance:
		return StatusNormal
	case distance >= severeDistance:
		return StatusSevere
	default:
		return StatusAbnormal
	}
}

// Config holds the budget parameters. One Config value is resolved per
// operation and threaded through every time computation, so no call site
// can disagree about the cap.
type Config struct {
	// MaximumBlocksCount is the full blocks-per-slot cap under
	// normal health.
	MaximumBlocksCount int

	// Log receives the health transitions. Nil disables logging.
	Log *slog.Logger

	// OnSevere, if set, is called when the cap is forced to 1.
	OnSevere func()
}

// MaximumBlocksCount computes the dynamic blocks-per-slot cap:
// the full cap under normal health, a linearly reduced cap when the LIB
// lags, and 1 under severe lag, in which case the degraded signal fires.
//
// Every slot-interval and block-limit computation derives from this one
// value; there is deliberately no second constant to fall out of sync.
func MaximumBlocksCount(currentRoundNumber, libRoundNumber uint64, cfg Config) int {
	full := cfg.MaximumBlocksCount
	if full < 1 {
		full = 1
	}

	status := StatusOf(currentRoundNumber, libRoundNumber)
	switch status {
	case StatusNormal:
		return full
	case StatusSevere:
		if cfg.Log != nil {
			cfg.Log.Warn(
				"chain health severe, throttling block production",
				"current_round", currentRoundNumber,
				"lib_round", libRoundNumber,
			)
		}
		if cfg.OnSevere != nil {
			cfg.OnSevere()
		}
		return 1
	}

	distance := currentRoundNumber - libRoundNumber
	count := full - int(distance-normalDistance)*(full-1)/(severeDistance-normalDistance)
	if count < 1 {
		count = 1
	}
	if cfg.Log != nil {
		cfg.Log.Info(
			"chain health abnormal, reducing blocks count",
			"current_round", currentRoundNumber,
			"lib_round", libRoundNumber,
			"blocks_count", count,
		)
	}
	return count
}
