package dposcommand

import (
	"fmt"
	"time"

	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// Command is the block-production instruction handed to a miner:
// what to do, when, and for how long.
type Command struct {
	Behaviour dposbehaviour.Behaviour

	// ArrangedMiningTime is when the miner should produce the block.
	ArrangedMiningTime time.Time

	// MiningDueTime is the hard deadline; the block executor derives
	// its cancellation signal from it.
	MiningDueTime time.Time

	// LimitMilliseconds is the execution budget for the block itself.
	LimitMilliseconds int64
}

// ForBehaviour builds the command for the decided behavior.
// maximumBlocksCount is the dynamic cap from [MaximumBlocksCount];
// every interval below derives from it and the round's own slot width.
func ForBehaviour(
	b dposbehaviour.Behaviour,
	r *dposround.Round,
	pubkey string,
	now time.Time,
	maximumBlocksCount int,
) (Command, error) {
	if maximumBlocksCount < 1 {
		return Command{}, fmt.Errorf("blocks count must be at least 1, got %d", maximumBlocksCount)
	}
	m, ok := r.Miners[pubkey]
	if !ok {
		return Command{}, fmt.Errorf("miner %s not in round %d", pubkey, r.Number)
	}

	interval := r.MiningInterval

	// The per-block budget divides the slot across the blocks the
	// dynamic cap allows. The last block of a slot gets half a budget,
	// leaving room to seal before the slot closes; both derive from the
	// same cap.
	blockBudget := interval / time.Duration(maximumBlocksCount)
	lastBlockBudget := blockBudget / 2

	switch b {
	case dposbehaviour.UpdateValue:
		arranged := m.ExpectedMiningTime
		if now.After(arranged) {
			arranged = now
		}
		return Command{
			Behaviour:          b,
			ArrangedMiningTime: arranged,
			MiningDueTime:      m.ExpectedMiningTime.Add(interval),
			LimitMilliseconds:  blockBudget.Milliseconds(),
		}, nil

	case dposbehaviour.TinyBlock:
		due := m.ExpectedMiningTime.Add(interval)
		budget := blockBudget
		// The next tiny block is the slot's last when it reaches the cap.
		if m.ProducedTinyBlocks >= int64(maximumBlocksCount)-2 {
			budget = lastBlockBudget
		}
		arranged := now
		return Command{
			Behaviour:          b,
			ArrangedMiningTime: arranged,
			MiningDueTime:      due,
			LimitMilliseconds:  budget.Milliseconds(),
		}, nil

	case dposbehaviour.NextRound, dposbehaviour.NextTerm:
		arranged := r.ExtraBlockMiningTime()
		if eb := r.ExtraBlockProducer(); eb == nil || eb.Pubkey != pubkey || now.After(arranged) {
			// Not the designated closer, or the extra-block slot is
			// already gone: take the miner's own slot in a future copy
			// of the schedule.
			var err error
			arranged, err = r.ArrangeAbnormalMiningTime(pubkey, now)
			if err != nil {
				return Command{}, err
			}
		}
		return Command{
			Behaviour:          b,
			ArrangedMiningTime: arranged,
			MiningDueTime:      arranged.Add(interval),
			LimitMilliseconds:  blockBudget.Milliseconds(),
		}, nil

	case dposbehaviour.Nothing:
		return Command{Behaviour: dposbehaviour.Nothing}, nil

	default:
		return Command{}, fmt.Errorf("no command strategy for behavior %s", b)
	}
}
