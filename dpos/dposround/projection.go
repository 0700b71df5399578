package dposround

import "fmt"

// The header of a consensus block does not carry the whole round:
// UpdateValue and TinyBlock behaviors carry a simplified projection
// holding only the fields the pipeline validates for that behavior.
// Extract produces the projection on the mining side; Recover merges a
// projection back over the on-chain base on the validating side, and is
// deliberately unable to touch any other miner's unrelated state.

// ExtractUpdateValue returns the simplified round an UpdateValue header
// carries: the sender's own record plus the round-level watermark fields.
func (r *Round) ExtractUpdateValue(pubkey string) (*Round, error) {
	m, ok := r.Miners[pubkey]
	if !ok {
		return nil, fmt.Errorf("miner %s not in round %d", pubkey, r.Number)
	}

	out := &Round{
		Number:         r.Number,
		TermNumber:     r.TermNumber,
		MiningInterval: r.MiningInterval,
		Miners:         map[string]*MinerInRound{pubkey: m.Clone()},

		ConfirmedIrreversibleBlockHeight:      r.ConfirmedIrreversibleBlockHeight,
		ConfirmedIrreversibleBlockRoundNumber: r.ConfirmedIrreversibleBlockRoundNumber,
	}
	return out, nil
}

// ExtractTinyBlock returns the simplified round a TinyBlock header carries.
func (r *Round) ExtractTinyBlock(pubkey string) (*Round, error) {
	m, ok := r.Miners[pubkey]
	if !ok {
		return nil, fmt.Errorf("miner %s not in round %d", pubkey, r.Number)
	}

	slim := &MinerInRound{
		Pubkey:             pubkey,
		Order:              m.Order,
		ExpectedMiningTime: m.ExpectedMiningTime,
		ProducedBlocks:     m.ProducedBlocks,
		ProducedTinyBlocks: m.ProducedTinyBlocks,
	}
	slim.ActualMiningTimes = append(slim.ActualMiningTimes, m.ActualMiningTimes...)

	return &Round{
		Number:         r.Number,
		TermNumber:     r.TermNumber,
		MiningInterval: r.MiningInterval,
		Miners:         map[string]*MinerInRound{pubkey: slim},

		ConfirmedIrreversibleBlockHeight:      r.ConfirmedIrreversibleBlockHeight,
		ConfirmedIrreversibleBlockRoundNumber: r.ConfirmedIrreversibleBlockRoundNumber,
	}, nil
}

// RecoverFromUpdateValue merges an UpdateValue projection over a clone of
// the base round. Only the sender's record and the watermark fields are
// taken from the projection; all other miners' state stays as on chain.
func (r *Round) RecoverFromUpdateValue(provided *Round, pubkey string) (*Round, error) {
	pm, ok := provided.Miners[pubkey]
	if !ok {
		return nil, fmt.Errorf("provided round %d does not carry miner %s", provided.Number, pubkey)
	}
	if _, ok := r.Miners[pubkey]; !ok {
		return nil, fmt.Errorf("miner %s not in base round %d", pubkey, r.Number)
	}

	out := r.Clone()
	m := out.Miners[pubkey]

	m.OutValue = pm.OutValue
	m.Signature = pm.Signature
	m.PreviousInValue = pm.PreviousInValue
	m.ActualMiningTimes = nil
	m.ActualMiningTimes = append(m.ActualMiningTimes, pm.ActualMiningTimes...)
	m.ProducedBlocks = pm.ProducedBlocks
	m.ProducedTinyBlocks = pm.ProducedTinyBlocks
	m.SupposedOrderOfNextRound = pm.SupposedOrderOfNextRound
	m.FinalOrderOfNextRound = pm.FinalOrderOfNextRound
	m.ImpliedIrreversibleBlockHeight = pm.ImpliedIrreversibleBlockHeight
	m.EncryptedPieces = clonePieces(pm.EncryptedPieces)
	m.DecryptedPieces = clonePieces(pm.DecryptedPieces)

	advanceWatermark(out, provided.ConfirmedIrreversibleBlockHeight, provided.ConfirmedIrreversibleBlockRoundNumber)
	return out, nil
}

// RecoverFromTinyBlock merges a TinyBlock projection over a clone of the
// base round: only the sender's mining times and block counters move.
func (r *Round) RecoverFromTinyBlock(provided *Round, pubkey string) (*Round, error) {
	pm, ok := provided.Miners[pubkey]
	if !ok {
		return nil, fmt.Errorf("provided round %d does not carry miner %s", provided.Number, pubkey)
	}
	if _, ok := r.Miners[pubkey]; !ok {
		return nil, fmt.Errorf("miner %s not in base round %d", pubkey, r.Number)
	}

	out := r.Clone()
	m := out.Miners[pubkey]
	m.ActualMiningTimes = nil
	m.ActualMiningTimes = append(m.ActualMiningTimes, pm.ActualMiningTimes...)
	m.ProducedBlocks = pm.ProducedBlocks
	m.ProducedTinyBlocks = pm.ProducedTinyBlocks

	advanceWatermark(out, provided.ConfirmedIrreversibleBlockHeight, provided.ConfirmedIrreversibleBlockRoundNumber)
	return out, nil
}
