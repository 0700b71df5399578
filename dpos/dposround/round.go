// Package dposround holds the canonical consensus state for one round
// of AEDPoS block production, and the pure transforms that produce
// new round snapshots from old ones.
//
// Nothing in this package mutates a round in place once it has been
// handed to a caller: every state transition clones first and returns
// the new snapshot, so validators can hold immutable views.
package dposround

import (
	"fmt"
	"sort"
	"time"

	"github.com/gordian-engine/aedpos/aecrypto"
)

// Round is one scheduling cycle in which every miner gets an ordered
// time slot. Rounds are superseded by their successors, never deleted.
type Round struct {
	Number     uint64 `json:"number"`
	TermNumber uint64 `json:"term_number"`

	// Miners is keyed by the hex pubkey identity of each miner.
	Miners map[string]*MinerInRound `json:"miners"`

	// MiningInterval is the duration of one miner's time slot.
	MiningInterval time.Duration `json:"mining_interval"`

	// The irreversible watermark as confirmed by this round.
	// Non-negative and never decreasing across transitions.
	ConfirmedIrreversibleBlockHeight      int64  `json:"confirmed_irreversible_block_height"`
	ConfirmedIrreversibleBlockRoundNumber uint64 `json:"confirmed_irreversible_block_round_number"`

	// BlockchainAgeSeconds is the age of the chain, in seconds,
	// at the time this round was generated.
	BlockchainAgeSeconds int64 `json:"blockchain_age_seconds"`

	// ExtraBlockProducerOfPreviousRound identifies who closed out
	// the preceding round.
	ExtraBlockProducerOfPreviousRound string `json:"extra_block_producer_of_previous_round"`

	// IsMinerListJustChanged marks the first round after a term boundary;
	// time-slot validation is relaxed for such a round.
	IsMinerListJustChanged bool `json:"is_miner_list_just_changed"`
}

// MinerInRound is one miner's state within a single round.
type MinerInRound struct {
	Pubkey string `json:"pubkey"`

	// Order is the miner's position in the round, 1..N,
	// unique within the round.
	Order int `json:"order"`

	ExpectedMiningTime time.Time   `json:"expected_mining_time"`
	ActualMiningTimes  []time.Time `json:"actual_mining_times,omitempty"`

	ProducedBlocks     int64 `json:"produced_blocks"`
	ProducedTinyBlocks int64 `json:"produced_tiny_blocks"`
	MissedTimeSlots    int64 `json:"missed_time_slots"`

	// OutValue is the hash commitment to this round's secret.
	// Set at most once per round.
	OutValue aecrypto.Hash `json:"out_value,omitempty"`

	// Signature is derived from the revealed previous secret;
	// it doubles as the entropy source for next-round ordering.
	Signature aecrypto.Hash `json:"signature,omitempty"`

	// PreviousInValue is the secret revealed for the previous round's
	// commitment. It is only ever written after passing the
	// hash-commitment check against the previous round's OutValue.
	PreviousInValue aecrypto.Hash `json:"previous_in_value,omitempty"`

	SupposedOrderOfNextRound int `json:"supposed_order_of_next_round"`
	FinalOrderOfNextRound    int `json:"final_order_of_next_round"`

	IsExtraBlockProducer bool `json:"is_extra_block_producer"`

	// ImpliedIrreversibleBlockHeight is this miner's LIB contribution.
	ImpliedIrreversibleBlockHeight int64 `json:"implied_irreversible_block_height"`

	// EncryptedPieces holds this miner's shares of its own secret,
	// keyed by recipient pubkey.
	EncryptedPieces map[string][]byte `json:"encrypted_pieces,omitempty"`

	// DecryptedPieces holds shares other miners decrypted on behalf of
	// this miner, keyed by the decrypting miner's pubkey.
	DecryptedPieces map[string][]byte `json:"decrypted_pieces,omitempty"`
}

// MinerCount returns the number of miners scheduled in the round.
func (r *Round) MinerCount() int {
	return len(r.Miners)
}

// MinersCountOfConsent is the quorum size for consensus facts derived
// from miner agreement: strictly more than two thirds.
func (r *Round) MinersCountOfConsent() int {
	return r.MinerCount()*2/3 + 1
}

// MinersByOrder returns the round's miners sorted by their order,
// giving deterministic iteration everywhere the engine walks the round.
func (r *Round) MinersByOrder() []*MinerInRound {
	out := make([]*MinerInRound, 0, len(r.Miners))
	for _, m := range r.Miners {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		// Orders are unique in a valid round;
		// fall back to pubkey so corrupted input still sorts stably.
		return out[i].Pubkey < out[j].Pubkey
	})
	return out
}

// MinerList returns the round's miner identities in order.
func (r *Round) MinerList() []string {
	ms := r.MinersByOrder()
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Pubkey
	}
	return out
}

// FirstMiner returns the miner with the lowest order,
// or nil for an empty round.
func (r *Round) FirstMiner() *MinerInRound {
	ms := r.MinersByOrder()
	if len(ms) == 0 {
		return nil
	}
	return ms[0]
}

// StartTime is the reference point of the round's schedule.
// A miner with order k mines at StartTime + k×MiningInterval.
func (r *Round) StartTime() time.Time {
	first := r.FirstMiner()
	if first == nil {
		return time.Time{}
	}
	return first.ExpectedMiningTime.Add(-time.Duration(first.Order) * r.MiningInterval)
}

// ExpectedMiningTimeOf computes the slot start for the given order,
// relative to the round's own schedule.
func (r *Round) ExpectedMiningTimeOf(order int) time.Time {
	return r.StartTime().Add(time.Duration(order) * r.MiningInterval)
}

// ExtraBlockMiningTime is the slot in which the designated extra-block
// producer closes out the round: one interval past the last ordered slot.
func (r *Round) ExtraBlockMiningTime() time.Time {
	ms := r.MinersByOrder()
	if len(ms) == 0 {
		return time.Time{}
	}
	last := ms[len(ms)-1]
	return last.ExpectedMiningTime.Add(r.MiningInterval)
}

// IsTimeSlotPassed reports whether the named miner's own slot
// has already closed at the given time.
func (r *Round) IsTimeSlotPassed(pubkey string, now time.Time) (bool, error) {
	m, ok := r.Miners[pubkey]
	if !ok {
		return false, fmt.Errorf("miner %s not in round %d", pubkey, r.Number)
	}
	return !now.Before(m.ExpectedMiningTime.Add(r.MiningInterval)), nil
}

// InTimeSlot reports whether t falls inside the named miner's slot,
// or inside the extra-block slot if the miner is the designated
// extra-block producer.
func (r *Round) InTimeSlot(pubkey string, t time.Time) bool {
	m, ok := r.Miners[pubkey]
	if !ok {
		return false
	}
	slotStart := m.ExpectedMiningTime
	if !t.Before(slotStart) && t.Before(slotStart.Add(r.MiningInterval)) {
		return true
	}
	if m.IsExtraBlockProducer {
		ebStart := r.ExtraBlockMiningTime()
		if !t.Before(ebStart) && t.Before(ebStart.Add(r.MiningInterval)) {
			return true
		}
	}
	return false
}

// ExtraBlockProducer returns the miner designated to close out the round,
// or nil if the round does not mark one.
func (r *Round) ExtraBlockProducer() *MinerInRound {
	for _, m := range r.MinersByOrder() {
		if m.IsExtraBlockProducer {
			return m
		}
	}
	return nil
}

// LatestActualMiningTime returns the most recent time the miner produced
// a block in this round, and false if it has not mined.
func (m *MinerInRound) LatestActualMiningTime() (time.Time, bool) {
	if len(m.ActualMiningTimes) == 0 {
		return time.Time{}, false
	}
	latest := m.ActualMiningTimes[0]
	for _, t := range m.ActualMiningTimes[1:] {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, true
}

// Mined reports whether the miner produced at least one block this round.
func (m *MinerInRound) Mined() bool {
	return len(m.ActualMiningTimes) > 0
}

// Clone returns a deep copy of the round.
// Every transition clones before writing, so callers holding the
// original snapshot never observe partial writes.
func (r *Round) Clone() *Round {
	out := *r
	out.Miners = make(map[string]*MinerInRound, len(r.Miners))
	for k, m := range r.Miners {
		out.Miners[k] = m.Clone()
	}
	return &out
}

// Clone returns a deep copy of the miner record.
func (m *MinerInRound) Clone() *MinerInRound {
	out := *m
	if m.ActualMiningTimes != nil {
		out.ActualMiningTimes = make([]time.Time, len(m.ActualMiningTimes))
		copy(out.ActualMiningTimes, m.ActualMiningTimes)
	}
	out.EncryptedPieces = clonePieces(m.EncryptedPieces)
	out.DecryptedPieces = clonePieces(m.DecryptedPieces)
	return &out
}

func clonePieces(in map[string][]byte) map[string][]byte {
	if in == nil {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		b := make([]byte, len(v))
		copy(b, v)
		out[k] = b
	}
	return out
}
