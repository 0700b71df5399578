package dposround

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/aedpos/aecrypto"
)

// ErrDuplicateSubmission is returned when a miner attempts to publish
// its commitment a second time within the same round. The first
// submission always stands; it is never overwritten.
var ErrDuplicateSubmission = errors.New("commitment already submitted for this round")

// ErrRevealMismatch is returned when a revealed in-value fails the
// hash-commitment check against the previous round. It is never
// downgraded to a silent skip.
var ErrRevealMismatch = errors.New("revealed value does not match previous commitment")

// NormalUpdate is the per-miner payload of an UpdateValue transition.
type NormalUpdate struct {
	OutValue  aecrypto.Hash
	Signature aecrypto.Hash

	// PreviousInValue reveals the sender's secret from the previous round.
	// Zero means the sender has nothing to reveal.
	PreviousInValue aecrypto.Hash

	ActualMiningTime time.Time

	SupposedOrderOfNextRound int

	// TuneOrderInformation carries order adjustments the sender computed
	// for other miners whose supposed orders collided.
	TuneOrderInformation map[string]int

	// EncryptedPieces are the sender's shares of its own secret,
	// keyed by recipient.
	EncryptedPieces map[string][]byte

	// DecryptedPieces are shares the sender decrypted on behalf of other
	// miners, keyed by the miner the share belongs to.
	DecryptedPieces map[string][]byte

	// MinersPreviousInValues carries reveals the sender reconstructed
	// for other miners via secret sharing. Every entry is subject to
	// the same hash-commitment check as the sender's own reveal.
	MinersPreviousInValues map[string]aecrypto.Hash

	ImpliedIrreversibleBlockHeight int64

	ConfirmedIrreversibleBlockHeight      int64
	ConfirmedIrreversibleBlockRoundNumber uint64
}

// ApplyNormalUpdate applies an UpdateValue transition for the given miner
// against a clone of the round, verifying reveals against previousRound.
// The input round is never modified; on any error the returned round is nil
// and no partial state escapes.
func ApplyNormalUpdate(
	r *Round,
	previousRound *Round,
	pubkey string,
	upd NormalUpdate,
	scheme aecrypto.HashScheme,
) (*Round, error) {
	if upd.OutValue.IsZero() || upd.Signature.IsZero() {
		return nil, fmt.Errorf("update for miner %s is missing out value or signature", pubkey)
	}

	base, ok := r.Miners[pubkey]
	if !ok {
		return nil, fmt.Errorf("miner %s not in round %d", pubkey, r.Number)
	}
	if !base.OutValue.IsZero() {
		return nil, fmt.Errorf("miner %s in round %d: %w", pubkey, r.Number, ErrDuplicateSubmission)
	}

	n := r.MinerCount()
	if len(upd.EncryptedPieces) > n {
		return nil, fmt.Errorf(
			"miner %s submitted %d encrypted pieces, round holds %d miners",
			pubkey, len(upd.EncryptedPieces), n,
		)
	}
	if len(upd.DecryptedPieces) > n {
		return nil, fmt.Errorf(
			"miner %s submitted %d decrypted pieces, round holds %d miners",
			pubkey, len(upd.DecryptedPieces), n,
		)
	}

	next := r.Clone()
	m := next.Miners[pubkey]

	m.OutValue = upd.OutValue
	m.Signature = upd.Signature
	m.ActualMiningTimes = append(m.ActualMiningTimes, upd.ActualMiningTime)
	m.ProducedBlocks++
	m.ImpliedIrreversibleBlockHeight = upd.ImpliedIrreversibleBlockHeight

	// The sender's own reveal and any reconstructed reveals for other
	// miners go through the identical commitment gate.
	if !upd.PreviousInValue.IsZero() {
		if err := acceptReveal(next, previousRound, pubkey, upd.PreviousInValue, scheme); err != nil {
			return nil, err
		}
	}
	for target, val := range upd.MinersPreviousInValues {
		if val.IsZero() {
			continue
		}
		if err := acceptReveal(next, previousRound, target, val, scheme); err != nil {
			return nil, err
		}
	}

	m.EncryptedPieces = clonePieces(upd.EncryptedPieces)
	for target, piece := range upd.DecryptedPieces {
		tm, ok := next.Miners[target]
		if !ok {
			return nil, fmt.Errorf("decrypted piece for unknown miner %s", target)
		}
		if tm.DecryptedPieces == nil {
			tm.DecryptedPieces = make(map[string][]byte, n)
		}
		if len(tm.DecryptedPieces) >= n {
			return nil, fmt.Errorf("miner %s already holds %d decrypted pieces", target, n)
		}
		b := make([]byte, len(piece))
		copy(b, piece)
		tm.DecryptedPieces[pubkey] = b
	}

	m.SupposedOrderOfNextRound = upd.SupposedOrderOfNextRound
	m.FinalOrderOfNextRound = resolveOrderConflict(next, pubkey, upd.SupposedOrderOfNextRound)

	for target, order := range upd.TuneOrderInformation {
		tm, ok := next.Miners[target]
		if !ok {
			return nil, fmt.Errorf("tune order for unknown miner %s", target)
		}
		if order < 1 || order > n {
			return nil, fmt.Errorf("tune order %d for miner %s out of range 1..%d", order, target, n)
		}
		tm.FinalOrderOfNextRound = order
	}

	advanceWatermark(next, upd.ConfirmedIrreversibleBlockHeight, upd.ConfirmedIrreversibleBlockRoundNumber)
	return next, nil
}

// acceptReveal writes a revealed in-value for the target miner, but only
// after the reveal verifies against the target's commitment in the
// previous round. Applied uniformly to the sender's own reveal and to
// reconstructed reveals for any other miner.
func acceptReveal(r *Round, previousRound *Round, target string, value aecrypto.Hash, scheme aecrypto.HashScheme) error {
	m, ok := r.Miners[target]
	if !ok {
		return fmt.Errorf("reveal for unknown miner %s", target)
	}
	if previousRound == nil {
		return fmt.Errorf("reveal for miner %s without a previous round: %w", target, ErrRevealMismatch)
	}
	prev, ok := previousRound.Miners[target]
	if !ok || prev.OutValue.IsZero() {
		return fmt.Errorf("miner %s has no commitment in round %d: %w", target, previousRound.Number, ErrRevealMismatch)
	}
	if !aecrypto.VerifyReveal(scheme, value, prev.OutValue) {
		return fmt.Errorf("miner %s: %w", target, ErrRevealMismatch)
	}
	m.PreviousInValue = value
	return nil
}

// resolveOrderConflict settles the sender's final order for the next round
// at the moment the supposed order is assigned: if another miner already
// claimed that slot, probe linearly (wrapping) to the next free one.
// Final orders handed to the generator are therefore already distinct.
func resolveOrderConflict(r *Round, pubkey string, supposed int) int {
	n := r.MinerCount()
	if supposed < 1 || supposed > n {
		supposed = 1
	}

	taken := make(map[int]bool, n)
	for pk, m := range r.Miners {
		if pk == pubkey {
			continue
		}
		if m.FinalOrderOfNextRound > 0 {
			taken[m.FinalOrderOfNextRound] = true
		}
	}

	order := supposed
	for i := 0; i < n; i++ {
		if !taken[order] {
			return order
		}
		order = order%n + 1
	}
	// Every slot claimed can only happen with more claimants than slots,
	// which validation rejects earlier; fall back to the supposed value.
	return supposed
}

// TinyBlockUpdate is the payload of a TinyBlock transition.
type TinyBlockUpdate struct {
	ActualMiningTime time.Time

	ConfirmedIrreversibleBlockHeight      int64
	ConfirmedIrreversibleBlockRoundNumber uint64
}

// ApplyTinyBlock records one additional block inside the miner's own slot
// against a clone of the round.
func ApplyTinyBlock(r *Round, pubkey string, upd TinyBlockUpdate) (*Round, error) {
	if _, ok := r.Miners[pubkey]; !ok {
		return nil, fmt.Errorf("miner %s not in round %d", pubkey, r.Number)
	}

	next := r.Clone()
	m := next.Miners[pubkey]
	m.ActualMiningTimes = append(m.ActualMiningTimes, upd.ActualMiningTime)
	m.ProducedTinyBlocks++
	m.ProducedBlocks++

	advanceWatermark(next, upd.ConfirmedIrreversibleBlockHeight, upd.ConfirmedIrreversibleBlockRoundNumber)
	return next, nil
}

// advanceWatermark moves the round's confirmed-irreversible fields forward,
// never backward and never negative.
func advanceWatermark(r *Round, height int64, roundNumber uint64) {
	if height > r.ConfirmedIrreversibleBlockHeight && roundNumber >= r.ConfirmedIrreversibleBlockRoundNumber {
		r.ConfirmedIrreversibleBlockHeight = height
		r.ConfirmedIrreversibleBlockRoundNumber = roundNumber
	}
}
