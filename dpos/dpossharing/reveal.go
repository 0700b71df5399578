package dpossharing

import (
	"fmt"
	"sort"

	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// RevealSource describes where a revealed in-value came from.
type RevealSource uint8

const (
	// SourceUnavailable means neither a reveal nor enough shares exist.
	// The caller must treat the value as missing; there is no fallback.
	SourceUnavailable RevealSource = iota

	// SourceSelf means the miner published its own reveal.
	SourceSelf

	// SourceReconstructed means the value was rebuilt from threshold
	// shares published by other miners.
	SourceReconstructed
)

func (s RevealSource) String() string {
	switch s {
	case SourceSelf:
		return "self"
	case SourceReconstructed:
		return "reconstructed"
	default:
		return "unavailable"
	}
}

// RevealOrShare produces the in-value a miner committed to in commitRound.
// ownReveal is the reveal the miner itself published (zero if it never
// did); when absent, the value is reconstructed from the decrypted shares
// other miners published for it in commitRound. Returns SourceUnavailable
// when neither path yields a value; a partial or guessed value is never
// produced.
//
// Shares in DecryptedPieces are keyed by the pubkey of the miner that
// decrypted them; the share index is that miner's order in commitRound
// minus one, matching the layout produced by [SplitSecret].
func RevealOrShare(commitRound *dposround.Round, pubkey string, ownReveal aecrypto.Hash, threshold int) (aecrypto.Hash, RevealSource, error) {
	m, ok := commitRound.Miners[pubkey]
	if !ok {
		return aecrypto.Hash{}, SourceUnavailable, fmt.Errorf("miner %s not in round %d", pubkey, commitRound.Number)
	}

	if !ownReveal.IsZero() {
		return ownReveal, SourceSelf, nil
	}

	n := commitRound.MinerCount()
	pieces := make(map[int][]byte, len(m.DecryptedPieces))

	// Deterministic iteration over the holders, so a malformed holder
	// reference fails at the same point on every node.
	holders := make([]string, 0, len(m.DecryptedPieces))
	for holder := range m.DecryptedPieces {
		holders = append(holders, holder)
	}
	sort.Strings(holders)

	for _, holder := range holders {
		hm, ok := commitRound.Miners[holder]
		if !ok {
			// A piece from an unrecognized holder carries no index;
			// skip it rather than guess.
			continue
		}
		pieces[hm.Order-1] = m.DecryptedPieces[holder]
	}

	if len(pieces) < threshold {
		return aecrypto.Hash{}, SourceUnavailable, nil
	}

	raw, err := ReconstructSecret(pieces, n, threshold, aecrypto.HashLen)
	if err != nil {
		return aecrypto.Hash{}, SourceUnavailable, fmt.Errorf("failed to reconstruct in-value for %s: %w", pubkey, err)
	}
	h, err := aecrypto.HashFromBytes(raw)
	if err != nil {
		return aecrypto.Hash{}, SourceUnavailable, err
	}
	return h, SourceReconstructed, nil
}

// AcceptRevealedValue writes a revealed in-value for the target miner into
// a clone of round, but only after the value passes the hash-commitment
// check against the target's OutValue in prevRound. The check applies
// identically whether the value came from the target's own reveal or from
// reconstruction by any other miner.
func AcceptRevealedValue(
	round *dposround.Round,
	prevRound *dposround.Round,
	targetPubkey string,
	value aecrypto.Hash,
	scheme aecrypto.HashScheme,
) (*dposround.Round, error) {
	if _, ok := round.Miners[targetPubkey]; !ok {
		return nil, fmt.Errorf("miner %s not in round %d", targetPubkey, round.Number)
	}
	prev, ok := prevRound.Miners[targetPubkey]
	if !ok || prev.OutValue.IsZero() {
		return nil, fmt.Errorf("miner %s has no commitment in round %d: %w",
			targetPubkey, prevRound.Number, dposround.ErrRevealMismatch)
	}
	if !aecrypto.VerifyReveal(scheme, value, prev.OutValue) {
		return nil, fmt.Errorf("miner %s: %w", targetPubkey, dposround.ErrRevealMismatch)
	}

	out := round.Clone()
	out.Miners[targetPubkey].PreviousInValue = value
	return out, nil
}

// SharingThreshold is the share count required for reconstruction:
// strictly more than two thirds of the round's miners.
func SharingThreshold(minerCount int) int {
	return minerCount*2/3 + 1
}
