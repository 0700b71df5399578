package dposround

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/gordian-engine/aedpos/aecrypto"
)

// RoundID is an opaque identity derived from the round's schedule:
// the sum of every miner's expected-mining-time in unix milliseconds.
// Two rounds agree on a RoundID exactly when they agree on membership
// and schedule; it is used only for cheap equality checks during
// after-execution validation.
func (r *Round) RoundID() uint64 {
	var id uint64
	for _, m := range r.Miners {
		id += uint64(m.ExpectedMiningTime.UnixMilli())
	}
	return id
}

// Hash computes the content hash of the round under the given scheme.
// Map iteration is not a concern: the JSON encoder emits map keys sorted,
// so equal rounds always hash equal.
func (r *Round) Hash(scheme aecrypto.HashScheme) (aecrypto.Hash, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return aecrypto.Hash{}, fmt.Errorf("failed to serialize round %d for hashing: %w", r.Number, err)
	}
	return scheme.Hash(b), nil
}

// CalculateSignature derives a miner's round signature from its revealed
// previous in-value and the aggregate of the previous round's signatures.
// The result proves the reveal happened and seeds next-round ordering.
func CalculateSignature(scheme aecrypto.HashScheme, previousRound *Round, previousInValue aecrypto.Hash) aecrypto.Hash {
	if previousRound == nil {
		// First round: there are no prior signatures to aggregate.
		return scheme.Hash(previousInValue.Bytes())
	}
	data := make([][]byte, 0, previousRound.MinerCount()+1)
	data = append(data, previousInValue.Bytes())
	for _, m := range previousRound.MinersByOrder() {
		if m.Signature.IsZero() {
			continue
		}
		data = append(data, m.Signature.Bytes())
	}
	return scheme.Hash(data...)
}

// SupposedOrderFromSignature maps a miner's signature onto a candidate
// order for the next round. Conflicts between miners who land on the same
// candidate are settled by [resolveOrderConflict] at assignment time.
func SupposedOrderFromSignature(sig aecrypto.Hash, minerCount int) int {
	if minerCount <= 0 {
		return 1
	}
	return int(binary.BigEndian.Uint64(sig[:8])%uint64(minerCount)) + 1
}
