// Package dposfinality derives the last-irreversible-block watermark
// from round state.
package dposfinality

import (
	"sort"

	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// Watermark is the irreversible-block position. Both fields are
// non-negative and only ever move forward.
type Watermark struct {
	Height      int64  `json:"height"`
	RoundNumber uint64 `json:"round_number"`
}

// Advance returns the later of w and candidate.
// A candidate behind the current watermark is ignored,
// so no sequence of transitions can move the watermark backward.
func (w Watermark) Advance(candidate Watermark) Watermark {
	if candidate.Height < 0 {
		return w
	}
	if candidate.Height > w.Height && candidate.RoundNumber >= w.RoundNumber {
		return candidate
	}
	return w
}

// Observes reports whether w is at or past other.
// Validation uses it to reject provided rounds whose watermark
// would move the chain backward.
func (w Watermark) Observes(other Watermark) bool {
	return w.Height >= other.Height && w.RoundNumber >= other.RoundNumber
}

// Calculate derives the LIB candidate from the previous round's per-miner
// implied heights, restricted to miners that mined in the current round.
//
// The heights are sorted ascending and the value at index (count-1)/3 is
// taken, but only when count reaches the consent quorum (> 2N/3). With a
// quorum of miners at or past that height, at most one third of miners --
// the tolerated fault budget -- could contradict it.
func Calculate(current, previous *dposround.Round) (Watermark, bool) {
	if current == nil || previous == nil {
		return Watermark{}, false
	}

	heights := make([]int64, 0, previous.MinerCount())
	for _, prev := range previous.MinersByOrder() {
		cur, ok := current.Miners[prev.Pubkey]
		if !ok || !cur.Mined() {
			continue
		}
		if prev.ImpliedIrreversibleBlockHeight <= 0 {
			continue
		}
		heights = append(heights, prev.ImpliedIrreversibleBlockHeight)
	}

	if len(heights) < previous.MinersCountOfConsent() {
		return Watermark{}, false
	}

	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return Watermark{
		Height:      heights[(len(heights)-1)/3],
		RoundNumber: previous.Number,
	}, true
}
