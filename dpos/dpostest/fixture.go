package dpostest

import (
	"time"

	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// Fixture bundles a deterministic miner set with a generation config,
// so tests build rounds without repeating boilerplate.
type Fixture struct {
	Miners Miners
	Cfg    dposround.GenerationConfig
	Scheme aecrypto.Keccak256Scheme
}

// NewFixture returns a fixture with n deterministic miners, a four
// second mining interval, and a fixed blockchain start.
func NewFixture(n int) *Fixture {
	return &Fixture{
		Miners: DeterministicMiners(n),
		Cfg: dposround.GenerationConfig{
			MiningInterval:  4 * time.Second,
			BlockchainStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

// FirstRound builds the genesis round of the fixture's miner set,
// starting at the fixture's blockchain start.
func (f *Fixture) FirstRound() (*dposround.Round, error) {
	return dposround.NewFirstRound(f.Miners.PubkeyHexes(), f.Cfg, f.Cfg.BlockchainStart)
}

// NormalUpdateFor builds the commit payload miner i would publish in
// the given round: fresh commitment over the deterministic in-value,
// order signature derived from the previous round, and the reveal of
// the previous round's secret when there is a previous round.
func (f *Fixture) NormalUpdateFor(i int, r, previous *dposround.Round) dposround.NormalUpdate {
	m := f.Miners[i]
	in := m.InValue(r.Number)

	var reveal aecrypto.Hash
	if previous != nil {
		reveal = m.InValue(previous.Number)
	}
	sig := dposround.CalculateSignature(f.Scheme, previous, reveal)

	upd := dposround.NormalUpdate{
		OutValue:         aecrypto.CommitmentOf(f.Scheme, in),
		Signature:        sig,
		PreviousInValue:  reveal,
		ActualMiningTime: r.Miners[m.PubkeyHex].ExpectedMiningTime,
	}
	if order := dposround.SupposedOrderFromSignature(sig, r.MinerCount()); order > 0 {
		upd.SupposedOrderOfNextRound = order
	}
	return upd
}

// MineRound applies a full commit pass: every miner publishes its
// NormalUpdate in slot order. The returned round has all commitments,
// reveals, and next-round orders populated, ready for termination.
func (f *Fixture) MineRound(r, previous *dposround.Round) (*dposround.Round, error) {
	cur := r
	for _, m := range cur.MinersByOrder() {
		i := f.indexOf(m.Pubkey)
		next, err := dposround.ApplyNormalUpdate(
			cur, previous, m.Pubkey, f.NormalUpdateFor(i, cur, previous), f.Scheme,
		)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func (f *Fixture) indexOf(pubkeyHex string) int {
	for i, m := range f.Miners {
		if m.PubkeyHex == pubkeyHex {
			return i
		}
	}
	return -1
}
