package dposvalidation

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposfinality"
)

// MiningPermissionValidator requires the sender to be a miner of the
// base round, or of the previous round for term-boundary behaviors
// (the outgoing miner set closes its own term).
type MiningPermissionValidator struct{}

func (MiningPermissionValidator) Validate(c *Context) Result {
	if c.Behaviour == dposbehaviour.FirstRound {
		// Genesis has no base round; the sender must at least be part
		// of the round it proposes.
		if c.ProvidedRound == nil {
			return Failure("first round claim is missing")
		}
		if _, ok := c.ProvidedRound.Miners[c.SenderPubkey]; !ok {
			return Failure("sender %s is not in the proposed first round", c.SenderPubkey)
		}
		return Success()
	}

	if c.BaseRound == nil {
		return Failure("no base round to validate against")
	}
	if _, ok := c.BaseRound.Miners[c.SenderPubkey]; ok {
		return Success()
	}
	if c.Behaviour == dposbehaviour.NextTerm && c.PreviousRound != nil {
		if _, ok := c.PreviousRound.Miners[c.SenderPubkey]; ok {
			return Success()
		}
	}
	return Failure("sender %s is not a miner of round %d", c.SenderPubkey, c.BaseRound.Number)
}

// roundsPresent fails when the base or provided round is missing from
// the context. Every validator that reads either one starts with it,
// so a validator set stays safe to run in any order.
func roundsPresent(c *Context) Result {
	if c.BaseRound == nil {
		return Failure("no base round to validate against")
	}
	if c.ProvidedRound == nil {
		return Failure("block carries no round claim")
	}
	return Success()
}

// TimeSlotValidator requires the claimed actual mining time of an
// UpdateValue or TinyBlock to fall in the sender's own slot or in the
// designated extra-block slot. The first round of a term is exempt:
// its schedule was fixed by the previous miner set.
type TimeSlotValidator struct{}

func (TimeSlotValidator) Validate(c *Context) Result {
	if res := roundsPresent(c); !res.OK {
		return res
	}
	if c.BaseRound.Number == 1 || c.BaseRound.IsMinerListJustChanged {
		return Success()
	}

	pm, ok := c.ProvidedRound.Miners[c.SenderPubkey]
	if !ok {
		return Failure("provided round does not carry sender %s", c.SenderPubkey)
	}
	claimed, ok := pm.LatestActualMiningTime()
	if !ok {
		return Failure("sender %s claims no actual mining time", c.SenderPubkey)
	}

	// The slot layout comes from the base round: the header claim
	// must not be able to move the sender's own slot.
	if !c.BaseRound.InTimeSlot(c.SenderPubkey, claimed) {
		return Failure(
			"mining time %s is outside the slot of sender %s in round %d",
			claimed.UTC().Format("15:04:05.000"), c.SenderPubkey, c.BaseRound.Number,
		)
	}
	return Success()
}

// UpdateValueValidator checks commitment consistency for UpdateValue:
// the commitment fields are present, the sender has not already
// committed this round, and every revealed in-value carried by the
// claim passes the hash-commitment check, whichever miner it is for.
type UpdateValueValidator struct{}

func (UpdateValueValidator) Validate(c *Context) Result {
	if res := roundsPresent(c); !res.OK {
		return res
	}
	pm, ok := c.ProvidedRound.Miners[c.SenderPubkey]
	if !ok {
		return Failure("provided round does not carry sender %s", c.SenderPubkey)
	}

	if pm.OutValue.IsZero() || pm.Signature.IsZero() {
		return Failure("update value of sender %s is missing out value or signature", c.SenderPubkey)
	}

	bm, ok := c.BaseRound.Miners[c.SenderPubkey]
	if !ok {
		return Failure("sender %s is not a miner of round %d", c.SenderPubkey, c.BaseRound.Number)
	}
	if !bm.OutValue.IsZero() {
		return Failure("sender %s already committed in round %d", c.SenderPubkey, c.BaseRound.Number)
	}

	n := c.BaseRound.MinerCount()
	// Piece counts are bounded by the miner count of the round.
	for pk, pm := range c.ProvidedRound.Miners {
		if len(pm.EncryptedPieces) > n || len(pm.DecryptedPieces) > n {
			return Failure("miner %s carries more secret pieces than the round has miners", pk)
		}
	}

	// Every reveal in the claim is gated on the previous round's
	// commitment, for the sender and for any other miner alike.
	for pk, pm := range c.ProvidedRound.Miners {
		if pm.PreviousInValue.IsZero() {
			continue
		}
		if c.PreviousRound == nil {
			return Failure("miner %s reveals a value but there is no previous round", pk)
		}
		prev, ok := c.PreviousRound.Miners[pk]
		if !ok || prev.OutValue.IsZero() {
			return Failure("miner %s reveals a value but committed nothing in round %d", pk, c.PreviousRound.Number)
		}
		if !aecrypto.VerifyReveal(c.HashScheme, pm.PreviousInValue, prev.OutValue) {
			return Failure("revealed value of miner %s does not match its commitment", pk)
		}
	}
	return Success()
}

// ContinuousBlocksValidator bounds how many blocks the sender packs into
// one slot. The cap in the context was computed from the BASE round
// number; a forged round number in the header cannot widen it.
type ContinuousBlocksValidator struct{}

func (ContinuousBlocksValidator) Validate(c *Context) Result {
	if res := roundsPresent(c); !res.OK {
		return res
	}
	pm, ok := c.ProvidedRound.Miners[c.SenderPubkey]
	if !ok {
		return Failure("provided round does not carry sender %s", c.SenderPubkey)
	}
	if pm.ProducedTinyBlocks > int64(c.MaximumBlocksCount)-1 {
		return Failure(
			"sender %s claims %d tiny blocks, cap is %d blocks per slot",
			c.SenderPubkey, pm.ProducedTinyBlocks, c.MaximumBlocksCount,
		)
	}
	return Success()
}

// NextRoundMiningOrderValidator checks the order integrity of a round
// termination: among base-round miners that mined, the
// FinalOrderOfNextRound VALUES (scalar projection, not whole records)
// are pairwise distinct, each within 1..N, and exactly as many as the
// miners that committed an out value.
type NextRoundMiningOrderValidator struct{}

func (NextRoundMiningOrderValidator) Validate(c *Context) Result {
	if res := roundsPresent(c); !res.OK {
		return res
	}
	n := c.BaseRound.MinerCount()
	orders := bitset.New(uint(n + 1))
	mined := 0
	committed := 0

	for pk, m := range c.BaseRound.Miners {
		if !m.OutValue.IsZero() {
			committed++
		}
		if !m.Mined() {
			continue
		}
		mined++
		o := m.FinalOrderOfNextRound
		if o < 1 || o > n {
			return Failure("final order %d of miner %s is outside 1..%d", o, pk, n)
		}
		if orders.Test(uint(o)) {
			return Failure("final order %d is claimed twice in round %d", o, c.BaseRound.Number)
		}
		orders.Set(uint(o))
	}

	if mined != committed {
		return Failure(
			"round %d has %d miners with mining times but %d with commitments",
			c.BaseRound.Number, mined, committed,
		)
	}
	return Success()
}

// RoundTerminateValidator checks round-number monotonicity of a
// termination claim, and that the new round starts with no reveals.
type RoundTerminateValidator struct{}

func (RoundTerminateValidator) Validate(c *Context) Result {
	if res := roundsPresent(c); !res.OK {
		return res
	}
	if c.ProvidedRound.Number != c.BaseRound.Number+1 {
		return Failure(
			"provided round number %d does not follow base round %d",
			c.ProvidedRound.Number, c.BaseRound.Number,
		)
	}

	switch c.Behaviour {
	case dposbehaviour.NextRound:
		if c.ProvidedRound.TermNumber != c.BaseRound.TermNumber {
			return Failure("next round must stay in term %d", c.BaseRound.TermNumber)
		}
	case dposbehaviour.NextTerm:
		if c.ProvidedRound.TermNumber != c.BaseRound.TermNumber+1 {
			return Failure(
				"provided term number %d does not follow base term %d",
				c.ProvidedRound.TermNumber, c.BaseRound.TermNumber,
			)
		}
	}

	for pk, m := range c.ProvidedRound.Miners {
		if !m.PreviousInValue.IsZero() {
			return Failure("fresh round %d already carries a reveal for miner %s", c.ProvidedRound.Number, pk)
		}
	}
	return Success()
}

// FirstRoundValidator checks the structure of the genesis round claim:
// round and term number one, and orders forming a permutation of 1..N.
type FirstRoundValidator struct{}

func (FirstRoundValidator) Validate(c *Context) Result {
	r := c.ProvidedRound
	if r == nil || r.MinerCount() == 0 {
		return Failure("first round claim is empty")
	}
	if r.Number != 1 || r.TermNumber != 1 {
		return Failure("first round must carry round and term number 1")
	}

	n := r.MinerCount()
	orders := bitset.New(uint(n + 1))
	for pk, m := range r.Miners {
		if m.Order < 1 || m.Order > n {
			return Failure("order %d of miner %s is outside 1..%d", m.Order, pk, n)
		}
		if orders.Test(uint(m.Order)) {
			return Failure("order %d is assigned twice in the first round", m.Order)
		}
		orders.Set(uint(m.Order))
		if !m.OutValue.IsZero() || !m.PreviousInValue.IsZero() {
			return Failure("first round must start without commitments or reveals")
		}
	}
	return Success()
}

// LibInformationValidator checks that no behavior carries the
// irreversible watermark backward: neither the round-level confirmed
// fields nor any miner's implied height may regress from the base round.
// It applies to every behavior kind that can carry LIB fields.
type LibInformationValidator struct{}

func (LibInformationValidator) Validate(c *Context) Result {
	if res := roundsPresent(c); !res.OK {
		return res
	}
	baseWM := dposfinality.Watermark{
		Height:      c.BaseRound.ConfirmedIrreversibleBlockHeight,
		RoundNumber: c.BaseRound.ConfirmedIrreversibleBlockRoundNumber,
	}
	providedWM := dposfinality.Watermark{
		Height:      c.ProvidedRound.ConfirmedIrreversibleBlockHeight,
		RoundNumber: c.ProvidedRound.ConfirmedIrreversibleBlockRoundNumber,
	}
	if providedWM.Height < 0 {
		return Failure("provided irreversible height %d is negative", providedWM.Height)
	}
	if !providedWM.Observes(baseWM) {
		return Failure(
			"provided watermark (%d/%d) moves behind base (%d/%d)",
			providedWM.Height, providedWM.RoundNumber, baseWM.Height, baseWM.RoundNumber,
		)
	}

	for pk, pm := range c.ProvidedRound.Miners {
		bm, ok := c.BaseRound.Miners[pk]
		if !ok {
			continue
		}
		if pm.ImpliedIrreversibleBlockHeight != 0 &&
			pm.ImpliedIrreversibleBlockHeight < bm.ImpliedIrreversibleBlockHeight {
			return Failure(
				"implied irreversible height of miner %s moves from %d back to %d",
				pk, bm.ImpliedIrreversibleBlockHeight, pm.ImpliedIrreversibleBlockHeight,
			)
		}
	}
	return Success()
}
