package dposbehaviour

import (
	"time"

	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// Provider decides the next behavior for one miner.
//
// Main chain and side chain differ only in how a finished round is
// terminated; everything up to that point is shared.
type Provider interface {
	Decide(now time.Time) Behaviour
}

// TermPolicy are the main-chain parameters governing term changes.
type TermPolicy struct {
	// PeriodSeconds is the term duration.
	PeriodSeconds int64

	// BlockchainStart anchors the term clock.
	BlockchainStart time.Time
}

// base carries the state shared by both chain types.
type base struct {
	round  *dposround.Round
	pubkey string

	// maximumBlocksCount is the dynamic blocks-per-slot cap
	// resolved by the caller for this decision.
	maximumBlocksCount int
}

// decide runs the shared state machine and calls terminate for the
// round-ending choice.
func (b base) decide(now time.Time, terminate func(now time.Time) Behaviour) Behaviour {
	if b.round == nil || b.round.MinerCount() == 0 || b.maximumBlocksCount < 1 {
		return Nothing
	}
	m, ok := b.round.Miners[b.pubkey]
	if !ok {
		return Nothing
	}

	passed, err := b.round.IsTimeSlotPassed(b.pubkey, now)
	if err != nil {
		return Nothing
	}

	if m.OutValue.IsZero() {
		// No commitment yet this round: publish it if the slot is
		// still open, otherwise fall through to round termination.
		if !passed {
			return UpdateValue
		}
		return terminate(now)
	}

	// Committed already: keep producing tiny blocks inside the slot,
	// up to the cap.
	if !passed && m.ProducedTinyBlocks < int64(b.maximumBlocksCount)-1 {
		return TinyBlock
	}
	return terminate(now)
}

// MainChainProvider terminates rounds with NextTerm when the term-change
// policy is satisfied, NextRound otherwise.
type MainChainProvider struct {
	b      base
	policy TermPolicy
}

func NewMainChainProvider(round *dposround.Round, pubkey string, maximumBlocksCount int, policy TermPolicy) *MainChainProvider {
	return &MainChainProvider{
		b:      base{round: round, pubkey: pubkey, maximumBlocksCount: maximumBlocksCount},
		policy: policy,
	}
}

func (p *MainChainProvider) Decide(now time.Time) Behaviour {
	return p.b.decide(now, p.terminate)
}

func (p *MainChainProvider) terminate(now time.Time) Behaviour {
	if p.termChangeDue(now) {
		return NextTerm
	}
	return NextRound
}

// termChangeDue evaluates the term-change policy: enough elapsed term
// time AND a quorum (> 2N/3) of miners independently signaling
// eligibility through their latest mining timestamps. A round with a
// single miner never changes term.
func (p *MainChainProvider) termChangeDue(now time.Time) bool {
	r := p.b.round
	if r.MinerCount() <= 1 {
		return false
	}
	if p.policy.PeriodSeconds <= 0 || p.policy.BlockchainStart.IsZero() {
		return false
	}

	// The boundary the current term must have outlived.
	boundary := p.policy.BlockchainStart.Add(
		time.Duration(r.TermNumber*uint64(p.policy.PeriodSeconds)) * time.Second,
	)
	if now.Before(boundary) {
		return false
	}

	signaled := 0
	for _, m := range r.MinersByOrder() {
		latest, ok := m.LatestActualMiningTime()
		if !ok {
			continue
		}
		if !latest.Before(boundary) {
			signaled++
		}
	}
	return signaled >= r.MinersCountOfConsent()
}

// SideChainProvider always terminates rounds with NextRound;
// side chains have no terms of their own.
type SideChainProvider struct {
	b base
}

func NewSideChainProvider(round *dposround.Round, pubkey string, maximumBlocksCount int) *SideChainProvider {
	return &SideChainProvider{
		b: base{round: round, pubkey: pubkey, maximumBlocksCount: maximumBlocksCount},
	}
}

func (p *SideChainProvider) Decide(now time.Time) Behaviour {
	return p.b.decide(now, func(time.Time) Behaviour { return NextRound })
}
