package dposround

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// GenerationConfig carries the schedule parameters for producing
// a new round. It is resolved once by the caller and passed whole,
// so one generation step cannot observe two different parameter sets.
type GenerationConfig struct {
	// MiningInterval is the slot duration for the generated round.
	// Must be positive.
	MiningInterval time.Duration

	// BlockchainStart anchors the chain-age computation.
	BlockchainStart time.Time
}

func (c GenerationConfig) validate() error {
	if c.MiningInterval <= 0 {
		return fmt.Errorf("mining interval must be positive, got %v", c.MiningInterval)
	}
	return nil
}

// NewFirstRound builds the genesis round from an ordered miner list.
// The first miner in the list gets order 1, and so on.
func NewFirstRound(miners []string, cfg GenerationConfig, start time.Time) (*Round, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(miners) == 0 {
		return nil, fmt.Errorf("cannot build first round with no miners")
	}

	r := &Round{
		Number:         1,
		TermNumber:     1,
		MiningInterval: cfg.MiningInterval,
		Miners:         make(map[string]*MinerInRound, len(miners)),
	}
	for i, pk := range miners {
		if _, dup := r.Miners[pk]; dup {
			return nil, fmt.Errorf("duplicate miner %s in first round", pk)
		}
		order := i + 1
		r.Miners[pk] = &MinerInRound{
			Pubkey:               pk,
			Order:                order,
			ExpectedMiningTime:   start.Add(time.Duration(order) * cfg.MiningInterval),
			IsExtraBlockProducer: order == 1,
		}
	}
	return r, nil
}

// GenerateNextRound produces the following round from the current one.
//
// Miners who mined carry their FinalOrderOfNextRound forward as their
// order; miners who did not mine fill the unclaimed slots in ascending
// order and have their missed-slot counters incremented. The watermark
// fields are carried forward unchanged.
func GenerateNextRound(current *Round, now time.Time, cfg GenerationConfig) (*Round, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := current.MinerCount()
	if n == 0 {
		return nil, fmt.Errorf("cannot generate next round from empty round %d", current.Number)
	}

	next := &Round{
		Number:         current.Number + 1,
		TermNumber:     current.TermNumber,
		MiningInterval: cfg.MiningInterval,
		Miners:         make(map[string]*MinerInRound, n),

		ConfirmedIrreversibleBlockHeight:      current.ConfirmedIrreversibleBlockHeight,
		ConfirmedIrreversibleBlockRoundNumber: current.ConfirmedIrreversibleBlockRoundNumber,

		BlockchainAgeSeconds: chainAge(cfg.BlockchainStart, now),
	}
	if eb := current.ExtraBlockProducer(); eb != nil {
		next.ExtraBlockProducerOfPreviousRound = eb.Pubkey
	}

	nextStart := current.ExtraBlockMiningTime()
	if now.After(nextStart) {
		// The extra-block slot itself was missed;
		// the schedule restarts from the present.
		nextStart = now
	}

	occupied := bitset.New(uint(n + 1))
	for _, m := range current.MinersByOrder() {
		if !m.Mined() {
			continue
		}
		order := m.FinalOrderOfNextRound
		if order < 1 || order > n || occupied.Test(uint(order)) {
			// Final orders are resolved per-assignment during the round;
			// a conflicting or out-of-range value here means the input
			// round was never validated.
			return nil, fmt.Errorf(
				"miner %s carries invalid final order %d in round %d",
				m.Pubkey, order, current.Number,
			)
		}
		occupied.Set(uint(order))
		next.Miners[m.Pubkey] = &MinerInRound{
			Pubkey:             m.Pubkey,
			Order:              order,
			ExpectedMiningTime: nextStart.Add(time.Duration(order) * cfg.MiningInterval),
			ProducedBlocks:     m.ProducedBlocks,
			ProducedTinyBlocks: m.ProducedTinyBlocks,
			MissedTimeSlots:    m.MissedTimeSlots,
		}
	}

	// Miners who did not mine fill the complement, ascending.
	freeOrder := 1
	for _, m := range current.MinersByOrder() {
		if m.Mined() {
			continue
		}
		for occupied.Test(uint(freeOrder)) {
			freeOrder++
		}
		occupied.Set(uint(freeOrder))
		next.Miners[m.Pubkey] = &MinerInRound{
			Pubkey:             m.Pubkey,
			Order:              freeOrder,
			ExpectedMiningTime: nextStart.Add(time.Duration(freeOrder) * cfg.MiningInterval),
			ProducedBlocks:     m.ProducedBlocks,
			ProducedTinyBlocks: m.ProducedTinyBlocks,
			MissedTimeSlots:    m.MissedTimeSlots + 1,
		}
	}

	markExtraBlockProducer(next, current)
	return next, nil
}

// GenerateNextTermRound produces the first round of a new term:
// the miner set is replaced by the election result, per-term counters
// reset, and the term number advances. Watermark fields still carry
// forward unchanged.
func GenerateNextTermRound(current *Round, electedMiners []string, now time.Time, cfg GenerationConfig) (*Round, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(electedMiners) == 0 {
		return nil, fmt.Errorf("cannot start term %d with no miners", current.TermNumber+1)
	}

	next := &Round{
		Number:         current.Number + 1,
		TermNumber:     current.TermNumber + 1,
		MiningInterval: cfg.MiningInterval,
		Miners:         make(map[string]*MinerInRound, len(electedMiners)),

		ConfirmedIrreversibleBlockHeight:      current.ConfirmedIrreversibleBlockHeight,
		ConfirmedIrreversibleBlockRoundNumber: current.ConfirmedIrreversibleBlockRoundNumber,

		BlockchainAgeSeconds:   chainAge(cfg.BlockchainStart, now),
		IsMinerListJustChanged: true,
	}
	if eb := current.ExtraBlockProducer(); eb != nil {
		next.ExtraBlockProducerOfPreviousRound = eb.Pubkey
	}

	nextStart := now
	for i, pk := range electedMiners {
		if _, dup := next.Miners[pk]; dup {
			return nil, fmt.Errorf("duplicate miner %s in elected list", pk)
		}
		order := i + 1
		next.Miners[pk] = &MinerInRound{
			Pubkey:             pk,
			Order:              order,
			ExpectedMiningTime: nextStart.Add(time.Duration(order) * cfg.MiningInterval),
		}
	}

	markExtraBlockProducer(next, current)
	return next, nil
}

// markExtraBlockProducer designates the next round's extra-block producer
// from the aggregate of the current round's signatures. If the computed
// order has no miner in the next round (the list changed), the first miner
// in iteration order is designated instead.
func markExtraBlockProducer(next, current *Round) {
	n := next.MinerCount()
	if n == 0 {
		return
	}

	var acc uint64
	for _, m := range current.MinersByOrder() {
		if m.Signature.IsZero() {
			continue
		}
		acc += binary.BigEndian.Uint64(m.Signature[:8])
	}
	wantOrder := int(acc%uint64(n)) + 1

	for _, m := range next.MinersByOrder() {
		if m.Order == wantOrder {
			m.IsExtraBlockProducer = true
			return
		}
	}
	next.FirstMiner().IsExtraBlockProducer = true
}

// ArrangeAbnormalMiningTime schedules a slot for a miner that has missed
// its own slot: the equivalent slot in a future copy of the schedule,
// one full round width ahead of the present.
func (r *Round) ArrangeAbnormalMiningTime(pubkey string, now time.Time) (time.Time, error) {
	m, ok := r.Miners[pubkey]
	if !ok {
		return time.Time{}, fmt.Errorf("miner %s not in round %d", pubkey, r.Number)
	}

	// Round width includes the extra-block slot.
	width := time.Duration(r.MinerCount()+1) * r.MiningInterval
	if width <= 0 {
		return time.Time{}, fmt.Errorf("round %d has no usable schedule", r.Number)
	}

	arranged := m.ExpectedMiningTime
	for !arranged.After(now) {
		arranged = arranged.Add(width)
	}
	return arranged, nil
}

func chainAge(start, now time.Time) int64 {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int64(now.Sub(start) / time.Second)
}
