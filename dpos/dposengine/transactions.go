package dposengine

import (
	"context"
	"fmt"
	"time"

	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposround"
	"github.com/gordian-engine/aedpos/dpos/dpossharing"
	"github.com/gordian-engine/aedpos/dpos/dposvalidation"
)

// FirstRound bootstraps the chain with the genesis round. It can only
// succeed once.
func (e *Engine) FirstRound(ctx context.Context, sender string, proposed *dposround.Round) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.store.CurrentRoundNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current round number: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("chain already bootstrapped at round %d", n)
	}

	res := dposvalidation.ValidateBeforeExecution(&dposvalidation.Context{
		ProvidedRound: proposed,
		SenderPubkey:  sender,
		Behaviour:     dposbehaviour.FirstRound,
		HashScheme:    e.scheme,
	})
	if !res.OK {
		return fmt.Errorf("first round rejected: %s", res.Reason)
	}

	if err := e.store.SetBlockchainStart(ctx, proposed.StartTime()); err != nil {
		return err
	}
	if err := e.store.SaveRound(ctx, proposed); err != nil {
		return err
	}
	if err := e.store.SaveTermMinerList(ctx, proposed.TermNumber, proposed.MinerList()); err != nil {
		return err
	}

	e.log.Info(
		"chain bootstrapped",
		"miners", proposed.MinerCount(),
		"start", proposed.StartTime().UTC(),
	)
	return nil
}

// UpdateValue applies a miner's commit for the current round: its new
// commitment, its reveal of the previous round's secret, the secret
// shares it distributes, and the ordering information for the next
// round.
//
// A sender that is not a miner of the current round is a silent no-op:
// the block it rode in on is valid, the consensus payload just does
// not apply. Malformed payloads from known miners are hard errors.
func (e *Engine) UpdateValue(ctx context.Context, sender string, upd dposround.NormalUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.currentRound(ctx)
	if err != nil {
		return err
	}
	if _, ok := current.Miners[sender]; !ok {
		e.log.Debug("ignoring update value from non-miner", "sender", sender)
		return nil
	}
	previous, err := e.previousRoundOf(ctx, current)
	if err != nil {
		return err
	}

	next, err := dposround.ApplyNormalUpdate(current, previous, sender, upd, e.scheme)
	if err != nil {
		return fmt.Errorf("update value from %s rejected: %w", sender, err)
	}

	if err := e.advanceFinality(ctx, next, previous); err != nil {
		return err
	}
	return e.store.SaveRound(ctx, next)
}

// UpdateTinyBlockInformation records one more block produced inside the
// sender's current slot. Unknown senders are a silent no-op.
func (e *Engine) UpdateTinyBlockInformation(ctx context.Context, sender string, upd dposround.TinyBlockUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.currentRound(ctx)
	if err != nil {
		return err
	}
	if _, ok := current.Miners[sender]; !ok {
		e.log.Debug("ignoring tiny block from non-miner", "sender", sender)
		return nil
	}

	next, err := dposround.ApplyTinyBlock(current, sender, upd)
	if err != nil {
		return fmt.Errorf("tiny block from %s rejected: %w", sender, err)
	}
	return e.store.SaveRound(ctx, next)
}

// NextRound terminates the current round and installs its successor.
// Before the handover, secrets of miners that never revealed are
// reconstructed from the shares their peers decrypted, so the round
// history stays complete even across absences.
func (e *Engine) NextRound(ctx context.Context, sender string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, previous, cfg, err := e.prepareTermination(ctx, sender)
	if err != nil || current == nil {
		return err
	}

	current = e.revealAbsentSecrets(current, previous)

	next, err := dposround.GenerateNextRound(current, now, cfg)
	if err != nil {
		return fmt.Errorf("failed to generate round %d: %w", current.Number+1, err)
	}

	if err := e.advanceFinality(ctx, next, current); err != nil {
		return err
	}
	if err := e.store.SaveRound(ctx, current); err != nil {
		return err
	}
	if err := e.store.SaveRound(ctx, next); err != nil {
		return err
	}

	e.log.Info("round advanced", "round", next.Number, "term", next.TermNumber)
	return nil
}

// NextTerm terminates the current round and opens a new term with the
// elected miner set, releasing the closed term's treasury.
func (e *Engine) NextTerm(ctx context.Context, sender string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, previous, cfg, err := e.prepareTermination(ctx, sender)
	if err != nil || current == nil {
		return err
	}
	if !e.cfg.MainChain {
		return fmt.Errorf("term changes are a main chain operation")
	}

	current = e.revealAbsentSecrets(current, previous)

	elected := e.electedMiners(ctx, current)

	next, err := dposround.GenerateNextTermRound(current, elected, now, cfg)
	if err != nil {
		return fmt.Errorf("failed to generate term %d: %w", current.TermNumber+1, err)
	}

	if e.treasury != nil {
		if err := e.treasury.Release(ctx, current.TermNumber); err != nil {
			return fmt.Errorf("failed to release treasury for term %d: %w", current.TermNumber, err)
		}
	}

	if err := e.advanceFinality(ctx, next, current); err != nil {
		return err
	}
	if err := e.store.SaveRound(ctx, current); err != nil {
		return err
	}
	if err := e.store.SaveRound(ctx, next); err != nil {
		return err
	}
	if err := e.store.SaveTermMinerList(ctx, next.TermNumber, next.MinerList()); err != nil {
		return err
	}

	e.log.Info(
		"term advanced",
		"term", next.TermNumber,
		"round", next.Number,
		"miners", next.MinerCount(),
	)
	return nil
}

// prepareTermination loads the state both round terminations need.
// A nil current round with a nil error means the sender is unknown and
// the transaction is a no-op.
func (e *Engine) prepareTermination(ctx context.Context, sender string) (
	current, previous *dposround.Round,
	cfg dposround.GenerationConfig,
	err error,
) {
	current, err = e.currentRound(ctx)
	if err != nil {
		return nil, nil, cfg, err
	}
	if _, ok := current.Miners[sender]; !ok {
		e.log.Debug("ignoring round termination from non-miner", "sender", sender)
		return nil, nil, cfg, nil
	}
	previous, err = e.previousRoundOf(ctx, current)
	if err != nil {
		return nil, nil, cfg, err
	}
	cfg, err = e.generationConfig(ctx)
	if err != nil {
		return nil, nil, cfg, err
	}
	return current, previous, cfg, nil
}

// revealAbsentSecrets reconstructs the previous-round secrets of miners
// that committed but never revealed, using the shares their peers
// decrypted. Reconstructed values pass the same hash-commitment gate as
// a live reveal; a failed reconstruction leaves the miner unrevealed.
func (e *Engine) revealAbsentSecrets(current, previous *dposround.Round) *dposround.Round {
	if previous == nil {
		return current
	}
	threshold := dpossharing.SharingThreshold(previous.MinerCount())

	for pk, m := range current.Miners {
		if !m.PreviousInValue.IsZero() {
			continue
		}
		pm, ok := previous.Miners[pk]
		if !ok || pm.OutValue.IsZero() {
			continue
		}

		value, source, err := dpossharing.RevealOrShare(previous, pk, aecrypto.Hash{}, threshold)
		if err != nil || source == dpossharing.SourceUnavailable {
			continue
		}
		recovered, err := dpossharing.AcceptRevealedValue(current, previous, pk, value, e.scheme)
		if err != nil {
			e.log.Warn(
				"reconstructed secret failed the commitment check",
				"miner", pk,
				"err", err,
			)
			continue
		}
		e.log.Info("reconstructed absent miner's secret", "miner", pk, "source", source)
		current = recovered
	}
	return current
}

// electedMiners resolves the next term's miner set. Without an election
// service, or when the election has no victories yet, the sitting
// miners keep their seats.
func (e *Engine) electedMiners(ctx context.Context, current *dposround.Round) []string {
	if e.election == nil {
		return current.MinerList()
	}
	elected, err := e.election.GetVictories(ctx)
	if err != nil {
		e.log.Warn("election unavailable, keeping sitting miners", "err", err)
		return current.MinerList()
	}
	if len(elected) == 0 {
		return current.MinerList()
	}
	return elected
}
