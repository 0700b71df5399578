package dposengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposcommand"
	"github.com/gordian-engine/aedpos/dpos/dposheader"
	"github.com/gordian-engine/aedpos/dpos/dposround"
	"github.com/gordian-engine/aedpos/dpos/dposvalidation"
)

// GetCurrentRoundInformation returns the latest round snapshot.
func (e *Engine) GetCurrentRoundInformation(ctx context.Context) (*dposround.Round, error) {
	return e.currentRound(ctx)
}

// GetRoundInformation returns the snapshot of the given round number,
// if it is still within the store's retained history.
func (e *Engine) GetRoundInformation(ctx context.Context, number uint64) (*dposround.Round, error) {
	if number == 0 {
		return nil, errors.New("round numbers start at 1")
	}
	return e.store.LoadRound(ctx, number)
}

// GetPreviousRoundInformation returns the round before the current one.
func (e *Engine) GetPreviousRoundInformation(ctx context.Context) (*dposround.Round, error) {
	current, err := e.currentRound(ctx)
	if err != nil {
		return nil, err
	}
	prev, err := e.previousRoundOf(ctx, current)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, errors.New("no previous round")
	}
	return prev, nil
}

// GetCurrentMinerList returns the identities mining the current round.
func (e *Engine) GetCurrentMinerList(ctx context.Context) ([]string, error) {
	current, err := e.currentRound(ctx)
	if err != nil {
		return nil, err
	}
	return current.MinerList(), nil
}

// GetCurrentTermNumber returns the term of the current round.
func (e *Engine) GetCurrentTermNumber(ctx context.Context) (uint64, error) {
	return e.store.CurrentTermNumber(ctx)
}

// GetMaximumBlocksCount returns the dynamic blocks-per-slot cap for the
// current round under the chain's present health.
func (e *Engine) GetMaximumBlocksCount(ctx context.Context) (int, error) {
	current, err := e.currentRound(ctx)
	if err != nil {
		return 0, err
	}
	return e.maximumBlocksCount(ctx, current.Number)
}

// IsCurrentMiner reports whether the given identity mines the current
// round.
func (e *Engine) IsCurrentMiner(ctx context.Context, pubkey string) (bool, error) {
	current, err := e.currentRound(ctx)
	if err != nil {
		return false, err
	}
	_, ok := current.Miners[pubkey]
	return ok, nil
}

// CheckCrossChainIndexingPermission reports whether the given identity
// may submit cross-chain indexing data: only sitting miners may.
func (e *Engine) CheckCrossChainIndexingPermission(ctx context.Context, pubkey string) (bool, error) {
	return e.IsCurrentMiner(ctx, pubkey)
}

// GetRandomHash evaluates the engine's VRF over alpha and hashes the
// output, giving callers verifiable randomness tied to this node's key.
func (e *Engine) GetRandomHash(ctx context.Context, alpha []byte) (aecrypto.Hash, error) {
	if e.random == nil {
		return aecrypto.Hash{}, errors.New("no randomness provider configured")
	}
	beta, _, err := e.random.Evaluate(alpha)
	if err != nil {
		return aecrypto.Hash{}, fmt.Errorf("vrf evaluation failed: %w", err)
	}
	return e.scheme.Hash(beta), nil
}

// GetConsensusCommand decides what the given miner should do now and
// wraps the decision in a concrete time budget.
func (e *Engine) GetConsensusCommand(ctx context.Context, pubkey string, now time.Time) (dposcommand.Command, error) {
	current, err := e.currentRound(ctx)
	if err != nil {
		return dposcommand.Command{}, err
	}
	blocksCount, err := e.maximumBlocksCount(ctx, current.Number)
	if err != nil {
		return dposcommand.Command{}, err
	}

	b := e.decideBehaviour(ctx, current, pubkey, blocksCount, now)
	if b == dposbehaviour.Nothing {
		return dposcommand.Command{Behaviour: dposbehaviour.Nothing}, nil
	}
	return dposcommand.ForBehaviour(b, current, pubkey, now, blocksCount)
}

func (e *Engine) decideBehaviour(
	ctx context.Context,
	current *dposround.Round,
	pubkey string,
	maximumBlocksCount int,
	now time.Time,
) dposbehaviour.Behaviour {
	if e.cfg.MainChain {
		start, err := e.store.BlockchainStart(ctx)
		if err != nil || start.IsZero() {
			return dposbehaviour.Nothing
		}
		p := dposbehaviour.NewMainChainProvider(current, pubkey, maximumBlocksCount, dposbehaviour.TermPolicy{
			PeriodSeconds:   e.cfg.PeriodSeconds,
			BlockchainStart: start,
		})
		return p.Decide(now)
	}
	return dposbehaviour.NewSideChainProvider(current, pubkey, maximumBlocksCount).Decide(now)
}

// ExtraDataTrigger carries the pending payload the sender is about to
// execute, so the claim can be built from the post-execution state.
// In-slot behaviors require their matching field; round terminations
// need neither.
type ExtraDataTrigger struct {
	Update *dposround.NormalUpdate
	Tiny   *dposround.TinyBlockUpdate
}

// GetConsensusExtraData builds the header payload for the behavior the
// sender is about to perform. In-slot behaviors carry the simplified
// projection of the round AFTER the trigger's pending payload is
// applied; terminations carry the full successor round. The payload
// must pass ValidateConsensusBeforeExecution on any honest node, and
// ValidateConsensusAfterExecution once the same payload has executed.
func (e *Engine) GetConsensusExtraData(
	ctx context.Context,
	sender string,
	b dposbehaviour.Behaviour,
	now time.Time,
	trigger ExtraDataTrigger,
) ([]byte, error) {
	current, err := e.currentRound(ctx)
	if err != nil {
		return nil, err
	}

	var claim *dposround.Round
	switch b {
	case dposbehaviour.UpdateValue:
		claim, err = e.updateValueClaim(ctx, current, sender, trigger)
	case dposbehaviour.TinyBlock:
		claim, err = tinyBlockClaim(current, sender, trigger)
	case dposbehaviour.NextRound:
		var cfg dposround.GenerationConfig
		cfg, err = e.generationConfig(ctx)
		if err == nil {
			claim, err = dposround.GenerateNextRound(current, now, cfg)
		}
	case dposbehaviour.NextTerm:
		var cfg dposround.GenerationConfig
		cfg, err = e.generationConfig(ctx)
		if err == nil {
			claim, err = dposround.GenerateNextTermRound(current, e.electedMiners(ctx, current), now, cfg)
		}
	default:
		return nil, fmt.Errorf("no extra data for behavior %s", b)
	}
	if err != nil {
		return nil, err
	}

	h := dposheader.HeaderInformation{
		SenderPubkey: sender,
		Behaviour:    b,
		Round:        claim,
	}
	return h.Encode()
}

// updateValueClaim applies the pending update against the current round
// and projects the sender's record, stamped with the watermark that
// same update will confirm when it executes.
func (e *Engine) updateValueClaim(
	ctx context.Context,
	current *dposround.Round,
	sender string,
	trigger ExtraDataTrigger,
) (*dposround.Round, error) {
	if trigger.Update == nil {
		return nil, errors.New("update value extra data needs the pending update")
	}
	previous, err := e.previousRoundOf(ctx, current)
	if err != nil {
		return nil, err
	}
	applied, err := dposround.ApplyNormalUpdate(current, previous, sender, *trigger.Update, e.scheme)
	if err != nil {
		return nil, fmt.Errorf("pending update from %s rejected: %w", sender, err)
	}

	stored, err := e.store.LoadWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load watermark: %w", err)
	}
	wm := projectWatermark(stored, applied, previous)
	applied.ConfirmedIrreversibleBlockHeight = wm.Height
	applied.ConfirmedIrreversibleBlockRoundNumber = wm.RoundNumber

	return applied.ExtractUpdateValue(sender)
}

// tinyBlockClaim applies the pending tiny block and projects the
// sender's record. Tiny blocks do not move finality, so the round's
// stored watermark fields carry through unchanged.
func tinyBlockClaim(current *dposround.Round, sender string, trigger ExtraDataTrigger) (*dposround.Round, error) {
	if trigger.Tiny == nil {
		return nil, errors.New("tiny block extra data needs the pending update")
	}
	applied, err := dposround.ApplyTinyBlock(current, sender, *trigger.Tiny)
	if err != nil {
		return nil, fmt.Errorf("pending tiny block from %s rejected: %w", sender, err)
	}
	return applied.ExtractTinyBlock(sender)
}

// ValidateConsensusBeforeExecution runs the behavior-indexed validator
// pipeline over a block's header payload. A failed Result is a normal
// outcome; the error covers malformed payloads and store failures only.
func (e *Engine) ValidateConsensusBeforeExecution(
	ctx context.Context,
	data []byte,
	blockSigner string,
) (dposvalidation.Result, error) {
	h, err := dposheader.Decode(data, blockSigner)
	if err != nil {
		return dposvalidation.Result{}, err
	}

	var base, previous *dposround.Round
	var blocksCount int
	if h.Behaviour != dposbehaviour.FirstRound {
		base, err = e.currentRound(ctx)
		if err != nil {
			return dposvalidation.Result{}, err
		}
		previous, err = e.previousRoundOf(ctx, base)
		if err != nil {
			return dposvalidation.Result{}, err
		}
		blocksCount, err = e.maximumBlocksCount(ctx, base.Number)
		if err != nil {
			return dposvalidation.Result{}, err
		}
	}

	return dposvalidation.ValidateBeforeExecution(&dposvalidation.Context{
		BaseRound:          base,
		PreviousRound:      previous,
		ProvidedRound:      h.Round,
		SenderPubkey:       h.SenderPubkey,
		Behaviour:          h.Behaviour,
		MaximumBlocksCount: blocksCount,
		HashScheme:         e.scheme,
	}), nil
}

// ValidateConsensusAfterExecution compares the executed state against
// the header's round claim: the projection of the current state for
// in-slot behaviors, the full round for everything else.
func (e *Engine) ValidateConsensusAfterExecution(
	ctx context.Context,
	data []byte,
	blockSigner string,
) (dposvalidation.Result, error) {
	h, err := dposheader.Decode(data, blockSigner)
	if err != nil {
		return dposvalidation.Result{}, err
	}

	current, err := e.currentRound(ctx)
	if err != nil {
		return dposvalidation.Result{}, err
	}

	expected := current
	switch h.Behaviour {
	case dposbehaviour.UpdateValue:
		expected, err = current.ExtractUpdateValue(h.SenderPubkey)
	case dposbehaviour.TinyBlock:
		expected, err = current.ExtractTinyBlock(h.SenderPubkey)
	}
	if err != nil {
		return dposvalidation.Result{}, err
	}

	return dposvalidation.ValidateAfterExecution(expected, h.Round, e.scheme), nil
}
