package dposengine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/aerand"
	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposengine"
	"github.com/gordian-engine/aedpos/dpos/dposheader"
	"github.com/gordian-engine/aedpos/dpos/dposround"
	"github.com/gordian-engine/aedpos/dpos/dpossharing"
	"github.com/gordian-engine/aedpos/dpos/dposstore"
	"github.com/gordian-engine/aedpos/dpos/dpostest"
)

type fakeElection struct {
	victories  []string
	victoryErr error

	counts []int
}

func (f *fakeElection) GetVictories(context.Context) ([]string, error) {
	return f.victories, f.victoryErr
}

func (f *fakeElection) UpdateMinersCount(_ context.Context, count int) error {
	f.counts = append(f.counts, count)
	return nil
}

type fakeTreasury struct {
	released []uint64
	err      error
}

func (f *fakeTreasury) Release(_ context.Context, termNumber uint64) error {
	if f.err != nil {
		return f.err
	}
	f.released = append(f.released, termNumber)
	return nil
}

type engineHarness struct {
	Engine   *dposengine.Engine
	Store    *dposstore.MemStore
	Fixture  *dpostest.Fixture
	Election *fakeElection
	Treasury *fakeTreasury
}

func newHarness(t *testing.T, miners int) *engineHarness {
	t.Helper()

	fx := dpostest.NewFixture(miners)
	store, err := dposstore.NewMemStore(0)
	require.NoError(t, err)

	election := &fakeElection{}
	treasury := &fakeTreasury{}

	eng, err := dposengine.NewEngine(slogt.New(t), dposengine.EngineConfig{
		Store:      store,
		HashScheme: fx.Scheme,
		Random:     aerand.NewECVRFProvider(fx.Miners[0].Priv),
		Election:   election,
		Treasury:   treasury,
		Cfg: dposengine.ConsensusConfig{
			MiningInterval:     fx.Cfg.MiningInterval,
			PeriodSeconds:      604800,
			MainChain:          true,
			InitialMinersCount: miners,
		},
	})
	require.NoError(t, err)

	return &engineHarness{
		Engine:   eng,
		Store:    store,
		Fixture:  fx,
		Election: election,
		Treasury: treasury,
	}
}

// bootstrap runs FirstRound with the fixture's genesis round.
func (h *engineHarness) bootstrap(t *testing.T) *dposround.Round {
	t.Helper()

	first, err := h.Fixture.FirstRound()
	require.NoError(t, err)
	require.NoError(t, h.Engine.FirstRound(
		context.Background(), h.Fixture.Miners[0].PubkeyHex, first,
	))
	return first
}

// commitAll publishes every miner's NormalUpdate for the current round.
func (h *engineHarness) commitAll(t *testing.T, impliedHeight int64) {
	t.Helper()
	ctx := context.Background()

	for i := range h.Fixture.Miners {
		current, err := h.Engine.GetCurrentRoundInformation(ctx)
		require.NoError(t, err)
		previous, _ := h.Engine.GetPreviousRoundInformation(ctx)

		upd := h.Fixture.NormalUpdateFor(i, current, previous)
		upd.ImpliedIrreversibleBlockHeight = impliedHeight + int64(i)
		require.NoError(t, h.Engine.UpdateValue(ctx, h.Fixture.Miners[i].PubkeyHex, upd))
	}
}

func TestEngine_Bootstrap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)

	got, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Number)
	require.Equal(t, first.MinerCount(), got.MinerCount())

	miners, err := h.Engine.GetCurrentMinerList(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, h.Fixture.Miners.PubkeyHexes(), miners)

	term, err := h.Engine.GetCurrentTermNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)

	// Bootstrapping twice is rejected.
	require.Error(t, h.Engine.FirstRound(ctx, h.Fixture.Miners[0].PubkeyHex, first))
}

func TestEngine_FirstRoundRejectsOutsider(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	first, err := h.Fixture.FirstRound()
	require.NoError(t, err)

	err = h.Engine.FirstRound(context.Background(), "outsider", first)
	require.Error(t, err)

	n, err := h.Store.CurrentRoundNumber(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_UpdateValueFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	h.bootstrap(t)
	h.commitAll(t, 0)

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	for _, m := range current.MinersByOrder() {
		require.False(t, m.OutValue.IsZero(), "miner %s did not commit", m.Pubkey)
		require.True(t, m.Mined())
		require.Positive(t, m.FinalOrderOfNextRound)
	}

	// A second commit from the same miner is rejected and the first
	// submission stands.
	before := current.Miners[h.Fixture.Miners[0].PubkeyHex].OutValue
	upd := h.Fixture.NormalUpdateFor(0, current, nil)
	err = h.Engine.UpdateValue(ctx, h.Fixture.Miners[0].PubkeyHex, upd)
	require.ErrorIs(t, err, dposround.ErrDuplicateSubmission)

	after, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after.Miners[h.Fixture.Miners[0].PubkeyHex].OutValue)

	// An unknown sender is a silent no-op, not an error.
	require.NoError(t, h.Engine.UpdateValue(ctx, "stranger", upd))
	unchanged, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, after.RoundID(), unchanged.RoundID())
}

func TestEngine_TinyBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	h.bootstrap(t)
	h.commitAll(t, 0)

	sender := h.Fixture.Miners[1].PubkeyHex
	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	when := current.Miners[sender].ExpectedMiningTime.Add(time.Second)

	require.NoError(t, h.Engine.UpdateTinyBlockInformation(ctx, sender, dposround.TinyBlockUpdate{
		ActualMiningTime: when,
	}))
	require.NoError(t, h.Engine.UpdateTinyBlockInformation(ctx, "stranger", dposround.TinyBlockUpdate{
		ActualMiningTime: when,
	}))

	got, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Miners[sender].ProducedTinyBlocks)
}

func TestEngine_NextRoundAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)
	h.commitAll(t, 0)

	closer := h.Fixture.Miners[0].PubkeyHex
	now := first.ExtraBlockMiningTime()
	require.NoError(t, h.Engine.NextRound(ctx, closer, now))

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), current.Number)
	require.Equal(t, uint64(1), current.TermNumber)
	require.Equal(t, 4, current.MinerCount())

	prev, err := h.Engine.GetPreviousRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), prev.Number)

	// Unknown sender: no-op, round stays.
	require.NoError(t, h.Engine.NextRound(ctx, "stranger", now))
	still, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), still.Number)
}

func TestEngine_FinalityAdvancesAcrossRounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)
	// Round 1 commits carry implied heights 40, 41, 42, 43.
	h.commitAll(t, 40)

	require.NoError(t, h.Engine.NextRound(ctx, h.Fixture.Miners[0].PubkeyHex, first.ExtraBlockMiningTime()))

	// Once a consent quorum of round-1 miners has mined in round 2,
	// the watermark lands on the (count-1)/3 smallest implied height.
	h.commitAll(t, 80)

	wm, err := h.Store.LoadWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), wm.RoundNumber)
	require.Equal(t, int64(41), wm.Height)

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(41), current.ConfirmedIrreversibleBlockHeight)

	count, err := h.Engine.GetMaximumBlocksCount(ctx)
	require.NoError(t, err)
	require.Equal(t, dposengine.DefaultMaximumBlocksCount, count)
}

func TestEngine_NextTerm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)
	h.commitAll(t, 0)

	// The election replaces one seat.
	newSet := dpostest.DeterministicMiners(5)
	elected := []string{
		newSet[0].PubkeyHex, newSet[1].PubkeyHex, newSet[2].PubkeyHex, newSet[4].PubkeyHex,
	}
	h.Election.victories = elected

	closer := h.Fixture.Miners[0].PubkeyHex
	require.NoError(t, h.Engine.NextTerm(ctx, closer, first.ExtraBlockMiningTime()))

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), current.TermNumber)
	require.ElementsMatch(t, elected, current.MinerList())
	require.True(t, current.IsMinerListJustChanged)

	require.Equal(t, []uint64{1}, h.Treasury.released)

	saved, err := h.Store.LoadTermMinerList(ctx, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, elected, saved)
}

func TestEngine_NextTermKeepsMinersWithoutElection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)
	h.commitAll(t, 0)

	h.Election.victoryErr = errors.New("election down")

	require.NoError(t, h.Engine.NextTerm(ctx, h.Fixture.Miners[0].PubkeyHex, first.ExtraBlockMiningTime()))

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, h.Fixture.Miners.PubkeyHexes(), current.MinerList())
}

func TestEngine_NextTermTreasuryFailureIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)
	h.commitAll(t, 0)

	h.Treasury.err = errors.New("treasury down")

	err := h.Engine.NextTerm(ctx, h.Fixture.Miners[0].PubkeyHex, first.ExtraBlockMiningTime())
	require.Error(t, err)

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), current.TermNumber)
}

func TestEngine_SideChainRejectsNextTerm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fx := dpostest.NewFixture(3)
	store, err := dposstore.NewMemStore(0)
	require.NoError(t, err)

	eng, err := dposengine.NewEngine(slogt.New(t), dposengine.EngineConfig{
		Store:      store,
		HashScheme: fx.Scheme,
		Cfg: dposengine.ConsensusConfig{
			MiningInterval: fx.Cfg.MiningInterval,
		},
	})
	require.NoError(t, err)

	first, err := fx.FirstRound()
	require.NoError(t, err)
	require.NoError(t, eng.FirstRound(ctx, fx.Miners[0].PubkeyHex, first))

	err = eng.NextTerm(ctx, fx.Miners[0].PubkeyHex, first.ExtraBlockMiningTime())
	require.Error(t, err)
}

func TestEngine_ReconstructsAbsentSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)
	h.commitAll(t, 0)

	absent := h.Fixture.Miners[0]

	// The absent miner's round-1 secret was shared; its peers decrypted
	// enough pieces during round 1 for reconstruction.
	secret := absent.InValue(1)
	shards, err := dpossharing.SplitSecret(secret.Bytes(), 4, dpossharing.SharingThreshold(4))
	require.NoError(t, err)

	round1, err := h.Store.LoadRound(ctx, 1)
	require.NoError(t, err)
	record := round1.Miners[absent.PubkeyHex]
	record.DecryptedPieces = make(map[string][]byte)
	for _, holder := range h.Fixture.Miners[1:] {
		order := round1.Miners[holder.PubkeyHex].Order
		record.DecryptedPieces[holder.PubkeyHex] = shards[order-1]
	}
	require.NoError(t, h.Store.SaveRound(ctx, round1))

	require.NoError(t, h.Engine.NextRound(ctx, h.Fixture.Miners[1].PubkeyHex, first.ExtraBlockMiningTime()))

	// Round 2: everyone but the absent miner commits and reveals.
	for i := 1; i < 4; i++ {
		current, err := h.Engine.GetCurrentRoundInformation(ctx)
		require.NoError(t, err)
		previous, err := h.Engine.GetPreviousRoundInformation(ctx)
		require.NoError(t, err)
		upd := h.Fixture.NormalUpdateFor(i, current, previous)
		require.NoError(t, h.Engine.UpdateValue(ctx, h.Fixture.Miners[i].PubkeyHex, upd))
	}

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	require.True(t, current.Miners[absent.PubkeyHex].PreviousInValue.IsZero())

	// Terminating round 2 reconstructs the absent miner's reveal from
	// the shares held in round 1.
	closer := h.Fixture.Miners[1].PubkeyHex
	require.NoError(t, h.Engine.NextRound(ctx, closer, current.ExtraBlockMiningTime()))

	sealed, err := h.Store.LoadRound(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, secret, sealed.Miners[absent.PubkeyHex].PreviousInValue)
}

func TestEngine_ConsensusCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)

	miner := h.Fixture.Miners[2]
	slot := first.Miners[miner.PubkeyHex].ExpectedMiningTime

	cmd, err := h.Engine.GetConsensusCommand(ctx, miner.PubkeyHex, slot)
	require.NoError(t, err)
	require.Equal(t, dposbehaviour.UpdateValue, cmd.Behaviour)
	require.Equal(t, slot, cmd.ArrangedMiningTime)
	require.Positive(t, cmd.LimitMilliseconds)

	// An unknown identity gets Nothing, not an error.
	cmd, err = h.Engine.GetConsensusCommand(ctx, "stranger", slot)
	require.NoError(t, err)
	require.Equal(t, dposbehaviour.Nothing, cmd.Behaviour)
}

func TestEngine_ExtraDataValidationRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)

	sender := h.Fixture.Miners[0]
	slot := first.Miners[sender.PubkeyHex].ExpectedMiningTime

	// The full mining-node flow: ask for a command, build the header
	// payload for it, and validate before executing anything.
	cmd, err := h.Engine.GetConsensusCommand(ctx, sender.PubkeyHex, slot)
	require.NoError(t, err)
	require.Equal(t, dposbehaviour.UpdateValue, cmd.Behaviour)

	upd := h.Fixture.NormalUpdateFor(0, first, nil)
	data, err := h.Engine.GetConsensusExtraData(
		ctx, sender.PubkeyHex, cmd.Behaviour, slot,
		dposengine.ExtraDataTrigger{Update: &upd},
	)
	require.NoError(t, err)

	res, err := h.Engine.ValidateConsensusBeforeExecution(ctx, data, sender.PubkeyHex)
	require.NoError(t, err)
	require.True(t, res.OK, "reason: %s", res.Reason)

	// A different signer than the declared sender is rejected outright.
	_, err = h.Engine.ValidateConsensusBeforeExecution(ctx, data, h.Fixture.Miners[1].PubkeyHex)
	require.ErrorIs(t, err, dposheader.ErrSenderMismatch)

	// Execute; the payload built before execution must still agree with
	// the executed state.
	require.NoError(t, h.Engine.UpdateValue(ctx, sender.PubkeyHex, upd))
	res, err = h.Engine.ValidateConsensusAfterExecution(ctx, data, sender.PubkeyHex)
	require.NoError(t, err)
	require.True(t, res.OK, "reason: %s", res.Reason)

	// A claim inflating the sender's block counter fails afterwards.
	forgedHeader, err := dposheader.Decode(data, sender.PubkeyHex)
	require.NoError(t, err)
	forgedHeader.Round.Miners[sender.PubkeyHex].ProducedBlocks = 99
	forged, err := forgedHeader.Encode()
	require.NoError(t, err)

	res, err = h.Engine.ValidateConsensusAfterExecution(ctx, forged, sender.PubkeyHex)
	require.NoError(t, err)
	require.False(t, res.OK)

	// In-slot behaviors cannot build a payload without the pending
	// update it is supposed to describe.
	_, err = h.Engine.GetConsensusExtraData(
		ctx, sender.PubkeyHex, dposbehaviour.UpdateValue, slot,
		dposengine.ExtraDataTrigger{},
	)
	require.Error(t, err)
	_, err = h.Engine.GetConsensusExtraData(
		ctx, sender.PubkeyHex, dposbehaviour.TinyBlock, slot,
		dposengine.ExtraDataTrigger{},
	)
	require.Error(t, err)
}

func TestEngine_ExtraDataCarriesAdvancedWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	h.bootstrap(t)
	h.commitAll(t, 40)

	current, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	closer := h.Fixture.Miners[0].PubkeyHex
	require.NoError(t, h.Engine.NextRound(ctx, closer, current.ExtraBlockMiningTime()))

	// Two commits in round two leave the consent quorum one short.
	for i := 0; i < 2; i++ {
		cur, err := h.Engine.GetCurrentRoundInformation(ctx)
		require.NoError(t, err)
		prev, err := h.Engine.GetPreviousRoundInformation(ctx)
		require.NoError(t, err)
		upd := h.Fixture.NormalUpdateFor(i, cur, prev)
		require.NoError(t, h.Engine.UpdateValue(ctx, h.Fixture.Miners[i].PubkeyHex, upd))
	}

	wm, err := h.Store.LoadWatermark(ctx)
	require.NoError(t, err)
	require.Zero(t, wm.Height)

	// The third miner's commit completes the quorum. Its payload is
	// built before executing, and must already carry the watermark its
	// own execution advances, or honest blocks fail the comparison.
	cur, err := h.Engine.GetCurrentRoundInformation(ctx)
	require.NoError(t, err)
	prev, err := h.Engine.GetPreviousRoundInformation(ctx)
	require.NoError(t, err)
	decisive := h.Fixture.Miners[2]
	upd := h.Fixture.NormalUpdateFor(2, cur, prev)

	data, err := h.Engine.GetConsensusExtraData(
		ctx, decisive.PubkeyHex, dposbehaviour.UpdateValue,
		cur.Miners[decisive.PubkeyHex].ExpectedMiningTime,
		dposengine.ExtraDataTrigger{Update: &upd},
	)
	require.NoError(t, err)

	res, err := h.Engine.ValidateConsensusBeforeExecution(ctx, data, decisive.PubkeyHex)
	require.NoError(t, err)
	require.True(t, res.OK, "reason: %s", res.Reason)

	require.NoError(t, h.Engine.UpdateValue(ctx, decisive.PubkeyHex, upd))

	wm, err = h.Store.LoadWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(40), wm.Height)
	require.Equal(t, uint64(1), wm.RoundNumber)

	res, err = h.Engine.ValidateConsensusAfterExecution(ctx, data, decisive.PubkeyHex)
	require.NoError(t, err)
	require.True(t, res.OK, "reason: %s", res.Reason)

	// The claim the payload carried already held the advanced position.
	header, err := dposheader.Decode(data, decisive.PubkeyHex)
	require.NoError(t, err)
	require.Equal(t, wm.Height, header.Round.ConfirmedIrreversibleBlockHeight)
	require.Equal(t, wm.RoundNumber, header.Round.ConfirmedIrreversibleBlockRoundNumber)
}

func TestEngine_RandomHash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 3)
	h.bootstrap(t)

	r1, err := h.Engine.GetRandomHash(ctx, []byte("height 10"))
	require.NoError(t, err)
	require.False(t, r1.IsZero())

	// Deterministic per input, distinct across inputs.
	again, err := h.Engine.GetRandomHash(ctx, []byte("height 10"))
	require.NoError(t, err)
	require.Equal(t, r1, again)

	r2, err := h.Engine.GetRandomHash(ctx, []byte("height 11"))
	require.NoError(t, err)
	require.NotEqual(t, r1, r2)

	// No provider configured: hard error.
	store, err := dposstore.NewMemStore(0)
	require.NoError(t, err)
	bare, err := dposengine.NewEngine(slogt.New(t), dposengine.EngineConfig{
		Store:      store,
		HashScheme: aecrypto.Keccak256Scheme{},
		Cfg:        dposengine.ConsensusConfig{MiningInterval: time.Second},
	})
	require.NoError(t, err)
	_, err = bare.GetRandomHash(ctx, []byte("x"))
	require.Error(t, err)
}

func TestEngine_Governance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t, 4)
	first := h.bootstrap(t)

	now := first.StartTime().Add(time.Hour)

	require.Error(t, h.Engine.SetMaximumMinersCount(ctx, 0, now))

	require.NoError(t, h.Engine.SetMaximumMinersCount(ctx, 3, now))
	require.Equal(t, []int{3}, h.Election.counts)

	effective, err := h.Engine.EffectiveMinersCount(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 3, effective)

	// Raising the cap above the grown count exposes the growth curve.
	require.NoError(t, h.Engine.SetMaximumMinersCount(ctx, 100, now))
	effective, err = h.Engine.EffectiveMinersCount(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 4, effective)

	// Two seats per elapsed increase interval.
	require.NoError(t, h.Engine.SetMinerIncreaseInterval(ctx, 48*time.Hour))
	effective, err = h.Engine.EffectiveMinersCount(ctx, first.StartTime().Add(5*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 8, effective)

	require.Error(t, h.Engine.SetMinerIncreaseInterval(ctx, time.Minute))
	require.Error(t, h.Engine.SetMinerIncreaseInterval(ctx, 100*365*24*time.Hour))
}
