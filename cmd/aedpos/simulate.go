package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gordian-engine/aedpos/aerand"
	"github.com/gordian-engine/aedpos/dpos/dposengine"
	"github.com/gordian-engine/aedpos/dpos/dposstore"
	"github.com/gordian-engine/aedpos/dpos/dpostest"
)

func newSimulateCommand() *cobra.Command {
	var (
		miners   int
		rounds   int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run consensus rounds with deterministic miners and print the schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			eng, fx, err := buildSimulation(log, miners, interval)
			if err != nil {
				return err
			}
			return runSimulation(cmd.Context(), log, eng, fx, rounds)
		},
	}

	cmd.Flags().IntVar(&miners, "miners", 5, "number of deterministic miners")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "number of rounds to run")
	cmd.Flags().DurationVar(&interval, "interval", 4*time.Second, "width of one mining slot")

	return cmd
}

// buildSimulation bootstraps an engine over an in-memory store with a
// deterministic miner set.
func buildSimulation(log *slog.Logger, miners int, interval time.Duration) (*dposengine.Engine, *dpostest.Fixture, error) {
	if miners < 1 {
		return nil, nil, fmt.Errorf("need at least one miner, got %d", miners)
	}

	fx := dpostest.NewFixture(miners)
	fx.Cfg.MiningInterval = interval

	store, err := dposstore.NewMemStore(0)
	if err != nil {
		return nil, nil, err
	}

	eng, err := dposengine.NewEngine(log, dposengine.EngineConfig{
		Store:      store,
		HashScheme: fx.Scheme,
		Random:     aerand.NewECVRFProvider(fx.Miners[0].Priv),
		Cfg: dposengine.ConsensusConfig{
			MiningInterval:     interval,
			PeriodSeconds:      604800,
			MainChain:          true,
			InitialMinersCount: miners,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	first, err := fx.FirstRound()
	if err != nil {
		return nil, nil, err
	}
	if err := eng.FirstRound(context.Background(), fx.Miners[0].PubkeyHex, first); err != nil {
		return nil, nil, err
	}
	return eng, fx, nil
}

// runSimulation drives the engine through full rounds: every miner
// commits in slot order, then the round is terminated at the
// extra-block time.
func runSimulation(ctx context.Context, log *slog.Logger, eng *dposengine.Engine, fx *dpostest.Fixture, rounds int) error {
	for i := 0; i < rounds; i++ {
		current, err := eng.GetCurrentRoundInformation(ctx)
		if err != nil {
			return err
		}
		previous, _ := eng.GetPreviousRoundInformation(ctx)

		for _, m := range current.MinersByOrder() {
			idx := fixtureIndex(fx, m.Pubkey)
			if idx < 0 {
				return fmt.Errorf("no fixture key for miner %s", m.Pubkey)
			}
			fm := fx.Miners[idx]

			cur, err := eng.GetCurrentRoundInformation(ctx)
			if err != nil {
				return err
			}
			upd := fx.NormalUpdateFor(idx, cur, previous)

			if err := eng.UpdateValue(ctx, fm.PubkeyHex, upd); err != nil {
				return fmt.Errorf("round %d, miner %s: %w", cur.Number, fm.Name, err)
			}
			log.Info(
				"miner committed",
				"round", cur.Number,
				"miner", fm.Name,
				"order", m.Order,
				"slot", m.ExpectedMiningTime.UTC().Format(time.TimeOnly),
			)
		}

		closer := current.ExtraBlockProducer()
		if closer == nil {
			closer = current.FirstMiner()
		}
		if err := eng.NextRound(ctx, closer.Pubkey, current.ExtraBlockMiningTime()); err != nil {
			return fmt.Errorf("failed to close round %d: %w", current.Number, err)
		}
	}

	final, err := eng.GetCurrentRoundInformation(ctx)
	if err != nil {
		return err
	}
	log.Info(
		"simulation finished",
		"round", final.Number,
		"term", final.TermNumber,
		"lib_height", final.ConfirmedIrreversibleBlockHeight,
	)
	return nil
}

func fixtureIndex(fx *dpostest.Fixture, pubkeyHex string) int {
	for i, m := range fx.Miners {
		if m.PubkeyHex == pubkeyHex {
			return i
		}
	}
	return -1
}
