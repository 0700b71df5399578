// Package dposengine is the transaction and query surface of the
// consensus system: it loads round state from the store, applies the
// pure round transforms, recomputes finality, and persists the new
// snapshots. All chain-facing entry points live here.
package dposengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/aerand"
	"github.com/gordian-engine/aedpos/dpos/dposcommand"
	"github.com/gordian-engine/aedpos/dpos/dposfinality"
	"github.com/gordian-engine/aedpos/dpos/dposround"
	"github.com/gordian-engine/aedpos/dpos/dposstore"
)

// ElectionService reports election outcomes and accepts miner-count
// updates. On chains without elections a nil service is allowed; term
// changes then re-seat the sitting miners.
type ElectionService interface {
	// GetVictories returns the pubkeys elected for the next term.
	GetVictories(ctx context.Context) ([]string, error)

	// UpdateMinersCount informs the election of the effective miner
	// count so it sizes future victories accordingly.
	UpdateMinersCount(ctx context.Context, count int) error
}

// TreasuryReleaser releases the accumulated rewards of a closed term.
type TreasuryReleaser interface {
	Release(ctx context.Context, termNumber uint64) error
}

// Defaults for the consensus parameters left zero in the config.
const (
	DefaultMaximumBlocksCount = 8

	// DefaultMinerIncreaseInterval grows the miner set every year of
	// chain age.
	DefaultMinerIncreaseInterval = 365 * 24 * time.Hour
)

// ConsensusConfig are the chain-level consensus parameters.
type ConsensusConfig struct {
	// MiningInterval is the width of one miner's time slot.
	MiningInterval time.Duration

	// PeriodSeconds is the term duration; zero disables term changes,
	// which is the side-chain configuration.
	PeriodSeconds int64

	// MaximumBlocksCount is the full blocks-per-slot cap under normal
	// chain health; zero means DefaultMaximumBlocksCount.
	MaximumBlocksCount int

	// MainChain selects main-chain round termination (terms, elections,
	// treasury); false selects the side-chain behavior.
	MainChain bool

	// InitialMinersCount seeds the effective miner count growth.
	InitialMinersCount int

	// MaximumMinersCount caps the effective miner count; zero means
	// no cap. Adjustable at runtime through governance.
	MaximumMinersCount int

	// MinerIncreaseInterval is how much chain age adds two seats to the
	// effective miner count; zero means DefaultMinerIncreaseInterval.
	MinerIncreaseInterval time.Duration
}

func (c ConsensusConfig) validate() error {
	if c.MiningInterval <= 0 {
		return errors.New("mining interval must be positive")
	}
	if c.MainChain && c.PeriodSeconds <= 0 {
		return errors.New("main chain requires a positive term period")
	}
	return nil
}

// EngineConfig carries the engine's collaborators.
type EngineConfig struct {
	Store dposstore.Store

	HashScheme aecrypto.HashScheme

	// Random provides the VRF surface for GetRandomHash.
	// Nil disables the query.
	Random aerand.Provider

	// Election and Treasury are main-chain collaborators; both may be
	// nil, in which case term changes re-seat the sitting miners and
	// release nothing.
	Election ElectionService
	Treasury TreasuryReleaser

	Cfg ConsensusConfig
}

// Engine is the consensus engine. One engine serves one chain; its
// transactions are serialized internally, so callers may share it
// across goroutines.
type Engine struct {
	log *slog.Logger

	store    dposstore.Store
	scheme   aecrypto.HashScheme
	random   aerand.Provider
	election ElectionService
	treasury TreasuryReleaser

	cfg ConsensusConfig

	// mu serializes transactions and guards the governance-adjustable
	// parameters below.
	mu                    sync.Mutex
	maximumMinersCount    int
	minerIncreaseInterval time.Duration
}

// NewEngine validates the configuration and returns a ready engine.
func NewEngine(log *slog.Logger, cfg EngineConfig) (*Engine, error) {
	if log == nil {
		return nil, errors.New("nil logger")
	}
	if cfg.Store == nil {
		return nil, errors.New("nil store")
	}
	if cfg.HashScheme == nil {
		return nil, errors.New("nil hash scheme")
	}
	if err := cfg.Cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config: %w", err)
	}

	cc := cfg.Cfg
	if cc.MaximumBlocksCount <= 0 {
		cc.MaximumBlocksCount = DefaultMaximumBlocksCount
	}
	inc := cc.MinerIncreaseInterval
	if inc <= 0 {
		inc = DefaultMinerIncreaseInterval
	}

	return &Engine{
		log:      log,
		store:    cfg.Store,
		scheme:   cfg.HashScheme,
		random:   cfg.Random,
		election: cfg.Election,
		treasury: cfg.Treasury,
		cfg:      cc,

		maximumMinersCount:    cc.MaximumMinersCount,
		minerIncreaseInterval: inc,
	}, nil
}

// currentRound loads the latest round snapshot.
func (e *Engine) currentRound(ctx context.Context) (*dposround.Round, error) {
	n, err := e.store.CurrentRoundNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current round number: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("chain not bootstrapped: %w", dposstore.ErrRoundNotFound)
	}
	return e.store.LoadRound(ctx, n)
}

// previousRoundOf loads the round before r, nil (not an error) when r
// is the first round or the predecessor aged out of the store.
func (e *Engine) previousRoundOf(ctx context.Context, r *dposround.Round) (*dposround.Round, error) {
	if r.Number <= 1 {
		return nil, nil
	}
	prev, err := e.store.LoadRound(ctx, r.Number-1)
	if errors.Is(err, dposstore.ErrRoundNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// generationConfig resolves the round generation parameters, reading
// the blockchain start recorded at genesis.
func (e *Engine) generationConfig(ctx context.Context) (dposround.GenerationConfig, error) {
	start, err := e.store.BlockchainStart(ctx)
	if err != nil {
		return dposround.GenerationConfig{}, fmt.Errorf("failed to read blockchain start: %w", err)
	}
	if start.IsZero() {
		return dposround.GenerationConfig{}, errors.New("blockchain start not recorded")
	}
	return dposround.GenerationConfig{
		MiningInterval:  e.cfg.MiningInterval,
		BlockchainStart: start,
	}, nil
}

// maximumBlocksCount resolves the dynamic blocks-per-slot cap for the
// given round against the stored irreversible watermark.
func (e *Engine) maximumBlocksCount(ctx context.Context, currentRoundNumber uint64) (int, error) {
	wm, err := e.store.LoadWatermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load watermark: %w", err)
	}
	return dposcommand.MaximumBlocksCount(currentRoundNumber, wm.RoundNumber, dposcommand.Config{
		MaximumBlocksCount: e.cfg.MaximumBlocksCount,
		Log:                e.log,
	}), nil
}

// advanceFinality recomputes the LIB watermark from the new round state
// and persists any forward movement, stamping the confirmed fields onto
// the round snapshot.
func (e *Engine) advanceFinality(ctx context.Context, current, previous *dposround.Round) error {
	stored, err := e.store.LoadWatermark(ctx)
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}

	next := projectWatermark(stored, current, previous)
	if next != stored {
		if err := e.store.SaveWatermark(ctx, next); err != nil {
			return fmt.Errorf("failed to save watermark: %w", err)
		}
		e.log.Info(
			"irreversible watermark advanced",
			"height", next.Height,
			"round", next.RoundNumber,
		)
	}

	current.ConfirmedIrreversibleBlockHeight = next.Height
	current.ConfirmedIrreversibleBlockRoundNumber = next.RoundNumber
	return nil
}

// projectWatermark merges the watermark the given round state implies
// over the stored one. Both advanceFinality and the header claim
// builder derive the watermark through this one function, so a claim
// built before execution stamps the same position execution will.
func projectWatermark(stored dposfinality.Watermark, current, previous *dposround.Round) dposfinality.Watermark {
	if candidate, ok := dposfinality.Calculate(current, previous); ok {
		return stored.Advance(candidate)
	}
	return stored
}
