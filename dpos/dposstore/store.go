// Package dposstore stores and retrieves the consensus state the
// engine needs between blocks: round snapshots, per-term miner lists,
// and the irreversible watermark.
package dposstore

import (
	"context"
	"errors"
	"time"

	"github.com/gordian-engine/aedpos/dpos/dposfinality"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// ErrRoundNotFound indicates a round number the store has no snapshot
// for, either because it was never saved or because it aged out of the
// retained history.
var ErrRoundNotFound = errors.New("round not found")

// ErrTermNotFound indicates a term number with no recorded miner list.
var ErrTermNotFound = errors.New("term miner list not found")

// Store persists the consensus state the engine reads back on every
// block. Implementations must treat saved rounds as immutable
// snapshots: a caller mutating a round after SaveRound, or the round
// returned from LoadRound, must not affect stored state.
type Store interface {
	// SaveRound records a round snapshot and advances the current round
	// number if this round is the newest seen.
	SaveRound(ctx context.Context, r *dposround.Round) error

	// LoadRound retrieves the snapshot for the given round number,
	// or ErrRoundNotFound.
	LoadRound(ctx context.Context, number uint64) (*dposround.Round, error)

	// CurrentRoundNumber reports the highest saved round number,
	// zero when nothing has been saved.
	CurrentRoundNumber(ctx context.Context) (uint64, error)

	// CurrentTermNumber reports the term of the highest saved round,
	// zero when nothing has been saved.
	CurrentTermNumber(ctx context.Context) (uint64, error)

	// SaveTermMinerList records which miners made up the given term.
	SaveTermMinerList(ctx context.Context, termNumber uint64, miners []string) error

	// LoadTermMinerList retrieves the miner list of the given term,
	// or ErrTermNotFound.
	LoadTermMinerList(ctx context.Context, termNumber uint64) ([]string, error)

	// SaveWatermark records the irreversible watermark. Implementations
	// reject watermarks that move behind the stored one.
	SaveWatermark(ctx context.Context, w dposfinality.Watermark) error

	// LoadWatermark retrieves the irreversible watermark, the zero
	// watermark when none has been saved.
	LoadWatermark(ctx context.Context) (dposfinality.Watermark, error)

	// SetBlockchainStart records the timestamp of the first block.
	// It is written once at genesis.
	SetBlockchainStart(ctx context.Context, start time.Time) error

	// BlockchainStart retrieves the genesis timestamp; the zero time
	// means genesis has not happened yet.
	BlockchainStart(ctx context.Context) (time.Time, error)
}
