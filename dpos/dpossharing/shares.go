// Package dpossharing implements the commit-reveal randomness engine
// and its secret-sharing fallback.
//
// Each miner commits Hash(in) for round R and reveals in while mining
// round R+1. To tolerate a miner failing to reveal, the secret is also
// split into threshold shares distributed to every other miner; any
// threshold-sized subset of published shares reconstructs it.
package dpossharing

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrIncompleteShares is returned when fewer than threshold shares
// are available for reconstruction. No partial or guessed secret is
// ever produced in that case.
var ErrIncompleteShares = errors.New("not enough shares to reconstruct secret")

// SplitSecret splits a secret into n shares such that any threshold of
// them reconstruct it: the secret is spread over threshold data shards
// and n-threshold parity shards of a Reed-Solomon code. Share i is
// intended for the miner with order i+1.
func SplitSecret(secret []byte, n, threshold int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cannot split an empty secret")
	}
	if threshold < 1 || threshold >= n {
		return nil, fmt.Errorf("threshold must be in [1, n): threshold=%d n=%d", threshold, n)
	}

	rs, err := reedsolomon.New(threshold, n-threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create share encoder: %w", err)
	}

	shards, err := rs.Split(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	// Split only lays out the data shards; Encode fills the parity shards
	// that make any threshold-sized subset sufficient.
	if err := rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode parity shares: %w", err)
	}
	return shards, nil
}

// ReconstructSecret rebuilds a secret of secretLen bytes from the shares
// present in pieces, keyed by share index. Returns [ErrIncompleteShares]
// when fewer than threshold shares are present.
func ReconstructSecret(pieces map[int][]byte, n, threshold, secretLen int) ([]byte, error) {
	if threshold < 1 || threshold >= n {
		return nil, fmt.Errorf("threshold must be in [1, n): threshold=%d n=%d", threshold, n)
	}
	if len(pieces) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrIncompleteShares, len(pieces), threshold)
	}

	rs, err := reedsolomon.New(threshold, n-threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create share decoder: %w", err)
	}

	shards := make([][]byte, n)
	for idx, piece := range pieces {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("share index %d out of range 0..%d", idx, n-1)
		}
		b := make([]byte, len(piece))
		copy(b, piece)
		shards[idx] = b
	}

	if err := rs.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, fmt.Errorf("%w: %v", ErrIncompleteShares, err)
		}
		return nil, fmt.Errorf("failed to reconstruct secret: %w", err)
	}

	out := make([]byte, 0, secretLen)
	for _, shard := range shards[:threshold] {
		out = append(out, shard...)
	}
	if len(out) < secretLen {
		return nil, fmt.Errorf("reconstructed data shorter than secret: %d < %d", len(out), secretLen)
	}
	return out[:secretLen], nil
}
