package aecrypto

import (
	"golang.org/x/crypto/sha3"
)

// HashScheme produces the digests used for commitments,
// signatures-of-reveals, and round content hashes.
//
// There is no global scheme; the engine and validators
// are configured with one instance and thread it through,
// so switching the digest only happens in one place.
type HashScheme interface {
	// Hash digests the concatenation of the given byte slices.
	Hash(data ...[]byte) Hash
}

// Keccak256Scheme is the default [HashScheme],
// using the legacy (pre-padding-change) Keccak-256.
type Keccak256Scheme struct{}

func (Keccak256Scheme) Hash(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		// The sha3 state never returns a write error.
		_, _ = h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CommitmentOf derives the public commitment for a secret in-value.
// Publishing CommitmentOf(in) first and in later is the commit-reveal pair;
// [VerifyReveal] is the other half.
func CommitmentOf(s HashScheme, in Hash) Hash {
	return s.Hash(in[:])
}

// VerifyReveal reports whether the revealed value matches the commitment
// published earlier. It must be checked before any revealed value is
// written into round state, regardless of which miner the value is for.
func VerifyReveal(s HashScheme, revealed, commitment Hash) bool {
	if revealed.IsZero() || commitment.IsZero() {
		return false
	}
	return CommitmentOf(s, revealed).Equal(commitment)
}
