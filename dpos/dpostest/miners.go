// Package dpostest provides deterministic miner fixtures and round
// builders for tests of the consensus packages.
package dpostest

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	petname "github.com/dustinkirkland/golang-petname"

	"github.com/gordian-engine/aedpos/aecrypto"
)

// Miner is the private view of one fixture miner: tests need the
// signing key and the secret in-values, not just the public identity.
type Miner struct {
	// Name is a human-readable label for logs and test output.
	// Labels are cosmetic; identity is always the public key.
	Name string

	Priv *secp256k1.PrivateKey

	// PubkeyHex is the compressed public key in hex, the miner's
	// identity everywhere in the consensus state.
	PubkeyHex string
}

// Miners is an ordered fixture miner set.
type Miners []Miner

// PubkeyHexes returns the miner identities in fixture order.
func (ms Miners) PubkeyHexes() []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.PubkeyHex
	}
	return out
}

// ByPubkey finds the fixture miner with the given identity.
func (ms Miners) ByPubkey(pubkeyHex string) (Miner, bool) {
	for _, m := range ms {
		if m.PubkeyHex == pubkeyHex {
			return m, true
		}
	}
	return Miner{}, false
}

var (
	detMinersMu sync.Mutex
	detMiners   Miners
)

// DeterministicMiners returns n miners with secp256k1 keys derived
// from fixed seeds.
//
// There are two advantages to deterministic keys. First, subsequent
// runs of the same test use the same keys, so logs involving keys or
// IDs do not change across runs, simplifying debugging. Second, the
// generated keys are cached, so additional tests calling this function
// cost effectively zero CPU time beyond the first call.
func DeterministicMiners(n int) Miners {
	detMinersMu.Lock()
	defer detMinersMu.Unlock()

	for i := len(detMiners); i < n; i++ {
		seed := sha256.Sum256([]byte(fmt.Sprintf("deterministic miner %d", i)))
		priv := secp256k1.PrivKeyFromBytes(seed[:])
		detMiners = append(detMiners, Miner{
			Name:      fmt.Sprintf("%02d-%s", i, petname.Generate(2, "-")),
			Priv:      priv,
			PubkeyHex: aecrypto.PubkeyHex(priv.PubKey()),
		})
	}

	out := make(Miners, n)
	copy(out, detMiners[:n])
	return out
}

// InValue derives the miner's secret in-value for the given round.
// The same miner and round always produce the same secret, so tests
// can recompute commitments without tracking state.
func (m Miner) InValue(roundNumber uint64) aecrypto.Hash {
	var s aecrypto.Keccak256Scheme
	return s.Hash([]byte(m.PubkeyHex), []byte(fmt.Sprintf("in value for round %d", roundNumber)))
}
