package aecrypto

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Miner identities travel through the consensus core as lowercase hex
// strings of compressed secp256k1 public keys. Keeping them as strings
// makes them usable directly as map keys in round state.

// PubkeyHex encodes a secp256k1 public key into its identity string.
func PubkeyHex(pub *secp256k1.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// ParsePubkeyHex decodes an identity string back into a public key.
func ParsePubkeyHex(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pubkey hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pubkey: %w", err)
	}
	return pub, nil
}
