package aecrypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HashLen is the byte length of every [Hash] in the consensus core.
const HashLen = 32

// Hash is a 32-byte digest.
// The zero value means "unset", which the round state relies on
// to distinguish a miner that has committed from one that has not.
type Hash [HashLen]byte

// IsZero reports whether h is the unset hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the digest as a byte slice.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashLen)
	copy(out, h[:])
	return out
}

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// HashFromHex parses a 64-character hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("failed to decode hash hex: %w", err)
	}
	if len(b) != HashLen {
		return h, fmt.Errorf("invalid hash length: want %d, got %d", HashLen, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes copies b into a Hash, rejecting wrong lengths.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashLen {
		return h, fmt.Errorf("invalid hash length: want %d, got %d", HashLen, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalText implements [encoding.TextMarshaler],
// so hashes serialize as hex in JSON header blobs.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (h *Hash) UnmarshalText(b []byte) error {
	// An empty string round-trips to the unset hash.
	if len(b) == 0 {
		*h = Hash{}
		return nil
	}
	parsed, err := HashFromHex(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Equal reports hash equality in constant form;
// it exists for symmetry with the comparisons in validation code.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h[:], other[:])
}
