package dpossharing

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gordian-engine/aedpos/aecrypto"
	"golang.org/x/crypto/sha3"
)

// Cipher encrypts a share for one recipient and decrypts a share
// received from one sender. Implementations are pairwise-keyed:
// only the two parties can read the piece.
type Cipher interface {
	Encrypt(recipientPubkey string, piece []byte) ([]byte, error)
	Decrypt(senderPubkey string, piece []byte) ([]byte, error)
}

// ECDHCipher implements [Cipher] with an ECDH shared secret on
// secp256k1 and a SHAKE-256 keystream. The shared secret between
// (our priv, their pub) equals the one between (their priv, our pub),
// so Encrypt on one side inverts Decrypt on the other.
type ECDHCipher struct {
	priv *secp256k1.PrivateKey
}

// NewECDHCipher returns a cipher keyed by the local private key.
func NewECDHCipher(priv *secp256k1.PrivateKey) *ECDHCipher {
	return &ECDHCipher{priv: priv}
}

func (c *ECDHCipher) Encrypt(recipientPubkey string, piece []byte) ([]byte, error) {
	return c.apply(recipientPubkey, piece)
}

func (c *ECDHCipher) Decrypt(senderPubkey string, piece []byte) ([]byte, error) {
	return c.apply(senderPubkey, piece)
}

// apply XORs the piece with a keystream derived from the pairwise
// shared secret. XOR is its own inverse, so one implementation
// serves both directions.
func (c *ECDHCipher) apply(peerPubkey string, piece []byte) ([]byte, error) {
	if c.priv == nil {
		return nil, fmt.Errorf("cipher has no private key")
	}
	pub, err := aecrypto.ParsePubkeyHex(peerPubkey)
	if err != nil {
		return nil, err
	}
	shared := secp256k1.GenerateSharedSecret(c.priv, pub)

	shake := sha3.NewShake256()
	_, _ = shake.Write(shared)

	stream := make([]byte, len(piece))
	if _, err := shake.Read(stream); err != nil {
		return nil, fmt.Errorf("failed to derive keystream: %w", err)
	}

	out := make([]byte, len(piece))
	for i := range piece {
		out[i] = piece[i] ^ stream[i]
	}
	return out, nil
}
