// Package aerand supplies the verifiable-random-function primitive
// consumed by the consensus engine for per-block randomness.
package aerand

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gordian-engine/aedpos/aecrypto"
	ecvrf "github.com/vechain/go-ecvrf"
)

// Provider evaluates and verifies a VRF.
//
// Evaluate is only possible with the local private key;
// Verify only needs the prover's public identity.
type Provider interface {
	Evaluate(alpha []byte) (beta, proof []byte, err error)
	Verify(pubkeyHex string, alpha, proof []byte) (beta []byte, err error)
}

// ECVRFProvider implements [Provider] over the secp256k1 Sha256 TAI suite.
type ECVRFProvider struct {
	vrf  ecvrf.VRF
	priv *ecdsa.PrivateKey
}

// NewECVRFProvider returns a provider proving with the given key.
// A nil key is allowed for verify-only use.
func NewECVRFProvider(priv *secp256k1.PrivateKey) *ECVRFProvider {
	p := &ECVRFProvider{
		vrf: ecvrf.NewSecp256k1Sha256Tai(),
	}
	if priv != nil {
		p.priv = priv.ToECDSA()
	}
	return p
}

func (p *ECVRFProvider) Evaluate(alpha []byte) ([]byte, []byte, error) {
	if p.priv == nil {
		return nil, nil, fmt.Errorf("cannot evaluate VRF without a private key")
	}
	beta, proof, err := p.vrf.Prove(p.priv, alpha)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to prove VRF: %w", err)
	}
	return beta, proof, nil
}

func (p *ECVRFProvider) Verify(pubkeyHex string, alpha, proof []byte) ([]byte, error) {
	pub, err := aecrypto.ParsePubkeyHex(pubkeyHex)
	if err != nil {
		return nil, err
	}
	beta, err := p.vrf.Verify(pub.ToECDSA(), alpha, proof)
	if err != nil {
		return nil, fmt.Errorf("failed to verify VRF proof: %w", err)
	}
	return beta, nil
}
