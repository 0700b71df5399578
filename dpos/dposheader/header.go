// Package dposheader serializes the consensus extra data carried in
// block headers: the sender, the behavior it performed, and the round
// claim the validators compare against recomputed state.
//
// The encoding is JSON. It is simple to work with, simple to maintain,
// and easy to read; consensus extra data is small and rarely decoded on
// a hot path.
package dposheader

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// ErrSenderMismatch indicates header extra data whose declared sender
// is not the key that signed the block.
var ErrSenderMismatch = errors.New("header sender does not match block signer")

// HeaderInformation is the consensus payload of one block header.
type HeaderInformation struct {
	SenderPubkey string                  `json:"sender_pubkey"`
	Behaviour    dposbehaviour.Behaviour `json:"behaviour"`
	Round        *dposround.Round        `json:"round"`
}

// Encode marshals h for inclusion in a block header.
func (h HeaderInformation) Encode() ([]byte, error) {
	if h.Round == nil {
		return nil, errors.New("header information requires a round claim")
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header information: %w", err)
	}
	return b, nil
}

// Decode parses header extra data and binds it to the block signer:
// extra data claiming a different sender than the signing key is
// rejected before any of its content is looked at.
func Decode(data []byte, blockSigner string) (HeaderInformation, error) {
	var h HeaderInformation
	if err := json.Unmarshal(data, &h); err != nil {
		return HeaderInformation{}, fmt.Errorf("failed to unmarshal header information: %w", err)
	}
	if h.Round == nil {
		return HeaderInformation{}, errors.New("header information carries no round claim")
	}
	if h.SenderPubkey != blockSigner {
		return HeaderInformation{}, fmt.Errorf(
			"%w: header claims %s, block signed by %s",
			ErrSenderMismatch, h.SenderPubkey, blockSigner,
		)
	}
	return h, nil
}
