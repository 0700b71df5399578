// Package dposvalidation is the behavior-indexed validation pipeline
// for consensus-carrying blocks.
//
// Every behavior kind maps to a fixed, exhaustive set of validators;
// the mapping is the single source of truth for what gets checked, and
// a test pins it so a new behavior cannot ship without a validator set.
package dposvalidation

import (
	"fmt"

	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// Result is the outcome of one validator or of the whole pipeline.
// A failed validation is a normal outcome, not a Go error.
type Result struct {
	OK     bool
	Reason string
}

// Success is the passing result.
func Success() Result {
	return Result{OK: true}
}

// Failure describes why a block was rejected.
func Failure(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Context carries everything a validator may read, resolved once per
// validation so no two validators can observe different collaborator
// state. Validators never mutate it.
type Context struct {
	// BaseRound is the current on-chain round state.
	BaseRound *dposround.Round

	// PreviousRound is the round before BaseRound; nil for round one.
	PreviousRound *dposround.Round

	// ProvidedRound is the round claim carried by the block header.
	ProvidedRound *dposround.Round

	SenderPubkey string

	Behaviour dposbehaviour.Behaviour

	// MaximumBlocksCount is the dynamic blocks-per-slot cap, computed
	// from the BASE round's number: the continuous-block check must not
	// trust a round number taken from the unvalidated header claim.
	MaximumBlocksCount int

	HashScheme aecrypto.HashScheme
}

// Validator is one integrity rule. Validators are pure functions of the
// context; order of execution must not matter.
type Validator interface {
	Validate(c *Context) Result
}
