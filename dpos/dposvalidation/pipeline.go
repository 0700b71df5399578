package dposvalidation

import (
	"github.com/gordian-engine/aedpos/aecrypto"
	"github.com/gordian-engine/aedpos/dpos/dposbehaviour"
	"github.com/gordian-engine/aedpos/dpos/dposround"
)

// ProvidersFor is the canonical mapping from behavior kind to its
// validator set. The returned slice is freshly allocated; callers may
// not assume shared state between calls.
//
// Every behavior kind in [dposbehaviour.Kinds] has an entry here, and
// the LIB validator is attached to every kind that can carry watermark
// fields. Omissions in this mapping are the defect class the pipeline
// exists to prevent; extend it together with its exhaustiveness test.
func ProvidersFor(b dposbehaviour.Behaviour) []Validator {
	switch b {
	case dposbehaviour.FirstRound:
		return []Validator{
			MiningPermissionValidator{},
			FirstRoundValidator{},
		}
	case dposbehaviour.UpdateValue:
		return []Validator{
			MiningPermissionValidator{},
			TimeSlotValidator{},
			UpdateValueValidator{},
			ContinuousBlocksValidator{},
			LibInformationValidator{},
		}
	case dposbehaviour.TinyBlock:
		return []Validator{
			MiningPermissionValidator{},
			TimeSlotValidator{},
			ContinuousBlocksValidator{},
			LibInformationValidator{},
		}
	case dposbehaviour.NextRound:
		return []Validator{
			MiningPermissionValidator{},
			RoundTerminateValidator{},
			NextRoundMiningOrderValidator{},
			LibInformationValidator{},
		}
	case dposbehaviour.NextTerm:
		return []Validator{
			MiningPermissionValidator{},
			RoundTerminateValidator{},
			NextRoundMiningOrderValidator{},
			LibInformationValidator{},
		}
	default:
		return nil
	}
}

// ValidateBeforeExecution runs the full validator set for the context's
// behavior. The first failure rejects the whole block; a behavior with
// no validator set is itself a failure, never a pass.
func ValidateBeforeExecution(c *Context) Result {
	validators := ProvidersFor(c.Behaviour)
	if len(validators) == 0 {
		return Failure("no validators registered for behavior %s", c.Behaviour)
	}
	for _, v := range validators {
		if res := v.Validate(c); !res.OK {
			return res
		}
	}
	return Success()
}

// ValidateAfterExecution compares the round recomputed from on-chain
// state against the header's claimed round. The cheap RoundID check
// runs first; on agreement the content hashes must match exactly.
// A mismatch is fatal for the block even though execution "succeeded".
func ValidateAfterExecution(expected, claimed *dposround.Round, scheme aecrypto.HashScheme) Result {
	if expected == nil || claimed == nil {
		return Failure("cannot compare nil rounds after execution")
	}
	if expected.RoundID() != claimed.RoundID() {
		return Failure(
			"round identity mismatch after execution: expected %d, header claims %d",
			expected.RoundID(), claimed.RoundID(),
		)
	}

	eh, err := expected.Hash(scheme)
	if err != nil {
		return Failure("failed to hash expected round: %v", err)
	}
	ch, err := claimed.Hash(scheme)
	if err != nil {
		return Failure("failed to hash claimed round: %v", err)
	}
	if !eh.Equal(ch) {
		return Failure("round content hash mismatch after execution")
	}
	return Success()
}
