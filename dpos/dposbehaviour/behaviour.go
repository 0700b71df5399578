// Package dposbehaviour decides the next consensus action for one miner,
// as a function of the current round state and the clock.
package dposbehaviour

// Behaviour is the kind of consensus transition a miner performs next.
type Behaviour uint8

const (
	// Nothing is the explicit no-action signal, returned whenever the
	// decision logic cannot determine a valid behavior. It never
	// defaults to a state-mutating behavior.
	Nothing Behaviour = iota

	// UpdateValue publishes the miner's commitment for the round.
	UpdateValue

	// TinyBlock produces an additional block inside the miner's own slot.
	TinyBlock

	// NextRound terminates the round.
	NextRound

	// NextTerm terminates the round and the term (main chain only).
	NextTerm

	// FirstRound is the genesis transition; it never comes out of a
	// provider, but the validation pipeline and header codec carry it.
	FirstRound
)

func (b Behaviour) String() string {
	switch b {
	case Nothing:
		return "Nothing"
	case UpdateValue:
		return "UpdateValue"
	case TinyBlock:
		return "TinyBlock"
	case NextRound:
		return "NextRound"
	case NextTerm:
		return "NextTerm"
	case FirstRound:
		return "FirstRound"
	default:
		return "Unknown"
	}
}

// Kinds lists every behavior the validation pipeline must cover.
// Exhaustiveness of the pipeline's behavior mapping is asserted
// against this list.
func Kinds() []Behaviour {
	return []Behaviour{FirstRound, UpdateValue, TinyBlock, NextRound, NextTerm}
}
