package guardian

import (
	"fmt"
	"slices"
)

// Phase of the guardian's escalation state machine
type Phase int

const (
	Idle Phase = iota
	Watching
	Terminating
	Killing
	Contained
	SelfDestruct
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Terminating:
		return "terminating"
	case Killing:
		return "killing"
	case Contained:
		return "contained"
	case SelfDestruct:
		return "self_destruct"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports phases that end the session's guardian
func (p Phase) Terminal() bool {
	return p == Contained || p == SelfDestruct
}

// validTransitions defines allowed phase changes. SelfDestruct is reachable
// only from Killing, so both shutdown attempts have run before it.
var validTransitions = map[Phase][]Phase{
	Idle:        {Watching},
	Watching:    {Idle, Terminating},
	Terminating: {Killing},
	Killing:     {Contained, SelfDestruct},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Phase) bool {
	return slices.Contains(validTransitions[from], to)
}
